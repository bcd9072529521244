package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id,omitempty"`
	ClientName      string `json:"client_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	WorldID         string      `json:"world_id"`
	WorldParams     WorldParams `json:"world_params"`
	Inputs          []string    `json:"inputs"`
}

type WorldParams struct {
	TickDurationMs int     `json:"tick_duration_ms"`
	StepIntervalMs int     `json:"step_interval_ms"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Speed          float64 `json:"speed"`
}

// SUBMIT (client -> server): queue one input.
type SubmitMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	Name            string          `json:"name"`
	Args            json.RawMessage `json:"args"`
}

// SUBMITTED (server -> client)
type SubmittedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	InputID         int64  `json:"input_id"`
}

// POLL (client -> server). With Wait set the server holds the reply until
// the input is done or the poll budget runs out.
type PollMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	InputID         int64  `json:"input_id"`
	Wait            bool   `json:"wait,omitempty"`
}

// STATUS (server -> client)
type StatusMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ReqID           string       `json:"req_id"`
	InputID         int64        `json:"input_id"`
	Status          string       `json:"status"`
	Result          *InputResult `json:"result,omitempty"`
}

type InputResult struct {
	Kind    string          `json:"kind"`
	Value   json.RawMessage `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

// APPEND_TEXT (client -> server): add a chunk to the body of a message the
// client started with startTyping. Bodies are sealed by finishSendingMessage.
type AppendTextMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	MessageID       string `json:"message_id"`
	Text            string `json:"text"`
}

// APPENDED (server -> client)
type AppendedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	MessageID       string `json:"message_id"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(reqID, code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, ReqID: reqID, Code: code, Message: msg}
}
