// Package protocol defines the websocket wire messages and the JSON schemas
// that input arguments are checked against before they are queued.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello     = "HELLO"
	TypeWelcome   = "WELCOME"
	TypeSubmit    = "SUBMIT"
	TypeSubmitted = "SUBMITTED"
	TypePoll      = "POLL"
	TypeStatus    = "STATUS"
	TypeStateReq  = "STATE_REQ"
	TypeAppend    = "APPEND_TEXT"
	TypeAppended  = "APPENDED"
	TypeState     = "STATE"
	TypeError     = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
