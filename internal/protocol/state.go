package protocol

// STATE_REQ (client -> server). ConversationID, when set, also returns that
// conversation's messages with their text.
type StateReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	ConversationID  string `json:"conversation_id,omitempty"`
}

// STATE (server -> client): a snapshot of the world's live entities.
// Histories maps a player id to its packed movement samples of the last
// step, base64 encoded.
type StateMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ReqID           string  `json:"req_id"`
	WorldID         string  `json:"world_id"`
	Generation      int64   `json:"generation"`
	WorldTime       float64 `json:"world_time"`
	Active          bool    `json:"active"`

	Players       []PlayerState       `json:"players"`
	Conversations []ConversationState `json:"conversations"`
	Blocks        []BlockState        `json:"blocks"`
	Messages      []MessageState      `json:"messages,omitempty"`
	Histories     map[string]string   `json:"histories,omitempty"`
	HistoryTs     map[string]float64  `json:"history_ts,omitempty"`
}

type PlayerState struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Character   string      `json:"character"`
	Description string      `json:"description,omitempty"`
	Human       bool        `json:"human"`
	Agent       bool        `json:"agent"`
	Enabled     bool        `json:"enabled"`
	Position    [2]float64  `json:"position"`
	Facing      [2]float64  `json:"facing"`
	Speed       float64     `json:"speed"`
	Destination *[2]float64 `json:"destination,omitempty"`
}

type ConversationState struct {
	ID          string        `json:"id"`
	Creator     string        `json:"creator"`
	Created     float64       `json:"created"`
	TypingID    string        `json:"typing_id,omitempty"`
	NumMessages int           `json:"num_messages"`
	Members     []MemberState `json:"members"`
}

type MemberState struct {
	PlayerID string `json:"player_id"`
	Status   string `json:"status"`
}

type BlockState struct {
	ID       string      `json:"id"`
	Emoji    string      `json:"emoji"`
	State    string      `json:"state"`
	Position *[2]float64 `json:"position,omitempty"`
	PlayerID string      `json:"player_id,omitempty"`
}

type MessageState struct {
	ID      string  `json:"id"`
	Author  string  `json:"author"`
	Created float64 `json:"created"`
	Text    string  `json:"text"`
	Done    bool    `json:"done"`
}
