// Package observerproto is the read-only spectator protocol. Observers get
// the same STATE snapshots as players, pushed whenever the world steps.
package observerproto

import "agenttown.ai/internal/protocol"

// Version is the observer protocol version (separate from the player WS protocol).
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	IntervalMs      int    `json:"interval_ms"`

	// Optional: include the messages of one conversation.
	ConversationID string `json:"conversation_id,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string               `json:"protocol_version"`
	WorldID         string               `json:"world_id"`
	Generation      int64                `json:"generation"`
	WorldTime       float64              `json:"world_time"`
	WorldParams     protocol.WorldParams `json:"world_params"`
	Blocked         [][2]int             `json:"blocked"`
}
