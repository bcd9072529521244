package game

import (
	"encoding/json"
	"fmt"

	"agenttown.ai/internal/sim/geom"
)

type Player struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Character   string      `json:"character"`
	Description string      `json:"description,omitempty"`
	Human       string      `json:"human,omitempty"`
	Enabled     bool        `json:"enabled"`
	Position    geom.Point  `json:"position"`
	Facing      geom.Vector `json:"facing"`
	Speed       float64     `json:"speed"`
	LastInput   float64     `json:"last_input"`

	Pathfinding *Pathfinding `json:"pathfinding,omitempty"`
}

func (p Player) IsHuman() bool { return p.Human != "" }

// Pathfinding is the movement goal of a player. State is one of
// NeedsPath, Waiting or Moving.
type Pathfinding struct {
	Destination geom.Point
	Started     float64
	State       PathState
}

type PathState interface{ pathState() }

type NeedsPath struct{}

type Waiting struct{ Until float64 }

type Moving struct{ Path geom.Path }

func (NeedsPath) pathState() {}
func (Waiting) pathState()   {}
func (Moving) pathState()    {}

type pathfindingJSON struct {
	Destination geom.Point `json:"destination"`
	Started     float64    `json:"started"`
	Kind        string     `json:"kind"`
	Until       float64    `json:"until,omitempty"`
	Path        geom.Path  `json:"path,omitempty"`
}

func (p Pathfinding) MarshalJSON() ([]byte, error) {
	w := pathfindingJSON{Destination: p.Destination, Started: p.Started}
	switch s := p.State.(type) {
	case NeedsPath:
		w.Kind = "needsPath"
	case Waiting:
		w.Kind, w.Until = "waiting", s.Until
	case Moving:
		w.Kind, w.Path = "moving", s.Path
	default:
		return nil, fmt.Errorf("pathfinding: unknown state %T", p.State)
	}
	return json.Marshal(w)
}

func (p *Pathfinding) UnmarshalJSON(b []byte) error {
	var w pathfindingJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p.Destination, p.Started = w.Destination, w.Started
	switch w.Kind {
	case "needsPath":
		p.State = NeedsPath{}
	case "waiting":
		p.State = Waiting{Until: w.Until}
	case "moving":
		if err := w.Path.Validate(); err != nil {
			return err
		}
		p.State = Moving{Path: w.Path}
	default:
		return fmt.Errorf("pathfinding: unknown kind %q", w.Kind)
	}
	return nil
}

type Typing struct {
	PlayerID    string  `json:"player_id"`
	MessageUUID string  `json:"message_uuid"`
	Since       float64 `json:"since"`
}

type LastMessage struct {
	Author    string  `json:"author"`
	Timestamp float64 `json:"timestamp"`
}

type Conversation struct {
	ID          string       `json:"id"`
	Creator     string       `json:"creator"`
	Created     float64      `json:"created"`
	Typing      *Typing      `json:"typing,omitempty"`
	Finished    *float64     `json:"finished,omitempty"`
	NumMessages int          `json:"num_messages"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
}

func (c Conversation) IsFinished() bool { return c.Finished != nil }

// Member is one player's participation in a conversation. Status is one of
// Invited, WalkingOver, Participating or Left.
type Member struct {
	ID             string
	ConversationID string
	PlayerID       string
	Status         MemberStatus
}

func memberID(conversationID, playerID string) string {
	return conversationID + "/" + playerID
}

type MemberStatus interface{ memberStatus() }

type Invited struct{ Since float64 }

type WalkingOver struct{}

type Participating struct{ Since float64 }

type Left struct{ When float64 }

func (Invited) memberStatus()       {}
func (WalkingOver) memberStatus()   {}
func (Participating) memberStatus() {}
func (Left) memberStatus()          {}

func (m Member) Active() bool {
	_, left := m.Status.(Left)
	return !left
}

type memberJSON struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	PlayerID       string  `json:"player_id"`
	Kind           string  `json:"kind"`
	Since          float64 `json:"since,omitempty"`
	When           float64 `json:"when,omitempty"`
}

func (m Member) MarshalJSON() ([]byte, error) {
	w := memberJSON{ID: m.ID, ConversationID: m.ConversationID, PlayerID: m.PlayerID}
	switch s := m.Status.(type) {
	case Invited:
		w.Kind, w.Since = "invited", s.Since
	case WalkingOver:
		w.Kind = "walkingOver"
	case Participating:
		w.Kind, w.Since = "participating", s.Since
	case Left:
		w.Kind, w.When = "left", s.When
	default:
		return nil, fmt.Errorf("member: unknown status %T", m.Status)
	}
	return json.Marshal(w)
}

func (m *Member) UnmarshalJSON(b []byte) error {
	var w memberJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.ID, m.ConversationID, m.PlayerID = w.ID, w.ConversationID, w.PlayerID
	switch w.Kind {
	case "invited":
		m.Status = Invited{Since: w.Since}
	case "walkingOver":
		m.Status = WalkingOver{}
	case "participating":
		m.Status = Participating{Since: w.Since}
	case "left":
		m.Status = Left{When: w.When}
	default:
		return fmt.Errorf("member: unknown kind %q", w.Kind)
	}
	return nil
}

// StatusName is the wire name of a member status.
func StatusName(s MemberStatus) string {
	switch s.(type) {
	case Invited:
		return "invited"
	case WalkingOver:
		return "walkingOver"
	case Participating:
		return "participating"
	case Left:
		return "left"
	}
	return ""
}

// Message is keyed by the client-generated message uuid. Its text lives in
// the store's message_text table.
type Message struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Author         string  `json:"author"`
	Created        float64 `json:"created"`
	DoneWriting    bool    `json:"done_writing"`
}

// Block is a movable object. State is one of Placed, Carried or
// WaitingForNearby.
type Block struct {
	ID    string
	Emoji string
	State BlockState
}

type BlockState interface{ blockState() }

type Placed struct{ Position geom.Point }

type Carried struct{ PlayerID string }

type WaitingForNearby struct {
	PlayerID string
	Position geom.Point
}

func (Placed) blockState()           {}
func (Carried) blockState()          {}
func (WaitingForNearby) blockState() {}

type blockJSON struct {
	ID       string      `json:"id"`
	Emoji    string      `json:"emoji,omitempty"`
	Kind     string      `json:"kind"`
	PlayerID string      `json:"player_id,omitempty"`
	Position *geom.Point `json:"position,omitempty"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	w := blockJSON{ID: b.ID, Emoji: b.Emoji}
	switch s := b.State.(type) {
	case Placed:
		pos := s.Position
		w.Kind, w.Position = "placed", &pos
	case Carried:
		w.Kind, w.PlayerID = "carried", s.PlayerID
	case WaitingForNearby:
		pos := s.Position
		w.Kind, w.PlayerID, w.Position = "waitingForNearby", s.PlayerID, &pos
	default:
		return nil, fmt.Errorf("block: unknown state %T", b.State)
	}
	return json.Marshal(w)
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var w blockJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.ID, b.Emoji = w.ID, w.Emoji
	switch w.Kind {
	case "placed":
		if w.Position == nil {
			return fmt.Errorf("block %s: placed without position", w.ID)
		}
		b.State = Placed{Position: *w.Position}
	case "carried":
		b.State = Carried{PlayerID: w.PlayerID}
	case "waitingForNearby":
		if w.Position == nil {
			return fmt.Errorf("block %s: waiting without position", w.ID)
		}
		b.State = WaitingForNearby{PlayerID: w.PlayerID, Position: *w.Position}
	default:
		return fmt.Errorf("block: unknown kind %q", w.Kind)
	}
	return nil
}

// Agent is the persistent identity of an autonomous player. Conversation
// bookkeeping is updated by the game when conversations end.
type Agent struct {
	ID                string             `json:"id"`
	PlayerID          string             `json:"player_id"`
	Identity          string             `json:"identity"`
	Plan              string             `json:"plan"`
	LastConversation  float64            `json:"last_conversation,omitempty"`
	LastInviteAttempt float64            `json:"last_invite_attempt,omitempty"`
	Partners          map[string]float64 `json:"partners,omitempty"`
}
