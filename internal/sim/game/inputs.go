package game

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"agenttown.ai/internal/sim/geom"
)

// Input names.
const (
	InputJoin                 = "join"
	InputLeave                = "leave"
	InputMoveTo               = "moveTo"
	InputStartConversation    = "startConversation"
	InputAcceptInvite         = "acceptInvite"
	InputRejectInvite         = "rejectInvite"
	InputStartTyping          = "startTyping"
	InputFinishSendingMessage = "finishSendingMessage"
	InputLeaveConversation    = "leaveConversation"
	InputPickUpBlock          = "pickUpBlock"
	InputSetDownBlock         = "setDownBlock"
	InputCreateAgent          = "createAgent"
	InputSetEnabled           = "setEnabled"
)

// Handler applies one input at simulation time now and returns a JSON
// encodable result.
type Handler func(g *Game, now float64, args json.RawMessage) (any, error)

type JoinArgs struct {
	Name        string `json:"name"`
	Character   string `json:"character"`
	Description string `json:"description,omitempty"`
	Human       string `json:"human,omitempty"`
}

type PlayerArgs struct {
	PlayerID string `json:"playerId"`
}

type MoveToArgs struct {
	PlayerID    string      `json:"playerId"`
	Destination *geom.Point `json:"destination"`
}

type StartConversationArgs struct {
	PlayerID  string `json:"playerId"`
	InviteeID string `json:"inviteeId"`
}

type ConversationArgs struct {
	PlayerID       string `json:"playerId"`
	ConversationID string `json:"conversationId"`
}

type MessageArgs struct {
	PlayerID       string `json:"playerId"`
	ConversationID string `json:"conversationId"`
	MessageUUID    string `json:"messageUuid"`
}

type BlockArgs struct {
	PlayerID string `json:"playerId"`
	BlockID  string `json:"blockId"`
}

type CreateAgentArgs struct {
	Name      string `json:"name"`
	Character string `json:"character"`
	Identity  string `json:"identity"`
	Plan      string `json:"plan"`
}

type SetEnabledArgs struct {
	PlayerID string `json:"playerId"`
	Enabled  bool   `json:"enabled"`
}

type JoinResult struct {
	PlayerID string `json:"playerId"`
}

type ConversationResult struct {
	ConversationID string `json:"conversationId"`
}

type AgentResult struct {
	AgentID  string `json:"agentId"`
	PlayerID string `json:"playerId"`
}

var handlers = map[string]Handler{
	InputJoin: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a JoinArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		id, err := g.Join(now, a.Name, a.Character, a.Description, a.Human)
		if err != nil {
			return nil, err
		}
		return JoinResult{PlayerID: id}, nil
	},
	InputLeave: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a PlayerArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.Leave(now, a.PlayerID)
	},
	InputMoveTo: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a MoveToArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		if _, err := g.enabledPlayer(a.PlayerID); err != nil {
			return nil, err
		}
		if a.Destination == nil {
			return nil, g.StopPlayer(a.PlayerID)
		}
		return nil, g.MovePlayer(now, a.PlayerID, *a.Destination)
	},
	InputStartConversation: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a StartConversationArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		id, err := g.StartConversation(now, a.PlayerID, a.InviteeID)
		if err != nil {
			return nil, err
		}
		return ConversationResult{ConversationID: id}, nil
	},
	InputAcceptInvite: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a ConversationArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.AcceptInvite(a.PlayerID, a.ConversationID)
	},
	InputRejectInvite: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a ConversationArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.RejectInvite(now, a.PlayerID, a.ConversationID)
	},
	InputLeaveConversation: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a ConversationArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.LeaveConversation(now, a.PlayerID, a.ConversationID)
	},
	InputStartTyping: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a MessageArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.StartTyping(now, a.PlayerID, a.ConversationID, a.MessageUUID)
	},
	InputFinishSendingMessage: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a MessageArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.FinishSendingMessage(now, a.PlayerID, a.ConversationID, a.MessageUUID)
	},
	InputPickUpBlock: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a BlockArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.PickUpBlock(now, a.PlayerID, a.BlockID)
	},
	InputSetDownBlock: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a PlayerArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.SetDownBlock(a.PlayerID)
	},
	InputCreateAgent: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a CreateAgentArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		agentID, playerID, err := g.CreateAgent(now, a.Name, a.Character, a.Identity, a.Plan)
		if err != nil {
			return nil, err
		}
		return AgentResult{AgentID: agentID, PlayerID: playerID}, nil
	},
	InputSetEnabled: func(g *Game, now float64, raw json.RawMessage) (any, error) {
		var a SetEnabledArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, g.SetEnabled(now, a.PlayerID, a.Enabled)
	},
}

// InputNames lists every registered handler.
func InputNames() []string {
	names := make([]string, 0, len(handlers))
	for n := range handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func KnownInput(name string) bool {
	_, ok := handlers[name]
	return ok
}

// HandleInput runs the named handler. The returned error is either a policy
// rejection to record on the input or wraps ErrInvariant.
func (g *Game) HandleInput(now float64, name string, args json.RawMessage) (json.RawMessage, error) {
	h, ok := handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	v, err := h(g, now, args)
	if err != nil {
		return nil, err
	}
	var who PlayerArgs
	if json.Unmarshal(args, &who) == nil && who.PlayerID != "" {
		if err := g.touch(now, who.PlayerID); err != nil {
			return nil, err
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s result: %v", ErrInvariant, name, err)
	}
	return out, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	return nil
}
