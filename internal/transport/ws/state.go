package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"agenttown.ai/internal/protocol"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/store"
)

// BuildState reads a STATE snapshot of worldID in one store transaction.
// When conversationID is set its messages are included with their text.
func BuildState(ctx context.Context, eng *engine.Engine, worldID, conversationID string) (protocol.StateMsg, error) {
	msg := protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		WorldID:         worldID,
		Players:         []protocol.PlayerState{},
		Conversations:   []protocol.ConversationState{},
		Blocks:          []protocol.BlockState{},
	}
	err := eng.Store().View(ctx, func(tx *store.Tx) error {
		g, err := game.Load(tx, worldID, eng.Tuning(), rand.New(rand.NewSource(1)))
		if err != nil {
			return err
		}
		msg.Generation = g.World.Generation
		msg.WorldTime = g.World.CurrentTime
		msg.Active = g.World.Active

		for _, p := range g.Players.All() {
			_, isAgent := g.AgentByPlayer(p.ID)
			ps := protocol.PlayerState{
				ID:          p.ID,
				Name:        p.Name,
				Character:   p.Character,
				Description: p.Description,
				Human:       p.IsHuman(),
				Agent:       isAgent,
				Enabled:     p.Enabled,
				Position:    [2]float64{p.Position.X, p.Position.Y},
				Facing:      [2]float64{p.Facing.DX, p.Facing.DY},
				Speed:       p.Speed,
			}
			if p.Pathfinding != nil {
				d := p.Pathfinding.Destination
				ps.Destination = &[2]float64{d.X, d.Y}
			}
			msg.Players = append(msg.Players, ps)

			ts, packed, err := tx.LatestHistory(worldID, p.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if msg.Histories == nil {
				msg.Histories, msg.HistoryTs = map[string]string{}, map[string]float64{}
			}
			msg.Histories[p.ID] = base64.StdEncoding.EncodeToString(packed)
			msg.HistoryTs[p.ID] = ts
		}

		for _, c := range g.Conversations.All() {
			cs := protocol.ConversationState{
				ID:          c.ID,
				Creator:     c.Creator,
				Created:     c.Created,
				NumMessages: c.NumMessages,
			}
			if c.Typing != nil {
				cs.TypingID = c.Typing.PlayerID
			}
			for _, m := range g.ConversationMembers(c.ID) {
				cs.Members = append(cs.Members, protocol.MemberState{PlayerID: m.PlayerID, Status: game.StatusName(m.Status)})
			}
			msg.Conversations = append(msg.Conversations, cs)
		}

		for _, b := range g.Blocks.All() {
			msg.Blocks = append(msg.Blocks, blockState(b))
		}

		if conversationID == "" {
			return nil
		}
		return conversationMessages(tx, worldID, conversationID, &msg)
	})
	if err != nil {
		return protocol.StateMsg{}, err
	}
	sort.Slice(msg.Players, func(i, j int) bool { return msg.Players[i].ID < msg.Players[j].ID })
	sort.Slice(msg.Conversations, func(i, j int) bool { return msg.Conversations[i].ID < msg.Conversations[j].ID })
	sort.Slice(msg.Blocks, func(i, j int) bool { return msg.Blocks[i].ID < msg.Blocks[j].ID })
	return msg, nil
}

func blockState(b game.Block) protocol.BlockState {
	bs := protocol.BlockState{ID: b.ID, Emoji: b.Emoji}
	switch s := b.State.(type) {
	case game.Placed:
		bs.State = "placed"
		bs.Position = &[2]float64{s.Position.X, s.Position.Y}
	case game.Carried:
		bs.State, bs.PlayerID = "carried", s.PlayerID
	case game.WaitingForNearby:
		bs.State, bs.PlayerID = "waitingForNearby", s.PlayerID
		bs.Position = &[2]float64{s.Position.X, s.Position.Y}
	}
	return bs
}

func conversationMessages(tx *store.Tx, worldID, conversationID string, msg *protocol.StateMsg) error {
	rows, err := tx.EntitiesWhere(worldID, game.KindMessage, "conversation_id", conversationID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		var m game.Message
		if err := json.Unmarshal(row.Data, &m); err != nil {
			return fmt.Errorf("message %s: %w", row.ID, err)
		}
		text, done, err := tx.MessageText(worldID, m.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		msg.Messages = append(msg.Messages, protocol.MessageState{
			ID: m.ID, Author: m.Author, Created: m.Created, Text: text, Done: done,
		})
	}
	sort.Slice(msg.Messages, func(i, j int) bool { return msg.Messages[i].Created < msg.Messages[j].Created })
	return nil
}
