package game

import (
	"fmt"

	"agenttown.ai/internal/sim/geom"
)

// Join adds a player on a random free tile. human is the controller token
// for human players and empty for agents.
func (g *Game) Join(now float64, name, character, description, human string) (string, error) {
	if human != "" {
		if p, ok := g.PlayerByHuman(human); ok {
			return "", fmt.Errorf("%w: %s", ErrHumanAlreadyJoined, p.ID)
		}
	}
	pos, err := g.FreeSpot("")
	if err != nil {
		return "", err
	}
	p := Player{
		ID:          g.allocID("p"),
		Name:        name,
		Character:   character,
		Description: description,
		Human:       human,
		Enabled:     true,
		Position:    pos,
		Facing:      geom.Vector{DX: 0, DY: 1},
		LastInput:   now,
	}
	if err := g.Players.Insert(p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// Leave removes a player, ending its conversation and dropping its block.
// The player's agent, if any, goes with it.
func (g *Game) Leave(now float64, playerID string) error {
	p, ok := g.Players.Get(playerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	if m, ok := g.ActiveMembership(playerID); ok {
		if err := g.StopConversation(now, m.ConversationID); err != nil {
			return err
		}
	}
	if err := g.dropBlocks(playerID, p.Position); err != nil {
		return err
	}
	if a, ok := g.AgentByPlayer(playerID); ok {
		g.Agents.Delete(a.ID)
	}
	g.Players.Delete(playerID)
	return nil
}

// SetEnabled toggles whether a player takes part in the world. Disabling
// stops movement and ends the current conversation.
func (g *Game) SetEnabled(now float64, playerID string, enabled bool) error {
	p, ok := g.Players.Get(playerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	if p.Enabled == enabled {
		return nil
	}
	if !enabled {
		if m, ok := g.ActiveMembership(playerID); ok {
			if err := g.StopConversation(now, m.ConversationID); err != nil {
				return err
			}
		}
		if err := g.dropBlocks(playerID, p.Position); err != nil {
			return err
		}
		if err := g.StopPlayer(playerID); err != nil {
			return err
		}
		p, _ = g.Players.Get(playerID)
	}
	p.Enabled = enabled
	return g.Players.Put(p)
}

// CreateAgent joins a new player driven by an agent loop.
func (g *Game) CreateAgent(now float64, name, character, identity, plan string) (agentID, playerID string, err error) {
	playerID, err = g.Join(now, name, character, identity, "")
	if err != nil {
		return "", "", err
	}
	a := Agent{ID: g.allocID("a"), PlayerID: playerID, Identity: identity, Plan: plan}
	if err := g.Agents.Insert(a); err != nil {
		return "", "", err
	}
	return a.ID, playerID, nil
}

func (g *Game) touch(now float64, playerID string) error {
	p, ok := g.Players.Get(playerID)
	if !ok || p.LastInput >= now {
		return nil
	}
	p.LastInput = now
	return g.Players.Put(p)
}
