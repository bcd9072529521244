package game

import (
	"fmt"
	"sort"

	"agenttown.ai/internal/sim/geom"
)

// ActiveMembership returns the player's membership that is not left.
func (g *Game) ActiveMembership(playerID string) (Member, bool) {
	for _, m := range g.Members.All() {
		if m.PlayerID == playerID && m.Active() {
			return m, true
		}
	}
	return Member{}, false
}

// ConversationMembers returns the in-memory members of a conversation,
// ordered by player id.
func (g *Game) ConversationMembers(conversationID string) []Member {
	var out []Member
	for _, m := range g.Members.All() {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// OtherMember returns the other side of a pairwise conversation.
func (g *Game) OtherMember(conversationID, playerID string) (Member, bool) {
	for _, m := range g.ConversationMembers(conversationID) {
		if m.PlayerID != playerID {
			return m, true
		}
	}
	return Member{}, false
}

func (g *Game) AgentByPlayer(playerID string) (Agent, bool) {
	for _, a := range g.Agents.All() {
		if a.PlayerID == playerID {
			return a, true
		}
	}
	return Agent{}, false
}

func (g *Game) PlayerByHuman(human string) (Player, bool) {
	for _, p := range g.Players.All() {
		if p.Human != "" && p.Human == human {
			return p, true
		}
	}
	return Player{}, false
}

func (g *Game) BlockCarriedBy(playerID string) (Block, bool) {
	for _, b := range g.Blocks.All() {
		switch s := b.State.(type) {
		case Carried:
			if s.PlayerID == playerID {
				return b, true
			}
		case WaitingForNearby:
			if s.PlayerID == playerID {
				return b, true
			}
		}
	}
	return Block{}, false
}

func (g *Game) blockAt(pos geom.Point) (Block, bool) {
	for _, b := range g.Blocks.All() {
		if s, ok := b.State.(Placed); ok && geom.PointsEqual(s.Position, pos) {
			return b, true
		}
	}
	return Block{}, false
}

func (g *Game) enabledPlayer(playerID string) (Player, error) {
	p, ok := g.Players.Get(playerID)
	if !ok {
		return Player{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	if !p.Enabled {
		return Player{}, fmt.Errorf("%w: %s", ErrPlayerDisabled, playerID)
	}
	return p, nil
}

// FreeSpot picks a random tile that is neither terrain nor occupied.
func (g *Game) FreeSpot(self string) (geom.Point, error) {
	env := g.Env(self)
	tiles := g.Map.FreeTiles()
	for i := 0; i < 16 && len(tiles) > 0; i++ {
		t := tiles[g.rng.Intn(len(tiles))]
		if env.Blocked(t) == "" {
			return t, nil
		}
	}
	for _, t := range tiles {
		if env.Blocked(t) == "" {
			return t, nil
		}
	}
	return geom.Point{}, ErrNoFreeSpot
}
