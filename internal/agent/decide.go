package agent

import (
	"math"
	"math/rand"
	"time"

	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/geom"
	"agenttown.ai/internal/sim/tuning"
)

type ActionKind int

const (
	ActNone ActionKind = iota
	ActWander
	ActInvite
	ActAccept
	ActReject
	ActWalkOver
	ActSpeak
	ActLeave
)

func (k ActionKind) String() string {
	switch k {
	case ActWander:
		return "wander"
	case ActInvite:
		return "invite"
	case ActAccept:
		return "accept"
	case ActReject:
		return "reject"
	case ActWalkOver:
		return "walkOver"
	case ActSpeak:
		return "speak"
	case ActLeave:
		return "leave"
	}
	return "none"
}

// MessageKind selects the prompt an agent speaks with.
type MessageKind string

const (
	MessageStart    MessageKind = "start"
	MessageContinue MessageKind = "continue"
	MessageLeave    MessageKind = "leave"
)

// Action is the one command an agent issues on a tick. Wait, when set, is a
// deliberate pause: the loop sleeps exactly that long instead of its default
// sleep. Waiting on the other player leaves it unset so the loop keeps
// polling and answers as soon as they act.
type Action struct {
	Kind           ActionKind
	PlayerID       string
	OtherID        string
	ConversationID string
	Destination    geom.Point
	Message        MessageKind
	Wait           time.Duration
}

// Decide picks the next action of the agent playing playerID. It only reads
// g; the caller turns the action into inputs.
func Decide(g *game.Game, playerID string, rng *rand.Rand) Action {
	cfg := g.Tuning.Agent
	now := g.World.CurrentTime
	none := Action{Kind: ActNone, PlayerID: playerID}

	p, ok := g.Players.Get(playerID)
	if !ok || !p.Enabled {
		return none
	}
	a, ok := g.AgentByPlayer(playerID)
	if !ok {
		return none
	}

	m, inConv := g.ActiveMembership(playerID)
	if !inConv {
		return wanderOrInvite(g, p, a, rng)
	}
	c, ok := g.Conversations.Get(m.ConversationID)
	if !ok || c.IsFinished() {
		return none
	}
	act := Action{PlayerID: playerID, ConversationID: c.ID}
	other, ok := g.OtherMember(c.ID, playerID)
	if !ok {
		act.Kind = ActLeave
		return act
	}
	op, ok := g.Players.Get(other.PlayerID)
	if !ok {
		act.Kind = ActLeave
		return act
	}
	act.OtherID = op.ID

	switch s := m.Status.(type) {
	case game.Invited:
		if op.IsHuman() || rng.Float64() < cfg.InviteAcceptProbability {
			act.Kind = ActAccept
		} else {
			act.Kind = ActReject
		}
		return act

	case game.WalkingOver:
		if now > c.Created+float64(cfg.InviteTimeoutMs) {
			act.Kind = ActLeave
			return act
		}
		d := geom.Distance(p.Position, op.Position)
		if d < g.Tuning.Movement.ConversationDistance || p.Pathfinding != nil {
			return none
		}
		target := geom.Midpoint(p.Position, op.Position)
		if d < g.Tuning.Movement.MidpointThreshold {
			target = op.Position
		}
		dest, ok := nearestOpen(g, playerID, p.Position, target)
		if !ok {
			return none
		}
		act.Kind, act.Destination = ActWalkOver, dest
		return act

	case game.Participating:
		if c.Typing != nil && c.Typing.PlayerID != playerID {
			return none
		}
		act.Kind = ActSpeak
		if c.LastMessage == nil {
			awkward := s.Since + float64(cfg.AwkwardTimeoutMs)
			if c.Creator == playerID || awkward < now {
				act.Message = MessageStart
				return act
			}
			return none
		}
		tooLong := s.Since + float64(cfg.MaxConversationMs)
		if tooLong < now || c.NumMessages >= cfg.MaxConversationMessages {
			act.Message = MessageLeave
			return act
		}
		if c.LastMessage.Author == playerID {
			awkward := c.LastMessage.Timestamp + float64(cfg.AwkwardTimeoutMs)
			if now < awkward {
				return none
			}
		}
		cooldown := c.LastMessage.Timestamp + float64(cfg.MessageCooldownMs)
		if now < cooldown {
			return waitUntil(none, now, cooldown)
		}
		act.Message = MessageContinue
		return act
	}
	return none
}

func wanderOrInvite(g *game.Game, p game.Player, a game.Agent, rng *rand.Rand) Action {
	cfg := g.Tuning.Agent
	now := g.World.CurrentTime
	cooldown := float64(cfg.ConversationCooldownMs)
	justLeft := a.LastConversation > 0 && now < a.LastConversation+cooldown
	recentlyInvited := a.LastInviteAttempt > 0 && now < a.LastInviteAttempt+cooldown

	if !justLeft && !recentlyInvited {
		if other, ok := inviteCandidate(g, p, a, cfg); ok {
			return Action{Kind: ActInvite, PlayerID: p.ID, OtherID: other}
		}
	}
	if p.Pathfinding != nil {
		return Action{Kind: ActNone, PlayerID: p.ID}
	}
	if dest, ok := wanderDestination(g, p.ID, rng); ok {
		return Action{Kind: ActWander, PlayerID: p.ID, Destination: dest}
	}
	return Action{Kind: ActNone, PlayerID: p.ID}
}

// inviteCandidate returns the nearest enabled player that is free to talk
// and has not spoken with the agent recently.
func inviteCandidate(g *game.Game, self game.Player, a game.Agent, cfg tuning.Agent) (string, bool) {
	now := g.World.CurrentTime
	best, bestDist := "", math.Inf(1)
	for _, id := range g.Players.IDs() {
		if id == self.ID {
			continue
		}
		o, _ := g.Players.Get(id)
		if !o.Enabled {
			continue
		}
		if _, busy := g.ActiveMembership(id); busy {
			continue
		}
		if last, ok := a.Partners[id]; ok && now < last+float64(cfg.PlayerConversationCooldownMs) {
			continue
		}
		if d := geom.Distance(self.Position, o.Position); d < bestDist {
			best, bestDist = id, d
		}
	}
	return best, best != ""
}

func wanderDestination(g *game.Game, self string, rng *rand.Rand) (geom.Point, bool) {
	env := g.Env(self)
	tiles := g.Map.FreeTiles()
	for i := 0; i < 16 && len(tiles) > 0; i++ {
		t := tiles[rng.Intn(len(tiles))]
		if env.Blocked(t) == "" {
			return t, true
		}
	}
	return geom.Point{}, false
}

// nearestOpen returns the unblocked tile closest to target, breaking ties by
// distance from the walker. Tiles within three steps of target are tried.
func nearestOpen(g *game.Game, self string, from, target geom.Point) (geom.Point, bool) {
	env := g.Env(self)
	center := target.Floor()
	var best geom.Point
	found := false
	bestScore := math.Inf(1)
	for r := 0; r <= 3 && !found; r++ {
		for dx := -r; dx <= r; dx++ {
			for dy := -r; dy <= r; dy++ {
				if max(abs(dx), abs(dy)) != r {
					continue
				}
				t := geom.Point{X: center.X + float64(dx), Y: center.Y + float64(dy)}
				if env.Blocked(t) != "" {
					continue
				}
				score := geom.Distance(t, target)*1000 + geom.Distance(t, from)
				if score < bestScore {
					best, bestScore, found = t, score, true
				}
			}
		}
	}
	return best, found
}

func waitUntil(a Action, now, until float64) Action {
	if until > now {
		a.Wait = time.Duration(until-now) * time.Millisecond
	}
	return a
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
