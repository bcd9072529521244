package game

import (
	"errors"
	"fmt"

	"agenttown.ai/internal/sim/geom"
	"agenttown.ai/internal/sim/pathfind"
)

// MovePlayer sets a new destination. The destination must be a free grid
// point; the route itself is computed on the next tick.
func (g *Game) MovePlayer(now float64, playerID string, dest geom.Point) error {
	p, err := g.enabledPlayer(playerID)
	if err != nil {
		return err
	}
	if !dest.Integral() {
		return fmt.Errorf("%w: non-integral destination %s", pathfind.ErrDestinationBlocked, dest)
	}
	if reason := g.Env(p.ID).Blocked(dest); reason != "" {
		return fmt.Errorf("%w: %s", pathfind.ErrDestinationBlocked, reason)
	}
	p.Pathfinding = &Pathfinding{Destination: dest, Started: now, State: NeedsPath{}}
	return g.Players.Put(p)
}

// StopPlayer drops any pending movement.
func (g *Game) StopPlayer(playerID string) error {
	p, ok := g.Players.Get(playerID)
	if !ok {
		return invariant("stop unknown player %s", playerID)
	}
	if p.Pathfinding == nil && p.Speed == 0 {
		return nil
	}
	p.Pathfinding = nil
	p.Speed = 0
	return g.Players.Put(p)
}

func (g *Game) tickPathfinding(now float64, playerID string) error {
	p, _ := g.Players.Get(playerID)
	pf := p.Pathfinding
	if pf == nil {
		return nil
	}
	if _, moving := pf.State.(Moving); moving && geom.PointsEqual(pf.Destination, p.Position) {
		return g.StopPlayer(p.ID)
	}
	if pf.Started+float64(g.Tuning.Movement.PathfindingTimeoutMs) < now {
		return g.StopPlayer(p.ID)
	}
	next := *pf
	switch s := pf.State.(type) {
	case Waiting:
		if s.Until >= now {
			return nil
		}
		next.State = NeedsPath{}
	case NeedsPath:
		if g.pathfinds >= g.Tuning.Movement.MaxPathfindsPerStep {
			return nil
		}
		g.pathfinds++
		route, err := pathfind.FindRoute(g.Env(p.ID), now, p.Position, p.Facing, pf.Destination)
		if err != nil {
			if isRouteFailure(err) {
				return g.StopPlayer(p.ID)
			}
			return err
		}
		next.State = Moving{Path: route}
	case Moving:
		return nil
	default:
		return invariant("player %s: unknown path state %T", p.ID, pf.State)
	}
	p.Pathfinding = &next
	return g.Players.Put(p)
}

func isRouteFailure(err error) bool {
	return errors.Is(err, pathfind.ErrDestinationBlocked) ||
		errors.Is(err, pathfind.ErrOriginBlocked) ||
		errors.Is(err, pathfind.ErrNoPath) ||
		errors.Is(err, pathfind.ErrAlreadyThere)
}

func (g *Game) tickPosition(now float64, playerID string) error {
	p, _ := g.Players.Get(playerID)
	if p.Pathfinding == nil {
		return nil
	}
	mv, ok := p.Pathfinding.State.(Moving)
	if !ok {
		return nil
	}
	sample, err := geom.PathPosition(mv.Path, now)
	if err != nil {
		return fmt.Errorf("%w: player %s: %v", ErrInvariant, p.ID, err)
	}
	if reason := g.Env(p.ID).Blocked(sample.Position); reason != "" {
		backoff := g.rng.Float64() * float64(g.Tuning.Movement.PathfindingBackoffMs)
		next := *p.Pathfinding
		next.State = Waiting{Until: now + backoff}
		p.Pathfinding = &next
		p.Speed = 0
		return g.Players.Put(p)
	}
	p.Position = sample.Position
	p.Facing = sample.Facing
	p.Speed = sample.Velocity
	return g.Players.Put(p)
}
