// Package pathfind routes players across the tile grid.
//
// The search is a best-first (A*) search over grid points using Manhattan
// distance as the heuristic and Euclidean segment length as edge weight.
// Off-grid origins first snap along one axis to a neighbouring grid point.
package pathfind

import (
	"container/heap"
	"errors"
	"fmt"
	"math"

	"agenttown.ai/internal/sim/geom"
)

var (
	// ErrDestinationBlocked is returned without searching when the
	// destination is out of bounds, on terrain, or next to another player.
	ErrDestinationBlocked = errors.New("destination blocked")
	// ErrOriginBlocked is returned when the origin is off the grid or inside terrain.
	ErrOriginBlocked = errors.New("origin blocked")
	// ErrNoPath is returned when the open set is exhausted.
	ErrNoPath = errors.New("no path found")
	// ErrAlreadyThere is returned when origin and destination coincide.
	ErrAlreadyThere = errors.New("already at destination")
)

// Block reasons reported by Blocked.
const (
	ReasonOutOfBounds = "out of bounds"
	ReasonTerrain     = "world blocked"
	ReasonPlayer      = "player"
)

// Grid describes the static terrain.
type Grid interface {
	Width() int
	Height() int
	Obstructed(x, y int) bool
}

// Env is everything a route query looks at. Others holds the positions of
// every other enabled player; they are treated as static for one query.
type Env struct {
	Grid               Grid
	Others             []geom.Point
	CollisionThreshold float64
	Speed              float64 // tiles per second
}

// Blocked returns a non-empty reason when pos cannot be occupied.
func (e Env) Blocked(pos geom.Point) string {
	if reason := e.terrain(pos); reason != "" {
		return reason
	}
	for _, o := range e.Others {
		if geom.Distance(o, pos) < e.CollisionThreshold {
			return ReasonPlayer
		}
	}
	return ""
}

func (e Env) terrain(pos geom.Point) string {
	if !geom.Valid(pos) || pos.X < 0 || pos.Y < 0 || pos.X >= float64(e.Grid.Width()) || pos.Y >= float64(e.Grid.Height()) {
		return ReasonOutOfBounds
	}
	x, y := pos.Cell()
	if e.Grid.Obstructed(x, y) {
		return ReasonTerrain
	}
	return ""
}

// snap moves each coordinate lying within geom.Epsilon of a grid line onto
// it. A shorter first segment would not advance a wall-clock timestamp.
func (e Env) snap(p geom.Point) geom.Point {
	q := p
	if rx := math.Round(p.X); math.Abs(p.X-rx) < geom.Epsilon {
		q.X = rx
	}
	if ry := math.Round(p.Y); math.Abs(p.Y-ry) < geom.Epsilon {
		q.Y = ry
	}
	if e.terrain(q) != "" {
		return p
	}
	return q
}

type candidate struct {
	position geom.Point
	facing   geom.Vector
	t        float64
	length   float64
	cost     float64
	prev     *candidate
	seq      int
}

var cardinals = []geom.Vector{{DX: 1}, {DX: -1}, {DY: 1}, {DY: -1}}

// FindRoute computes a dense path from origin to dest starting at time now
// (ms). Policy failures come back as errors wrapping ErrOriginBlocked,
// ErrDestinationBlocked, ErrNoPath or ErrAlreadyThere.
func FindRoute(env Env, now float64, origin geom.Point, facing geom.Vector, dest geom.Point) (geom.Path, error) {
	if env.Speed <= 0 {
		return nil, fmt.Errorf("pathfind: non-positive speed %g", env.Speed)
	}
	if reason := env.terrain(origin); reason != "" {
		return nil, fmt.Errorf("%w: %s at %s", ErrOriginBlocked, reason, origin)
	}
	origin = env.snap(origin)
	if !dest.Integral() {
		return nil, fmt.Errorf("%w: %s is not a grid point", ErrDestinationBlocked, dest)
	}
	if reason := env.Blocked(dest); reason != "" {
		return nil, fmt.Errorf("%w: %s at %s", ErrDestinationBlocked, reason, dest)
	}
	if geom.PointsEqual(origin, dest) {
		return nil, ErrAlreadyThere
	}

	s := search{env: env, dest: dest, best: map[geom.Point]*candidate{}}
	current := &candidate{
		position: origin,
		facing:   facing,
		t:        now,
		cost:     geom.Manhattan(origin, dest),
	}
	for current != nil {
		if geom.PointsEqual(current.position, dest) {
			break
		}
		for _, next := range s.explore(current) {
			heap.Push(&s.open, next)
		}
		current = nil
		if s.open.Len() > 0 {
			current = heap.Pop(&s.open).(*candidate)
		}
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, origin, dest)
	}

	var dense geom.Path
	f := current.facing
	for c := current; c != nil; c = c.prev {
		dense = append(dense, geom.Waypoint{Position: c.position, Facing: f, T: c.t})
		f = c.facing
	}
	for i, j := 0, len(dense)-1; i < j; i, j = i+1, j-1 {
		dense[i], dense[j] = dense[j], dense[i]
	}
	return dense, nil
}

type search struct {
	env  Env
	dest geom.Point
	best map[geom.Point]*candidate
	open openSet
	seq  int
}

func (s *search) neighbors(pos geom.Point) []geom.Waypoint {
	var out []geom.Waypoint
	fx, fy := pos.Floor().X, pos.Floor().Y
	if pos.X != fx {
		out = append(out,
			geom.Waypoint{Position: geom.Point{X: fx, Y: pos.Y}, Facing: geom.Vector{DX: -1}},
			geom.Waypoint{Position: geom.Point{X: fx + 1, Y: pos.Y}, Facing: geom.Vector{DX: 1}},
		)
	}
	if pos.Y != fy {
		out = append(out,
			geom.Waypoint{Position: geom.Point{X: pos.X, Y: fy}, Facing: geom.Vector{DY: -1}},
			geom.Waypoint{Position: geom.Point{X: pos.X, Y: fy + 1}, Facing: geom.Vector{DY: 1}},
		)
	}
	if pos.X == fx && pos.Y == fy {
		for _, d := range cardinals {
			out = append(out, geom.Waypoint{Position: geom.Point{X: pos.X + d.DX, Y: pos.Y + d.DY}, Facing: d})
		}
	}
	return out
}

func (s *search) explore(cur *candidate) []*candidate {
	var next []*candidate
	for _, n := range s.neighbors(cur.position) {
		if s.env.Blocked(n.Position) != "" {
			continue
		}
		seg := geom.Distance(cur.position, n.Position)
		length := cur.length + seg
		c := &candidate{
			position: n.Position,
			facing:   n.Facing,
			t:        cur.t + seg/s.env.Speed*1000,
			length:   length,
			cost:     length + geom.Manhattan(n.Position, s.dest),
			prev:     cur,
		}
		if prev, ok := s.best[n.Position]; ok && prev.cost <= c.cost {
			continue
		}
		s.best[n.Position] = c
		s.seq++
		c.seq = s.seq
		next = append(next, c)
	}
	return next
}

type openSet []*candidate

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].cost != o[j].cost {
		return o[i].cost < o[j].cost
	}
	return o[i].seq < o[j].seq
}
func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x any)   { *o = append(*o, x.(*candidate)) }
func (o *openSet) Pop() any {
	old := *o
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*o = old[:n-1]
	return c
}
