package geom

import (
	"errors"
	"fmt"
)

// Waypoint is one entry of a dense path. T is absolute simulation time in ms.
type Waypoint struct {
	Position Point   `json:"position"`
	Facing   Vector  `json:"facing"`
	T        float64 `json:"t"`
}

type Path []Waypoint

var ErrMalformedPath = errors.New("malformed path")

// Validate checks the structural invariants of a dense path: at least two
// points and strictly increasing timestamps.
func (p Path) Validate() error {
	if len(p) < 2 {
		return fmt.Errorf("%w: %d waypoints", ErrMalformedPath, len(p))
	}
	for i := 1; i < len(p); i++ {
		if !(p[i].T > p[i-1].T) {
			return fmt.Errorf("%w: t[%d]=%g after t[%d]=%g", ErrMalformedPath, i, p[i].T, i-1, p[i-1].T)
		}
	}
	return nil
}

func (p Path) Start() Waypoint { return p[0] }
func (p Path) End() Waypoint   { return p[len(p)-1] }

// Length is the sum of the Euclidean segment lengths.
func (p Path) Length() float64 {
	total := 0.0
	for i := 1; i < len(p); i++ {
		total += Distance(p[i-1].Position, p[i].Position)
	}
	return total
}

// Sample is the interpolated state of a path at some time.
type Sample struct {
	Position Point
	Facing   Vector
	Velocity float64 // tiles per second
}

// PathPosition samples p at time t. Times before the first waypoint or after
// the last clamp to the endpoints with zero velocity.
func PathPosition(p Path, t float64) (Sample, error) {
	if err := p.Validate(); err != nil {
		return Sample{}, err
	}
	first := p.Start()
	if t < first.T {
		return Sample{Position: first.Position, Facing: first.Facing}, nil
	}
	last := p.End()
	if t > last.T {
		return Sample{Position: last.Position, Facing: last.Facing}, nil
	}
	for i := 0; i < len(p)-1; i++ {
		a, b := p[i], p[i+1]
		if a.T <= t && t <= b.T {
			interp := (t - a.T) / (b.T - a.T)
			return Sample{
				Position: Point{
					X: a.Position.X + interp*(b.Position.X-a.Position.X),
					Y: a.Position.Y + interp*(b.Position.Y-a.Position.Y),
				},
				Facing:   a.Facing,
				Velocity: Distance(a.Position, b.Position) / ((b.T - a.T) / 1000),
			}, nil
		}
	}
	return Sample{}, fmt.Errorf("%w: t=%g not covered", ErrMalformedPath, t)
}
