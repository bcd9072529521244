// Package geom holds the small amount of plane geometry the simulation needs.
// Positions are continuous; obstacle cells are addressed by flooring a position.
package geom

import (
	"fmt"
	"math"
)

// Epsilon is the tolerance used when comparing positions.
const Epsilon = 0.0001

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Vector struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func (p Point) String() string { return fmt.Sprintf("(%g,%g)", p.X, p.Y) }

// Cell returns the integer cell containing p.
func (p Point) Cell() (int, int) {
	return int(math.Floor(p.X)), int(math.Floor(p.Y))
}

// Integral reports whether p sits exactly on a grid point.
func (p Point) Integral() bool {
	return p.X == math.Floor(p.X) && p.Y == math.Floor(p.Y)
}

func (p Point) Floor() Point {
	return Point{X: math.Floor(p.X), Y: math.Floor(p.Y)}
}

func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func Manhattan(a, b Point) float64 {
	return math.Abs(a.X-b.X) + math.Abs(a.Y-b.Y)
}

func PointsEqual(a, b Point) bool {
	return math.Abs(a.X-b.X) < Epsilon && math.Abs(a.Y-b.Y) < Epsilon
}

func VectorTo(from, to Point) Vector {
	return Vector{DX: to.X - from.X, DY: to.Y - from.Y}
}

func (v Vector) Length() float64 { return math.Hypot(v.DX, v.DY) }

// Normalize returns the unit vector of v. It reports false for (near) zero
// length vectors, which have no direction.
func Normalize(v Vector) (Vector, bool) {
	l := v.Length()
	if l < Epsilon {
		return Vector{}, false
	}
	return Vector{DX: v.DX / l, DY: v.DY / l}, true
}

// Orientation returns the facing angle of v in degrees in [0, 360).
func Orientation(v Vector) float64 {
	deg := math.Atan2(v.DY, v.DX) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}

func Midpoint(a, b Point) Point {
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

func Valid(p Point) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}
