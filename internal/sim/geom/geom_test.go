package geom

import (
	"errors"
	"math"
	"testing"
)

func TestNormalizeZero(t *testing.T) {
	if _, ok := Normalize(Vector{}); ok {
		t.Fatalf("zero vector should not normalize")
	}
	v, ok := Normalize(Vector{DX: 3, DY: 4})
	if !ok || math.Abs(v.DX-0.6) > 1e-9 || math.Abs(v.DY-0.8) > 1e-9 {
		t.Fatalf("normalize=%+v ok=%v", v, ok)
	}
}

func TestOrientation(t *testing.T) {
	cases := []struct {
		v    Vector
		want float64
	}{
		{Vector{DX: 1}, 0},
		{Vector{DY: 1}, 90},
		{Vector{DX: -1}, 180},
		{Vector{DY: -1}, 270},
	}
	for _, c := range cases {
		if got := Orientation(c.v); math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("Orientation(%+v)=%g want=%g", c.v, got, c.want)
		}
	}
}

func TestPathPosition(t *testing.T) {
	p := Path{
		{Position: Point{X: 0, Y: 0}, Facing: Vector{DX: 1}, T: 1000},
		{Position: Point{X: 2, Y: 0}, Facing: Vector{DX: 1}, T: 3000},
	}
	s, err := PathPosition(p, 2000)
	if err != nil {
		t.Fatalf("PathPosition: %v", err)
	}
	if s.Position.X != 1 || s.Position.Y != 0 || s.Velocity != 1 {
		t.Fatalf("sample=%+v", s)
	}
	s, _ = PathPosition(p, 0)
	if s.Position.X != 0 || s.Velocity != 0 {
		t.Fatalf("before start sample=%+v", s)
	}
	s, _ = PathPosition(p, 5000)
	if s.Position.X != 2 || s.Velocity != 0 {
		t.Fatalf("after end sample=%+v", s)
	}
}

func TestPathValidate(t *testing.T) {
	bad := Path{{T: 1}, {T: 1}}
	if err := bad.Validate(); !errors.Is(err, ErrMalformedPath) {
		t.Fatalf("expected malformed path, got %v", err)
	}
	if err := (Path{{T: 1}}).Validate(); !errors.Is(err, ErrMalformedPath) {
		t.Fatalf("single waypoint should be malformed")
	}
}
