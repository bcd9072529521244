package pathfind

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"agenttown.ai/internal/sim/geom"
)

type testGrid struct {
	w, h    int
	blocked map[[2]int]bool
}

func (g testGrid) Width() int                { return g.w }
func (g testGrid) Height() int               { return g.h }
func (g testGrid) Obstructed(x, y int) bool { return g.blocked[[2]int{x, y}] }

func newEnv(g testGrid, others ...geom.Point) Env {
	return Env{Grid: g, Others: others, CollisionThreshold: 0.75, Speed: 0.75}
}

func TestFindRoute_DestinationBlockedByTerrain(t *testing.T) {
	g := testGrid{w: 10, h: 10, blocked: map[[2]int]bool{{6, 5}: true}}
	_, err := FindRoute(newEnv(g), 0, geom.Point{X: 5, Y: 5}, geom.Vector{DX: 1}, geom.Point{X: 6, Y: 5})
	if !errors.Is(err, ErrDestinationBlocked) {
		t.Fatalf("err=%v want ErrDestinationBlocked", err)
	}
}

func TestFindRoute_DestinationBlockedByPlayer(t *testing.T) {
	g := testGrid{w: 10, h: 10}
	_, err := FindRoute(newEnv(g, geom.Point{X: 3, Y: 3.5}), 0, geom.Point{X: 0, Y: 0}, geom.Vector{DX: 1}, geom.Point{X: 3, Y: 3})
	if !errors.Is(err, ErrDestinationBlocked) {
		t.Fatalf("err=%v want ErrDestinationBlocked", err)
	}
}

func TestFindRoute_OutOfBounds(t *testing.T) {
	g := testGrid{w: 4, h: 4}
	if _, err := FindRoute(newEnv(g), 0, geom.Point{X: 1, Y: 1}, geom.Vector{DX: 1}, geom.Point{X: 4, Y: 1}); !errors.Is(err, ErrDestinationBlocked) {
		t.Fatalf("err=%v want ErrDestinationBlocked", err)
	}
	if _, err := FindRoute(newEnv(g), 0, geom.Point{X: -1, Y: 1}, geom.Vector{DX: 1}, geom.Point{X: 2, Y: 1}); !errors.Is(err, ErrOriginBlocked) {
		t.Fatalf("err=%v want ErrOriginBlocked", err)
	}
}

func TestFindRoute_NoPath(t *testing.T) {
	// Wall at x=2 splits the grid.
	blocked := map[[2]int]bool{}
	for y := 0; y < 5; y++ {
		blocked[[2]int{2, y}] = true
	}
	g := testGrid{w: 5, h: 5, blocked: blocked}
	_, err := FindRoute(newEnv(g), 0, geom.Point{X: 0, Y: 0}, geom.Vector{DX: 1}, geom.Point{X: 4, Y: 4})
	if !errors.Is(err, ErrNoPath) {
		t.Fatalf("err=%v want ErrNoPath", err)
	}
}

func TestFindRoute_PathValidity(t *testing.T) {
	g := testGrid{w: 12, h: 12, blocked: map[[2]int]bool{{3, 0}: true, {3, 1}: true, {3, 2}: true}}
	origin := geom.Point{X: 1.5, Y: 0.25}
	dest := geom.Point{X: 7, Y: 1}
	path, err := FindRoute(newEnv(g), 1000, origin, geom.Vector{DX: 1}, dest)
	if err != nil {
		t.Fatalf("FindRoute: %v", err)
	}
	if err := path.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if geom.Distance(path.Start().Position, origin) > geom.Epsilon {
		t.Fatalf("start=%v want=%v", path.Start().Position, origin)
	}
	if path.Start().T != 1000 {
		t.Fatalf("start t=%g want=1000", path.Start().T)
	}
	if !geom.PointsEqual(path.End().Position, dest) {
		t.Fatalf("end=%v want=%v", path.End().Position, dest)
	}
	for i, wp := range path {
		x, y := wp.Position.Cell()
		if g.Obstructed(x, y) {
			t.Fatalf("waypoint %d at blocked cell %v", i, wp.Position)
		}
		if l := wp.Facing.Length(); math.Abs(l-1) > 1e-9 {
			t.Fatalf("waypoint %d facing not unit: %+v", i, wp.Facing)
		}
	}
	// 0.75 tiles/s => duration equals length / speed.
	wantDur := path.Length() / 0.75 * 1000
	if got := path.End().T - path.Start().T; math.Abs(got-wantDur) > 1e-6 {
		t.Fatalf("duration=%g want=%g", got, wantDur)
	}
}

// bfsLength is a brute force shortest path length over the 4-connected grid.
func bfsLength(g testGrid, from, to [2]int) (int, bool) {
	dist := map[[2]int]int{from: 0}
	q := [][2]int{from}
	for len(q) > 0 {
		cur := q[0]
		q = q[1:]
		if cur == to {
			return dist[cur], true
		}
		for _, d := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			n := [2]int{cur[0] + d[0], cur[1] + d[1]}
			if n[0] < 0 || n[1] < 0 || n[0] >= g.w || n[1] >= g.h || g.blocked[n] {
				continue
			}
			if _, seen := dist[n]; seen {
				continue
			}
			dist[n] = dist[cur] + 1
			q = append(q, n)
		}
	}
	return 0, false
}

func TestFindRoute_OptimalAgainstBFS(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 40; trial++ {
		g := testGrid{w: 16, h: 16, blocked: map[[2]int]bool{}}
		for i := 0; i < 60; i++ {
			g.blocked[[2]int{r.Intn(g.w), r.Intn(g.h)}] = true
		}
		from := [2]int{r.Intn(g.w), r.Intn(g.h)}
		to := [2]int{r.Intn(g.w), r.Intn(g.h)}
		delete(g.blocked, from)
		delete(g.blocked, to)
		if from == to {
			continue
		}
		want, reachable := bfsLength(g, from, to)
		path, err := FindRoute(newEnv(g), 0,
			geom.Point{X: float64(from[0]), Y: float64(from[1])}, geom.Vector{DX: 1},
			geom.Point{X: float64(to[0]), Y: float64(to[1])})
		if !reachable {
			if !errors.Is(err, ErrNoPath) {
				t.Fatalf("trial %d: err=%v want ErrNoPath", trial, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("trial %d: FindRoute: %v", trial, err)
		}
		if got := path.Length(); math.Abs(got-float64(want)) > 1e-9 {
			t.Fatalf("trial %d: length=%g bfs=%d", trial, got, want)
		}
	}
}

func TestFindRoute_SnapFacingPreserved(t *testing.T) {
	g := testGrid{w: 5, h: 5}
	path, err := FindRoute(newEnv(g), 0, geom.Point{X: 0.5, Y: 0}, geom.Vector{DY: 1}, geom.Point{X: 0, Y: 0})
	if err != nil {
		t.Fatalf("FindRoute: %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("len=%d want=2", len(path))
	}
	if path[0].Facing != (geom.Vector{DX: -1}) || path[1].Facing != (geom.Vector{DX: -1}) {
		t.Fatalf("facing=%+v,%+v", path[0].Facing, path[1].Facing)
	}
}

func TestFindRoute_NearGridOriginAtWallClockTime(t *testing.T) {
	g := testGrid{w: 10, h: 10}
	now := 1.7e12
	for _, origin := range []geom.Point{{X: 5 - 1e-9, Y: 5}, {X: 5, Y: 5 + 1e-9}, {X: 5 + 1e-9, Y: 5.5}} {
		path, err := FindRoute(newEnv(g), now, origin, geom.Vector{DX: 1}, geom.Point{X: 8, Y: 5})
		if err != nil {
			t.Fatalf("origin=%v: FindRoute: %v", origin, err)
		}
		if err := path.Validate(); err != nil {
			t.Fatalf("origin=%v: Validate: %v", origin, err)
		}
		if geom.Distance(path.Start().Position, origin) > geom.Epsilon {
			t.Fatalf("origin=%v: start=%v", origin, path.Start().Position)
		}
		if path.Start().T != now {
			t.Fatalf("origin=%v: start t=%g want=%g", origin, path.Start().T, now)
		}
	}
}
