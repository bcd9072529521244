package game

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"agenttown.ai/internal/sim/geom"
	"agenttown.ai/internal/sim/tuning"
)

// WorldMap is the static terrain. Blocked lists obstructed tiles as [x,y]
// pairs.
type WorldMap struct {
	W       int      `json:"width"`
	H       int      `json:"height"`
	Blocked [][2]int `json:"blocked"`

	obstructed []bool
}

func (m *WorldMap) Width() int  { return m.W }
func (m *WorldMap) Height() int { return m.H }

func (m *WorldMap) Obstructed(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return true
	}
	return m.obstructed[y*m.W+x]
}

func (m *WorldMap) index() error {
	if m.W <= 0 || m.H <= 0 {
		return fmt.Errorf("map: bad size %dx%d", m.W, m.H)
	}
	m.obstructed = make([]bool, m.W*m.H)
	for _, c := range m.Blocked {
		if c[0] < 0 || c[1] < 0 || c[0] >= m.W || c[1] >= m.H {
			return fmt.Errorf("map: blocked tile %v outside %dx%d", c, m.W, m.H)
		}
		m.obstructed[c[1]*m.W+c[0]] = true
	}
	return nil
}

func ParseMap(raw []byte) (*WorldMap, error) {
	var m WorldMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("map: %w", err)
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return &m, nil
}

func LoadMap(path string) (*WorldMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMap(raw)
}

// NewMap builds a map from explicit obstacles.
func NewMap(w, h int, blocked [][2]int) (*WorldMap, error) {
	m := &WorldMap{W: w, H: h, Blocked: blocked}
	if err := m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

// GenerateMap scatters obstacles with the configured density. The outer ring
// stays free so every border tile can be walked.
func GenerateMap(cfg tuning.Map) (*WorldMap, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	var blocked [][2]int
	for y := 1; y < cfg.Height-1; y++ {
		for x := 1; x < cfg.Width-1; x++ {
			if rng.Intn(1000) < cfg.ObstaclePermille {
				blocked = append(blocked, [2]int{x, y})
			}
		}
	}
	return NewMap(cfg.Width, cfg.Height, blocked)
}

func (m *WorldMap) JSON() (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

// FreeTiles returns every unobstructed tile in row order.
func (m *WorldMap) FreeTiles() []geom.Point {
	var out []geom.Point
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if !m.obstructed[y*m.W+x] {
				out = append(out, geom.Point{X: float64(x), Y: float64(y)})
			}
		}
	}
	return out
}
