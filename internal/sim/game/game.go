// Package game holds the state of one world for the duration of a step and
// the rules that advance it: input handlers, movement, conversations and
// blocks.
package game

import (
	"fmt"
	"math/rand"

	"agenttown.ai/internal/sim/geom"
	"agenttown.ai/internal/sim/history"
	"agenttown.ai/internal/sim/pathfind"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
)

// Entity kinds in the store.
const (
	KindPlayer       = "player"
	KindConversation = "conversation"
	KindMember       = "member"
	KindMessage      = "message"
	KindBlock        = "block"
	KindAgent        = "agent"
)

type Game struct {
	World  store.World
	Map    *WorldMap
	Tuning tuning.Tuning

	Players       *Table[Player]
	Conversations *Table[Conversation]
	Members       *Table[Member]
	Messages      *Table[Message]
	Blocks        *Table[Block]
	Agents        *Table[Agent]

	tx        *store.Tx
	rng       *rand.Rand
	histories map[string]*history.Buffer

	// pathfinds counts routes computed during this step.
	pathfinds int

	saved *checkpoint
}

type checkpoint struct {
	world     store.World
	pathfinds int
}

// Load reads the world row, its map and every live entity inside tx.
func Load(tx *store.Tx, worldID string, tu tuning.Tuning, rng *rand.Rand) (*Game, error) {
	w, err := tx.World(worldID)
	if err != nil {
		return nil, err
	}
	if w.MapJSON == "" {
		return nil, invariant("world %s has no map", worldID)
	}
	m, err := ParseMap([]byte(w.MapJSON))
	if err != nil {
		return nil, invariant("world %s: %v", worldID, err)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	g := &Game{
		World:  w,
		Map:    m,
		Tuning: tu,

		Players:       newTable(KindPlayer, func(p Player) string { return p.ID }, nil),
		Conversations: newTable(KindConversation, func(c Conversation) string { return c.ID }, Conversation.IsFinished),
		Members:       newTable(KindMember, func(m Member) string { return m.ID }, func(m Member) bool { return !m.Active() }),
		Messages:      newTable(KindMessage, func(m Message) string { return m.ID }, func(m Message) bool { return m.DoneWriting }),
		Blocks:        newTable(KindBlock, func(b Block) string { return b.ID }, nil),
		Agents:        newTable(KindAgent, func(a Agent) string { return a.ID }, nil),

		tx:        tx,
		rng:       rng,
		histories: map[string]*history.Buffer{},
	}
	loads := []struct {
		kind string
		load func([]store.Entity) error
	}{
		{KindPlayer, g.Players.load},
		{KindConversation, g.Conversations.load},
		{KindMember, g.Members.load},
		{KindMessage, g.Messages.load},
		{KindBlock, g.Blocks.load},
		{KindAgent, g.Agents.load},
	}
	for _, l := range loads {
		rows, err := tx.LiveEntities(worldID, l.kind)
		if err != nil {
			return nil, err
		}
		if err := l.load(rows); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Save writes the world row, every changed entity and the packed movement
// history recorded since the last save.
func (g *Game) Save(stepTs float64) error {
	tx := g.tx
	wid := g.World.ID

	for _, id := range g.Messages.Dirty() {
		m, ok := g.Messages.Get(id)
		if !ok {
			continue
		}
		if g.Messages.Inserted(id) {
			if err := tx.CreateMessageText(wid, id); err != nil {
				return err
			}
		}
		if m.DoneWriting {
			if err := tx.FinishMessageText(wid, id); err != nil {
				return err
			}
		}
	}

	saves := []func(*store.Tx, string) (int, error){
		g.Players.save, g.Conversations.save, g.Members.save,
		g.Messages.save, g.Blocks.save, g.Agents.save,
	}
	for _, save := range saves {
		if _, err := save(tx, wid); err != nil {
			return err
		}
	}

	for pid, buf := range g.histories {
		if buf.Empty() {
			continue
		}
		if g.Players.Has(pid) {
			packed, err := history.Pack(buf)
			if err != nil {
				return fmt.Errorf("pack history %s: %w", pid, err)
			}
			if err := tx.PutHistory(wid, pid, stepTs, packed); err != nil {
				return err
			}
		}
		buf.Clear()
	}
	return tx.PutWorld(g.World)
}

// BeginStep resets step-scoped counters.
func (g *Game) BeginStep() { g.pathfinds = 0 }

// Pathfinds reports how many routes were computed this step.
func (g *Game) Pathfinds() int { return g.pathfinds }

// Tick advances the world by one tick ending at now.
func (g *Game) Tick(now float64) error {
	for _, id := range g.Players.IDs() {
		if err := g.tickPathfinding(now, id); err != nil {
			return err
		}
	}
	for _, id := range g.Players.IDs() {
		if err := g.tickPosition(now, id); err != nil {
			return err
		}
	}
	for _, id := range g.Conversations.IDs() {
		if err := g.tickConversation(now, id); err != nil {
			return err
		}
	}
	for _, id := range g.Blocks.IDs() {
		if err := g.tickBlock(now, id); err != nil {
			return err
		}
	}
	for _, p := range g.Players.All() {
		if err := g.recordPosition(now, p); err != nil {
			return err
		}
	}
	return nil
}

// Idle reports whether ticking can be skipped until the next input: nobody
// is moving and no state waits on proximity.
func (g *Game) Idle() bool {
	for _, p := range g.Players.All() {
		if p.Pathfinding != nil {
			return false
		}
	}
	for _, b := range g.Blocks.All() {
		if _, ok := b.State.(WaitingForNearby); ok {
			return false
		}
	}
	for _, c := range g.Conversations.All() {
		if c.IsFinished() {
			continue
		}
		ms := g.ConversationMembers(c.ID)
		if len(ms) == 2 && isWalkingOver(ms[0]) && isWalkingOver(ms[1]) {
			return false
		}
	}
	return true
}

func (g *Game) recordPosition(now float64, p Player) error {
	buf := g.histories[p.ID]
	if buf == nil {
		buf = &history.Buffer{}
		g.histories[p.ID] = buf
	}
	if err := buf.Push(now, p.Position.X, p.Position.Y, geom.Orientation(p.Facing)); err != nil {
		return fmt.Errorf("%w: player %s: %v", ErrInvariant, p.ID, err)
	}
	return nil
}

// History returns the unsaved movement buffer of a player.
func (g *Game) History(playerID string) *history.Buffer {
	return g.histories[playerID]
}

type journaled interface {
	mark()
	rollback()
	release()
}

func (g *Game) tables() []journaled {
	return []journaled{g.Players, g.Conversations, g.Members, g.Messages, g.Blocks, g.Agents}
}

// Checkpoint remembers the current rows so that Rollback can undo one
// input's changes. Release keeps them.
func (g *Game) Checkpoint() {
	g.saved = &checkpoint{world: g.World, pathfinds: g.pathfinds}
	for _, t := range g.tables() {
		t.mark()
	}
}

func (g *Game) Rollback() {
	if g.saved == nil {
		return
	}
	g.World, g.pathfinds = g.saved.world, g.saved.pathfinds
	g.saved = nil
	for _, t := range g.tables() {
		t.rollback()
	}
}

func (g *Game) Release() {
	g.saved = nil
	for _, t := range g.tables() {
		t.release()
	}
}

func (g *Game) allocID(prefix string) string {
	g.World.NextID++
	return fmt.Sprintf("%s:%d", prefix, g.World.NextID)
}

// Env is the pathfinding view for self: terrain plus every other enabled
// player.
func (g *Game) Env(self string) pathfind.Env {
	env := pathfind.Env{
		Grid:               g.Map,
		CollisionThreshold: g.Tuning.Movement.CollisionThreshold,
		Speed:              g.Tuning.Movement.Speed,
	}
	for _, p := range g.Players.All() {
		if p.ID == self || !p.Enabled {
			continue
		}
		env.Others = append(env.Others, p.Position)
	}
	return env
}

// Rand exposes the step's random source to handlers and tests.
func (g *Game) Rand() *rand.Rand { return g.rng }
