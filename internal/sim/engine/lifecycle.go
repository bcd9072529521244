package engine

import (
	"context"
	"errors"
	"fmt"

	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/store"
)

// StartWorld creates the world on first use, activates it and schedules its
// first step. Every call bumps the generation, so step chains from earlier
// runs retire themselves. It returns the new generation.
func (e *Engine) StartWorld(ctx context.Context, worldID string, m *game.WorldMap) (int64, error) {
	var gen int64
	err := e.st.Update(ctx, func(tx *store.Tx) error {
		w, err := tx.World(worldID)
		created := false
		switch {
		case errors.Is(err, store.ErrNotFound):
			if m == nil {
				return fmt.Errorf("start %s: new world needs a map", worldID)
			}
			mj, err := m.JSON()
			if err != nil {
				return err
			}
			w = store.World{ID: worldID, MapJSON: mj}
			created = true
		case err != nil:
			return err
		}
		w.Active = true
		w.Generation++
		if err := tx.PutWorld(w); err != nil {
			return err
		}
		if created {
			if err := e.seedBlocks(tx, worldID); err != nil {
				return err
			}
		}
		gen = w.Generation
		return e.scheduleStep(tx, e.Now(), worldID, gen)
	})
	if err != nil {
		return 0, err
	}
	e.kick()
	e.log.Printf("world %s started at generation %d", worldID, gen)
	return gen, nil
}

func (e *Engine) seedBlocks(tx *store.Tx, worldID string) error {
	n := e.tu.Map.Blocks
	if n <= 0 {
		return nil
	}
	g, err := game.Load(tx, worldID, e.tu, e.stepRand(e.nowMs(), 0))
	if err != nil {
		return err
	}
	tiles := g.Map.FreeTiles()
	emojis := []string{"🪨", "📦", "🌼", "🍄"}
	for i := 0; i < n && len(tiles) > 0; i++ {
		k := g.Rand().Intn(len(tiles))
		pos := tiles[k]
		tiles = append(tiles[:k], tiles[k+1:]...)
		if _, err := g.AddBlock(emojis[i%len(emojis)], pos); err != nil {
			return err
		}
	}
	return g.Save(e.nowMs())
}

// StopWorld deactivates the world. Pending continuations see the new
// generation and exit.
func (e *Engine) StopWorld(ctx context.Context, worldID string) error {
	err := e.st.Update(ctx, func(tx *store.Tx) error {
		w, err := tx.World(worldID)
		if err != nil {
			return err
		}
		w.Active = false
		w.Generation++
		return tx.PutWorld(w)
	})
	if err == nil {
		e.log.Printf("world %s stopped", worldID)
	}
	return err
}

// KickWorld restarts the step chain of an active world under a fresh
// generation. It is a no-op on stopped worlds.
func (e *Engine) KickWorld(ctx context.Context, worldID string) (int64, error) {
	var gen int64
	err := e.st.Update(ctx, func(tx *store.Tx) error {
		w, err := tx.World(worldID)
		if err != nil {
			return err
		}
		if !w.Active {
			return nil
		}
		w.Generation++
		gen = w.Generation
		if err := tx.PutWorld(w); err != nil {
			return err
		}
		return e.scheduleStep(tx, e.Now(), worldID, gen)
	})
	if err != nil {
		return 0, err
	}
	e.kick()
	return gen, nil
}

// KickAll kicks every active world.
func (e *Engine) KickAll(ctx context.Context) error {
	var ids []string
	err := e.st.View(ctx, func(tx *store.Tx) error {
		ws, err := tx.Worlds()
		for _, w := range ws {
			if w.Active {
				ids = append(ids, w.ID)
			}
		}
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := e.KickWorld(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// View loads a read-only game for worldID and passes it to fn. Changes made
// by fn are discarded.
func (e *Engine) View(ctx context.Context, worldID string, fn func(g *game.Game) error) error {
	return e.st.View(ctx, func(tx *store.Tx) error {
		g, err := game.Load(tx, worldID, e.tu, e.stepRand(e.nowMs(), -1))
		if err != nil {
			return err
		}
		return fn(g)
	})
}

// World returns the engine row of worldID.
func (e *Engine) World(ctx context.Context, worldID string) (store.World, error) {
	var w store.World
	err := e.st.View(ctx, func(tx *store.Tx) error {
		var err error
		w, err = tx.World(worldID)
		return err
	})
	return w, err
}
