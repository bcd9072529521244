package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agenttown.ai/internal/store"
)

var (
	// ErrLeaseRefused means another loop owns the agent's current
	// generation. The caller must exit without touching the world.
	ErrLeaseRefused = errors.New("agent: lease refused")
	// ErrLeaseLost is reported when a running loop finds its generation
	// superseded.
	ErrLeaseLost = errors.New("agent: lease lost")
)

// AcquireLease bumps the agent's lease from expected to expected+1 and
// returns the new generation. A missing lease row starts at 1. When
// recovery is set, a run job carrying the new generation is scheduled at
// the hard expiration in the same transaction, so a crashed loop is
// resumed by exactly one successor.
func (r *Runner) AcquireLease(ctx context.Context, worldID, playerID string, expected int64, recovery bool) (int64, error) {
	var next int64
	err := r.st.Update(ctx, func(tx *store.Tx) error {
		cur, ok, err := tx.LeaseGeneration(worldID, playerID)
		if err != nil {
			return err
		}
		if ok && cur != expected {
			return fmt.Errorf("%w: %s expected generation %d, have %d", ErrLeaseRefused, playerID, expected, cur)
		}
		next = cur + 1
		if err := tx.PutLease(worldID, playerID, next); err != nil {
			return err
		}
		if !recovery {
			return nil
		}
		at := r.Now().Add(time.Duration(r.cfg.HardExpirationMs) * time.Millisecond)
		_, err = r.sched.ScheduleTx(tx, at, JobRun, runJob{WorldID: worldID, PlayerID: playerID, Generation: next})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrLeaseRefused) {
			r.refusals.Add(1)
		}
		return 0, err
	}
	r.sched.Kick()
	return next, nil
}

// LeaseHeld reports whether gen is still the agent's current generation.
func (r *Runner) LeaseHeld(ctx context.Context, worldID, playerID string, gen int64) (bool, error) {
	var held bool
	err := r.st.View(ctx, func(tx *store.Tx) error {
		cur, ok, err := tx.LeaseGeneration(worldID, playerID)
		held = ok && cur == gen
		return err
	})
	return held, err
}

// continueAt schedules the next slice of a loop that still holds gen.
func (r *Runner) continueAt(ctx context.Context, worldID, playerID string, gen int64, at time.Time) error {
	err := r.st.Update(ctx, func(tx *store.Tx) error {
		cur, ok, err := tx.LeaseGeneration(worldID, playerID)
		if err != nil {
			return err
		}
		if !ok || cur != gen {
			return fmt.Errorf("%w: %s at generation %d", ErrLeaseLost, playerID, gen)
		}
		_, err = r.sched.ScheduleTx(tx, at, JobRun, runJob{WorldID: worldID, PlayerID: playerID, Generation: gen})
		return err
	})
	if err == nil {
		r.sched.Kick()
	}
	return err
}
