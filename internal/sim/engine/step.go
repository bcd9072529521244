package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/store"
)

// ProcessedInput is the outcome of one input within a step.
type ProcessedInput struct {
	ID     int64  `json:"id"`
	Number int64  `json:"number"`
	Name   string `json:"name"`
	Result Result `json:"result"`
}

// StepRecord describes a committed step.
type StepRecord struct {
	WorldID        string           `json:"world_id"`
	Generation     int64            `json:"generation"`
	NextGeneration int64            `json:"next_generation"`
	WallTs         float64          `json:"wall_ts"`
	StartTs        float64          `json:"start_ts"`
	EndTs          float64          `json:"end_ts"`
	Ticks          int              `json:"ticks"`
	Hot            bool             `json:"hot"`
	SleepMs        int64            `json:"sleep_ms"`
	Inputs         []ProcessedInput `json:"inputs,omitempty"`
}

// StepResult tells the caller when to run the next step.
type StepResult struct {
	NextGeneration int64
	Sleep          time.Duration
	Record         StepRecord
}

// RunStep advances worldID once. It fails with ErrWorldInactive or
// ErrStaleGeneration, without side effects, when the world is stopped or
// expectedGeneration is not current.
func (e *Engine) RunStep(ctx context.Context, worldID string, expectedGeneration int64) (StepResult, error) {
	started := time.Now()
	var res StepResult
	err := e.st.Update(ctx, func(tx *store.Tx) error {
		var err error
		res, err = e.step(tx, worldID, expectedGeneration)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStaleGeneration) || errors.Is(err, ErrWorldInactive) {
			e.staleSteps.Add(1)
		}
		return StepResult{}, err
	}
	e.kick()

	e.steps.Add(1)
	e.ticks.Add(uint64(res.Record.Ticks))
	e.inputs.Add(uint64(len(res.Record.Inputs)))
	for _, in := range res.Record.Inputs {
		if in.Result.Kind == ResultError {
			e.inputErrors.Add(1)
		}
	}
	if res.Record.Hot {
		e.hotSteps.Add(1)
	}
	e.lastStepUs.Store(time.Since(started).Microseconds())
	if e.sink != nil {
		if err := e.sink.WriteStep(res.Record); err != nil {
			e.log.Printf("world %s: step log: %v", worldID, err)
		}
	}
	return res, nil
}

func (e *Engine) step(tx *store.Tx, worldID string, expected int64) (StepResult, error) {
	w, err := tx.World(worldID)
	if err != nil {
		return StepResult{}, err
	}
	if !w.Active {
		return StepResult{}, fmt.Errorf("%w: %s", ErrWorldInactive, worldID)
	}
	if w.Generation != expected {
		return StepResult{}, fmt.Errorf("%w: %s at %d, expected %d", ErrStaleGeneration, worldID, w.Generation, expected)
	}

	cfg := e.tu.Engine
	tick := float64(cfg.TickDurationMs)
	now := e.nowMs()

	inputs, err := tx.PendingInputs(worldID, w.ProcessedInputNumber, cfg.MaxInputsPerStep)
	if err != nil {
		return StepResult{}, err
	}
	g, err := game.Load(tx, worldID, e.tu, e.stepRand(now, w.Generation))
	if err != nil {
		return StepResult{}, err
	}
	g.BeginStep()

	rec := StepRecord{WorldID: worldID, Generation: w.Generation, WallTs: now}
	hasTime := w.HasTime
	cur := w.CurrentTime
	next := 0
	ticks := 0
	for ticks < cfg.MaxTicksPerStep {
		candidate := now
		if hasTime {
			candidate = cur + tick
		}
		if g.Idle() {
			target := now
			if next < len(inputs) {
				target = math.Min(inputs[next].Received, now)
			}
			candidate = math.Max(candidate, target)
		}
		if now < candidate {
			break
		}
		cur, hasTime = candidate, true
		if ticks == 0 {
			rec.StartTs = cur
		}

		for next < len(inputs) && inputs[next].Received <= cur {
			in := inputs[next]
			out, err := e.apply(g, cur, in)
			if err != nil {
				return StepResult{}, err
			}
			raw, err := json.Marshal(out)
			if err != nil {
				return StepResult{}, err
			}
			if err := tx.SetInputResult(in.ID, raw); err != nil {
				return StepResult{}, err
			}
			rec.Inputs = append(rec.Inputs, ProcessedInput{ID: in.ID, Number: in.Number, Name: in.Name, Result: out})
			g.World.ProcessedInputNumber = in.Number
			next++
		}
		if err := g.Tick(cur); err != nil {
			return StepResult{}, fmt.Errorf("tick %s at %.0f: %w", worldID, cur, err)
		}
		ticks++
	}

	if hasTime && cur < w.CurrentTime {
		return StepResult{}, fmt.Errorf("%w: world %s time %.0f -> %.0f", game.ErrInvariant, worldID, w.CurrentTime, cur)
	}
	g.World.HasTime = hasTime
	g.World.CurrentTime = cur
	g.World.LastStepTs = now
	g.World.Generation = w.Generation + 1
	if err := g.Save(now); err != nil {
		return StepResult{}, err
	}

	if ticks == 0 {
		rec.StartTs = cur
	}
	rec.EndTs = cur
	rec.Ticks = ticks
	rec.NextGeneration = g.World.Generation
	rec.Hot = len(inputs) == cfg.MaxInputsPerStep || ticks == cfg.MaxTicksPerStep
	sleep := cfg.StepInterval()
	switch {
	case rec.Hot:
		sleep = 0
	case next < len(inputs):
		if d := time.Duration(inputs[next].Received-now) * time.Millisecond; d < sleep {
			sleep = max(d, 0)
		}
	}
	rec.SleepMs = sleep.Milliseconds()

	if err := e.scheduleStep(tx, e.Now().Add(sleep), worldID, g.World.Generation); err != nil {
		return StepResult{}, err
	}
	return StepResult{NextGeneration: g.World.Generation, Sleep: sleep, Record: rec}, nil
}

// apply runs one input handler. Policy failures and panics become recorded
// error results; invariant violations abort the step. A panicking handler's
// partial changes are rolled back.
func (e *Engine) apply(g *game.Game, now float64, in store.Input) (res Result, err error) {
	g.Checkpoint()
	defer func() {
		if r := recover(); r != nil {
			g.Rollback()
			e.log.Printf("input %d (%s) panicked: %v", in.Number, in.Name, r)
			res, err = errorResult(fmt.Errorf("handler %s panicked: %v", in.Name, r)), nil
			return
		}
		g.Release()
	}()
	value, herr := g.HandleInput(now, in.Name, in.Args)
	if herr != nil {
		if errors.Is(herr, game.ErrInvariant) {
			return Result{}, fmt.Errorf("input %d (%s): %w", in.Number, in.Name, herr)
		}
		return errorResult(herr), nil
	}
	return Result{Kind: ResultOK, Value: value}, nil
}
