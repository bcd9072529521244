package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/store"
)

// ErrInputTimeout is returned by WaitForInput when the input is still not
// processed after the configured number of polls.
var ErrInputTimeout = errors.New("engine: input not processed in time")

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Result is the recorded outcome of an input.
type Result struct {
	Kind    string          `json:"kind"`
	Value   json.RawMessage `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

func errorResult(err error) Result {
	return Result{Kind: ResultError, Message: err.Error()}
}

// Err returns the recorded failure as an error, or nil for ok results.
func (r Result) Err() error {
	if r.Kind == ResultError {
		return &InputError{Message: r.Message}
	}
	return nil
}

// Decode unmarshals an ok value into v.
func (r Result) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Value) == 0 || string(r.Value) == "null" {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// InputError is a handler failure reported back to the input's issuer.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

// Input states reported by PollStatus.
const (
	StatusNotFound   = "notFound"
	StatusProcessing = "processing"
	StatusDone       = "done"
)

type Status struct {
	State  string  `json:"status"`
	Result *Result `json:"result,omitempty"`
}

// Submit validates and queues an input and returns its id. The world's
// current step chain is nudged so the input is picked up without waiting
// out a full step interval.
func (e *Engine) Submit(ctx context.Context, worldID, name string, args json.RawMessage) (int64, error) {
	if !game.KnownInput(name) {
		return 0, fmt.Errorf("%w: %q", game.ErrUnknownHandler, name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if e.valid != nil {
		if err := e.valid.Validate(name, args); err != nil {
			return 0, err
		}
	}
	var id int64
	err := e.st.Update(ctx, func(tx *store.Tx) error {
		w, err := tx.World(worldID)
		if err != nil {
			return err
		}
		in, err := tx.InsertInput(worldID, name, args, e.nowMs())
		if err != nil {
			return err
		}
		id = in.ID
		if w.Active {
			return e.scheduleStep(tx, e.Now(), worldID, w.Generation)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.kick()
	return id, nil
}

// SubmitValue is Submit with args marshalled from v.
func (e *Engine) SubmitValue(ctx context.Context, worldID, name string, v any) (int64, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", game.ErrBadArgs, err)
	}
	return e.Submit(ctx, worldID, name, raw)
}

func (e *Engine) PollStatus(ctx context.Context, inputID int64) (Status, error) {
	var st Status
	err := e.st.View(ctx, func(tx *store.Tx) error {
		in, err := tx.Input(inputID)
		if errors.Is(err, store.ErrNotFound) {
			st.State = StatusNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if in.Result == nil {
			st.State = StatusProcessing
			return nil
		}
		var r Result
		if err := json.Unmarshal(in.Result, &r); err != nil {
			return fmt.Errorf("input %d result: %w", inputID, err)
		}
		st.State, st.Result = StatusDone, &r
		return nil
	})
	return st, err
}

// WaitForInput polls with exponential backoff until the input is done.
func (e *Engine) WaitForInput(ctx context.Context, inputID int64) (Result, error) {
	cfg := e.tu.Inputs
	delay := time.Duration(cfg.PollInitialMs) * time.Millisecond
	maxDelay := time.Duration(cfg.PollMaxMs) * time.Millisecond
	for attempt := 0; attempt < cfg.PollAttempts; attempt++ {
		st, err := e.PollStatus(ctx, inputID)
		if err != nil {
			return Result{}, err
		}
		switch st.State {
		case StatusDone:
			return *st.Result, nil
		case StatusNotFound:
			return Result{}, fmt.Errorf("input %d: %w", inputID, store.ErrNotFound)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{}, ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, maxDelay)
	}
	return Result{}, fmt.Errorf("%w: input %d after %d polls", ErrInputTimeout, inputID, cfg.PollAttempts)
}

// Send submits an input, waits for it and returns its outcome.
func (e *Engine) Send(ctx context.Context, worldID, name string, args any) (Result, error) {
	id, err := e.SubmitValue(ctx, worldID, name, args)
	if err != nil {
		return Result{}, err
	}
	return e.WaitForInput(ctx, id)
}
