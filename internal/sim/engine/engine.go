// Package engine advances worlds step by step.
//
// A step is one store transaction: it checks the world's generation, replays
// queued inputs in number order while ticking the game, commits the new
// world time together with every changed entity, and schedules the next
// step carrying the new generation. A continuation whose generation no
// longer matches exits without touching anything.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"agenttown.ai/internal/scheduler"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
)

// Terminal step failures. Neither is retried: a newer continuation or a
// stop already owns the world.
var (
	ErrStaleGeneration = errors.New("engine: stale generation")
	ErrWorldInactive   = errors.New("engine: world inactive")
)

// JobRunStep is the scheduler job name of step continuations.
const JobRunStep = "engine.runStep"

// Validator checks input arguments before they are queued.
type Validator interface {
	Validate(name string, args json.RawMessage) error
}

// StepSink receives a record of every committed step.
type StepSink interface {
	WriteStep(rec StepRecord) error
}

// Sinks fans a step record out to several sinks. Every sink is called; the
// errors are joined.
type Sinks []StepSink

func (s Sinks) WriteStep(rec StepRecord) error {
	var errs []error
	for _, sink := range s {
		if err := sink.WriteStep(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Options struct {
	Logger    *log.Logger
	Scheduler *scheduler.Scheduler
	Validator Validator
	Sink      StepSink
}

type Engine struct {
	st    *store.Store
	tu    tuning.Tuning
	log   *log.Logger
	sched *scheduler.Scheduler
	valid Validator
	sink  StepSink

	// Now is the wall clock; tests replace it.
	Now func() time.Time

	steps       atomic.Uint64
	staleSteps  atomic.Uint64
	hotSteps    atomic.Uint64
	ticks       atomic.Uint64
	inputs      atomic.Uint64
	inputErrors atomic.Uint64
	lastStepUs  atomic.Int64
}

func New(st *store.Store, tu tuning.Tuning, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := &Engine{
		st:    st,
		tu:    tu,
		log:   logger,
		sched: opts.Scheduler,
		valid: opts.Validator,
		sink:  opts.Sink,
		Now:   time.Now,
	}
	if e.sched != nil {
		e.sched.Register(JobRunStep, e.runStepJob)
	}
	return e
}

func (e *Engine) Store() *store.Store    { return e.st }
func (e *Engine) Tuning() tuning.Tuning { return e.tu }

func (e *Engine) nowMs() float64 { return float64(e.Now().UnixMilli()) }

type stepJob struct {
	WorldID    string `json:"world_id"`
	Generation int64  `json:"generation"`
}

func (e *Engine) runStepJob(ctx context.Context, raw json.RawMessage) error {
	var j stepJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return fmt.Errorf("step job payload: %w", err)
	}
	_, err := e.RunStep(ctx, j.WorldID, j.Generation)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleGeneration), errors.Is(err, ErrWorldInactive):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	// Nothing committed, so the generation still matches. Try again after
	// one step interval rather than giving up on the world.
	e.log.Printf("world %s gen %d: step failed: %v", j.WorldID, j.Generation, err)
	at := e.Now().Add(e.tu.Engine.StepInterval())
	if _, serr := e.sched.ScheduleAt(context.Background(), at, JobRunStep, j); serr != nil {
		return fmt.Errorf("reschedule after %v: %w", err, serr)
	}
	return nil
}

// scheduleStep queues a continuation inside tx.
func (e *Engine) scheduleStep(tx *store.Tx, at time.Time, worldID string, gen int64) error {
	if e.sched == nil {
		return nil
	}
	_, err := e.sched.ScheduleTx(tx, at, JobRunStep, stepJob{WorldID: worldID, Generation: gen})
	return err
}

func (e *Engine) kick() {
	if e.sched != nil {
		e.sched.Kick()
	}
}

func (e *Engine) stepRand(now float64, gen int64) *rand.Rand {
	return rand.New(rand.NewSource(int64(now) ^ (gen << 32)))
}
