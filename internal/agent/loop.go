// Package agent drives computer-controlled players.
//
// Each agent runs as a series of bounded slices. A slice first takes the
// agent's lease by bumping its generation, then repeatedly decides on one
// action, submits it as an input and sleeps. Before the soft deadline it
// hands over to a continuation job at its own generation; if the process
// dies instead, the recovery job scheduled with the lease resumes the agent
// once the hard expiration passes. A loop whose generation has been
// superseded stops after its current sleep.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"agenttown.ai/internal/llm"
	"agenttown.ai/internal/scheduler"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
)

// JobRun is the scheduler job that starts, continues and recovers agent
// loops.
const JobRun = "agent.run"

type runJob struct {
	WorldID    string `json:"world_id"`
	PlayerID   string `json:"player_id"`
	Generation int64  `json:"generation"`
}

type Options struct {
	Logger    *log.Logger
	Scheduler *scheduler.Scheduler
	Completer llm.Completer
	Seed      int64
}

type Runner struct {
	eng   *engine.Engine
	st    *store.Store
	sched *scheduler.Scheduler
	llm   llm.Completer
	tu    tuning.Tuning
	cfg   tuning.Agent
	log   *log.Logger

	// Now and Sleep are the clock; tests replace them.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand

	live     atomic.Int64
	slices   atomic.Uint64
	actions  atomic.Uint64
	failures atomic.Uint64
	refusals atomic.Uint64
	messages atomic.Uint64
}

// NewRunner registers the agent job with opts.Scheduler, which is required.
func NewRunner(eng *engine.Engine, opts Options) *Runner {
	if opts.Scheduler == nil {
		panic("agent: scheduler required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	tu := eng.Tuning()
	r := &Runner{
		eng:   eng,
		st:    eng.Store(),
		sched: opts.Scheduler,
		llm:   opts.Completer,
		tu:    tu,
		cfg:   tu.Agent,
		log:   logger,
		Now:   time.Now,
		Sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(seed)),
	}
	r.sched.Register(JobRun, r.runJob)
	return r
}

// Start schedules a slice for the agent playing playerID at its current
// lease generation. Any loop still running for the agent loses its lease.
func (r *Runner) Start(ctx context.Context, worldID, playerID string) error {
	err := r.st.Update(ctx, func(tx *store.Tx) error {
		gen, _, err := tx.LeaseGeneration(worldID, playerID)
		if err != nil {
			return err
		}
		_, err = r.sched.ScheduleTx(tx, r.Now(), JobRun, runJob{WorldID: worldID, PlayerID: playerID, Generation: gen})
		return err
	})
	if err != nil {
		return fmt.Errorf("start agent %s: %w", playerID, err)
	}
	r.sched.Kick()
	return nil
}

// StartAll starts a loop for every agent of the world.
func (r *Runner) StartAll(ctx context.Context, worldID string) (int, error) {
	var players []string
	err := r.eng.View(ctx, worldID, func(g *game.Game) error {
		for _, a := range g.Agents.All() {
			players = append(players, a.PlayerID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, pid := range players {
		if err := r.Start(ctx, worldID, pid); err != nil {
			return 0, err
		}
	}
	return len(players), nil
}

func (r *Runner) runJob(ctx context.Context, raw json.RawMessage) error {
	var j runJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return fmt.Errorf("agent job payload: %w", err)
	}
	return r.RunSlice(ctx, j.WorldID, j.PlayerID, j.Generation)
}

// RunSlice runs one bounded slice of the agent loop. A refused lease is not
// an error: another slice owns the agent.
func (r *Runner) RunSlice(ctx context.Context, worldID, playerID string, expected int64) error {
	gen, err := r.AcquireLease(ctx, worldID, playerID, expected, true)
	if errors.Is(err, ErrLeaseRefused) {
		r.log.Printf("agent %s: %v", playerID, err)
		return nil
	}
	if err != nil {
		return err
	}
	r.slices.Add(1)
	r.live.Add(1)
	defer r.live.Add(-1)

	deadline := r.Now().Add(time.Duration(r.cfg.SoftDeadlineMs) * time.Millisecond)
	failures := 0
	for {
		wait, done, err := r.tick(ctx, worldID, playerID)
		if ctx.Err() != nil {
			return nil
		}
		if done {
			r.log.Printf("agent %s: gone, loop exits", playerID)
			return nil
		}
		if err != nil {
			failures++
			r.failures.Add(1)
			wait = r.backoff(failures)
			r.log.Printf("agent %s: tick failed (%d in a row, retry in %s): %v", playerID, failures, wait, err)
		} else {
			failures = 0
			if wait <= 0 {
				wait = r.jitter()
			}
		}

		wake := r.Now().Add(wait)
		if wake.After(deadline) {
			err := r.continueAt(ctx, worldID, playerID, gen, wake)
			if errors.Is(err, ErrLeaseLost) {
				r.log.Printf("agent %s: %v", playerID, err)
				return nil
			}
			return err
		}
		if err := r.Sleep(ctx, wait); err != nil {
			return nil
		}
		held, err := r.LeaseHeld(ctx, worldID, playerID, gen)
		if err != nil {
			return err
		}
		if !held {
			r.log.Printf("agent %s: %v at generation %d", playerID, ErrLeaseLost, gen)
			return nil
		}
	}
}

// tick decides and performs one action. done reports that the agent or its
// world no longer exists.
func (r *Runner) tick(ctx context.Context, worldID, playerID string) (wait time.Duration, done bool, err error) {
	var act Action
	exists, active := false, false
	err = r.eng.View(ctx, worldID, func(g *game.Game) error {
		if _, ok := g.AgentByPlayer(playerID); !ok {
			return nil
		}
		exists, active = true, g.World.Active
		if active {
			act = Decide(g, playerID, r.decisionRand())
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, true, nil
	}
	if !active || act.Kind == ActNone {
		return act.Wait, false, nil
	}
	r.actions.Add(1)
	err = r.perform(ctx, worldID, act)
	if errors.Is(err, errRejected) {
		err = nil
	}
	return act.Wait, false, err
}

func (r *Runner) perform(ctx context.Context, worldID string, act Action) error {
	switch act.Kind {
	case ActWander, ActWalkOver:
		dest := act.Destination
		return r.send(ctx, worldID, game.InputMoveTo, game.MoveToArgs{PlayerID: act.PlayerID, Destination: &dest})
	case ActInvite:
		return r.send(ctx, worldID, game.InputStartConversation, game.StartConversationArgs{PlayerID: act.PlayerID, InviteeID: act.OtherID})
	case ActAccept:
		return r.send(ctx, worldID, game.InputAcceptInvite, game.ConversationArgs{PlayerID: act.PlayerID, ConversationID: act.ConversationID})
	case ActReject:
		return r.send(ctx, worldID, game.InputRejectInvite, game.ConversationArgs{PlayerID: act.PlayerID, ConversationID: act.ConversationID})
	case ActLeave:
		return r.send(ctx, worldID, game.InputLeaveConversation, game.ConversationArgs{PlayerID: act.PlayerID, ConversationID: act.ConversationID})
	case ActSpeak:
		return r.speak(ctx, worldID, act)
	}
	return nil
}

// send submits an input and waits for it. A handler rejection is a lost
// race with another player and only gets logged.
func (r *Runner) send(ctx context.Context, worldID, name string, args any) error {
	res, err := r.eng.Send(ctx, worldID, name, args)
	if err != nil {
		return err
	}
	var ie *engine.InputError
	if err := res.Err(); errors.As(err, &ie) {
		r.log.Printf("agent input %s rejected: %s", name, ie.Message)
		return errRejected
	}
	return nil
}

var errRejected = errors.New("agent: input rejected")

func (r *Runner) loopSleep() time.Duration {
	return time.Duration(r.cfg.LoopSleepMs) * time.Millisecond
}

func (r *Runner) jitter() time.Duration {
	r.mu.Lock()
	f := 1 + r.cfg.LoopJitter*(2*r.rng.Float64()-1)
	r.mu.Unlock()
	return time.Duration(float64(r.loopSleep()) * f)
}

func (r *Runner) backoff(failures int) time.Duration {
	d := time.Duration(r.cfg.ErrorBackoffMs) * time.Millisecond
	maxD := time.Duration(r.cfg.MaxErrorBackoffMs) * time.Millisecond
	for i := 1; i < failures && d < maxD; i++ {
		d *= 2
	}
	return min(d, maxD)
}

func (r *Runner) decisionRand() *rand.Rand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rand.New(rand.NewSource(r.rng.Int63()))
}

type Metrics struct {
	LiveLoops     int64
	Slices        uint64
	Actions       uint64
	Failures      uint64
	LeaseRefusals uint64
	Messages      uint64
}

func (r *Runner) Metrics() Metrics {
	return Metrics{
		LiveLoops:     r.live.Load(),
		Slices:        r.slices.Load(),
		Actions:       r.actions.Load(),
		Failures:      r.failures.Load(),
		LeaseRefusals: r.refusals.Load(),
		Messages:      r.messages.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StartMissing starts loops for agents that never had a lease, such as
// agents created through an input since the last call.
func (r *Runner) StartMissing(ctx context.Context, worldID string) (int, error) {
	var players []string
	err := r.st.View(ctx, func(tx *store.Tx) error {
		g, err := game.Load(tx, worldID, r.tu, rand.New(rand.NewSource(1)))
		if err != nil {
			return err
		}
		for _, a := range g.Agents.All() {
			_, ok, err := tx.LeaseGeneration(worldID, a.PlayerID)
			if err != nil {
				return err
			}
			if !ok {
				players = append(players, a.PlayerID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, pid := range players {
		if err := r.Start(ctx, worldID, pid); err != nil {
			return 0, err
		}
	}
	return len(players), nil
}
