package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agenttown.ai/internal/llm"
	"agenttown.ai/internal/scheduler"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/geom"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.ms)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.ms += d.Milliseconds()
	c.mu.Unlock()
}

type fixture struct {
	st    *store.Store
	eng   *engine.Engine
	sched *scheduler.Scheduler
	run   *Runner
}

// newFixture wires a store, scheduler, engine and runner around one world.
// A nil clock keeps the wall clock.
func newFixture(t *testing.T, clock *fakeClock, completer llm.Completer) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "town.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sched := scheduler.New(st, nil, scheduler.Config{PollInterval: 20 * time.Millisecond})
	eng := engine.New(st, tuning.Defaults(), engine.Options{Scheduler: sched})
	run := NewRunner(eng, Options{Scheduler: sched, Completer: completer, Seed: 7})
	if clock != nil {
		sched.Now = clock.now
		eng.Now = clock.now
		run.Now = clock.now
	}
	m, err := game.NewMap(20, 20, nil)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	if _, err := eng.StartWorld(context.Background(), "w", m); err != nil {
		t.Fatalf("StartWorld: %v", err)
	}
	return &fixture{st: st, eng: eng, sched: sched, run: run}
}

// edit loads the world, applies fn and saves it.
func (f *fixture) edit(t *testing.T, fn func(g *game.Game)) {
	t.Helper()
	err := f.st.Update(context.Background(), func(tx *store.Tx) error {
		g, err := game.Load(tx, "w", f.eng.Tuning(), rand.New(rand.NewSource(1)))
		if err != nil {
			return err
		}
		fn(g)
		return g.Save(g.World.CurrentTime)
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
}

func (f *fixture) leaseGen(t *testing.T, playerID string) int64 {
	t.Helper()
	var gen int64
	err := f.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		gen, _, err = tx.LeaseGeneration("w", playerID)
		return err
	})
	if err != nil {
		t.Fatalf("LeaseGeneration: %v", err)
	}
	return gen
}

func (f *fixture) runJobs(t *testing.T) []runJob {
	t.Helper()
	var out []runJob
	err := f.st.View(context.Background(), func(tx *store.Tx) error {
		jobs, err := tx.DueJobs(1e15, 100)
		for _, j := range jobs {
			if j.Name != JobRun {
				continue
			}
			var r runJob
			if err := json.Unmarshal(j.Payload, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return err
	})
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	return out
}

func TestLeaseAcquisitionIsExclusive(t *testing.T) {
	f := newFixture(t, &fakeClock{ms: 1_000_000}, nil)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		gen, err := f.run.AcquireLease(ctx, "w", "p:1", want-1, false)
		if err != nil || gen != want {
			t.Fatalf("AcquireLease: gen=%d err=%v want=%d", gen, err, want)
		}
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.run.AcquireLease(ctx, "w", "p:1", 3, false)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	won := 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrLeaseRefused):
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("winners=%d want=1", won)
	}
	if gen := f.leaseGen(t, "p:1"); gen != 4 {
		t.Fatalf("generation=%d want=4", gen)
	}
	if got := f.run.Metrics().LeaseRefusals; got != racers-1 {
		t.Fatalf("refusals=%d want=%d", got, racers-1)
	}
}

func TestCrashedLoopIsRecoveredOnce(t *testing.T) {
	clock := &fakeClock{ms: 1_000_000}
	f := newFixture(t, clock, nil)
	ctx := context.Background()

	// A loop takes the lease and dies without handing over.
	gen, err := f.run.AcquireLease(ctx, "w", "p:9", 0, true)
	if err != nil || gen != 1 {
		t.Fatalf("AcquireLease: gen=%d err=%v", gen, err)
	}
	jobs := f.runJobs(t)
	if len(jobs) != 1 || jobs[0].Generation != 1 {
		t.Fatalf("recovery jobs=%+v want one at generation 1", jobs)
	}

	// Nothing runs before the hard expiration.
	if err := f.sched.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if gen := f.leaseGen(t, "p:9"); gen != 1 {
		t.Fatalf("generation=%d want=1 before expiration", gen)
	}

	clock.advance(time.Duration(f.eng.Tuning().Agent.HardExpirationMs+1) * time.Millisecond)
	if err := f.sched.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if gen := f.leaseGen(t, "p:9"); gen != 2 {
		t.Fatalf("generation=%d want=2 after recovery", gen)
	}

	// A duplicate delivery of the same recovery is refused.
	if err := f.run.RunSlice(ctx, "w", "p:9", 1); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	if gen := f.leaseGen(t, "p:9"); gen != 2 {
		t.Fatalf("generation=%d want=2 after duplicate", gen)
	}
	if got := f.run.Metrics().LeaseRefusals; got != 1 {
		t.Fatalf("refusals=%d want=1", got)
	}
}

func TestSliceHandsOverAtSoftDeadline(t *testing.T) {
	clock := &fakeClock{ms: 1_000_000}
	f := newFixture(t, clock, nil)
	ctx := context.Background()
	var pid string
	f.edit(t, func(g *game.Game) {
		var err error
		if _, pid, err = g.CreateAgent(g.World.CurrentTime, "Ada", "f1", "curious", "wander"); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
	})
	// A stopped world keeps the agent idle so no input needs a step.
	if err := f.eng.StopWorld(ctx, "w"); err != nil {
		t.Fatalf("StopWorld: %v", err)
	}
	sleeps := 0
	f.run.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		clock.advance(d)
		return nil
	}
	start := clock.now()
	if err := f.run.RunSlice(ctx, "w", pid, 0); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	soft := time.Duration(f.eng.Tuning().Agent.SoftDeadlineMs) * time.Millisecond
	if elapsed := clock.now().Sub(start); elapsed > soft {
		t.Fatalf("slice ran %s past soft deadline %s", elapsed, soft)
	}
	if sleeps < 40 {
		t.Fatalf("sleeps=%d want about one per second", sleeps)
	}
	// The lease's recovery job and the continuation share generation 1.
	jobs := f.runJobs(t)
	for _, j := range jobs {
		if j.Generation != 1 || j.PlayerID != pid {
			t.Fatalf("job=%+v want generation 1 for %s", j, pid)
		}
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs=%d want recovery plus continuation", len(jobs))
	}
}

func TestLostLeaseStopsLoop(t *testing.T) {
	clock := &fakeClock{ms: 1_000_000}
	f := newFixture(t, clock, nil)
	ctx := context.Background()
	var pid string
	f.edit(t, func(g *game.Game) {
		_, pid, _ = g.CreateAgent(g.World.CurrentTime, "Ada", "f1", "curious", "wander")
	})
	if err := f.eng.StopWorld(ctx, "w"); err != nil {
		t.Fatalf("StopWorld: %v", err)
	}
	sleeps := 0
	f.run.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		clock.advance(d)
		if sleeps == 3 {
			if _, err := f.run.AcquireLease(ctx, "w", pid, 1, false); err != nil {
				t.Errorf("steal lease: %v", err)
			}
		}
		return nil
	}
	if err := f.run.RunSlice(ctx, "w", pid, 0); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	if sleeps != 3 {
		t.Fatalf("sleeps=%d want=3", sleeps)
	}
	for _, j := range f.runJobs(t) {
		if j.Generation != 1 {
			t.Fatalf("unexpected job %+v", j)
		}
	}
	if n := len(f.runJobs(t)); n != 1 {
		t.Fatalf("jobs=%d want only the recovery", n)
	}
}

func TestSliceSleepsThroughPolicyWait(t *testing.T) {
	clock := &fakeClock{ms: 1_000_000}
	f := newFixture(t, clock, nil)
	var pid string
	f.edit(t, func(g *game.Game) {
		now := g.World.CurrentTime
		_, a, err := g.CreateAgent(now, "Ada", "f1", "curious", "chat")
		if err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
		_, b, err := g.CreateAgent(now, "Bo", "f2", "shy", "chat")
		if err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
		cid, err := g.StartConversation(now, a, b)
		if err != nil {
			t.Fatalf("StartConversation: %v", err)
		}
		for _, m := range g.ConversationMembers(cid) {
			m.Status = game.Participating{Since: now}
			if err := g.Members.Put(m); err != nil {
				t.Fatalf("Put member: %v", err)
			}
		}
		c, _ := g.Conversations.Get(cid)
		c.NumMessages = 1
		c.LastMessage = &game.LastMessage{Author: a, Timestamp: now}
		if err := g.Conversations.Put(c); err != nil {
			t.Fatalf("Put conversation: %v", err)
		}
		pid = b
	})

	var slept []time.Duration
	stop := errors.New("stop")
	f.run.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return stop
	}
	if err := f.run.RunSlice(context.Background(), "w", pid, 0); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	cooldown := time.Duration(f.eng.Tuning().Agent.MessageCooldownMs) * time.Millisecond
	if len(slept) != 1 || slept[0] != cooldown {
		t.Fatalf("slept=%v want=[%s]", slept, cooldown)
	}
}

func TestSpeakStreamsMessage(t *testing.T) {
	completer := llm.NewScripted("Ada: Hello Bo, lovely day.")
	f := newFixture(t, nil, completer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.sched.Run(ctx) }()

	var ada, bo, cid string
	f.edit(t, func(g *game.Game) {
		now := float64(time.Now().UnixMilli())
		_, ada, _ = g.CreateAgent(now, "Ada", "f1", "a retired sailor", "make friends")
		_, bo, _ = g.CreateAgent(now, "Bo", "f2", "a baker", "sell bread")
		for id, x := range map[string]float64{ada: 2, bo: 3} {
			p, _ := g.Players.Get(id)
			p.Position = geom.Point{X: x, Y: 2}
			_ = g.Players.Put(p)
		}
		var err error
		if cid, err = g.StartConversation(now, ada, bo); err != nil {
			t.Fatalf("StartConversation: %v", err)
		}
		for _, m := range g.ConversationMembers(cid) {
			m.Status = game.Participating{Since: now}
			_ = g.Members.Put(m)
		}
	})

	act := Action{Kind: ActSpeak, PlayerID: ada, OtherID: bo, ConversationID: cid, Message: MessageStart}
	if err := f.run.perform(ctx, "w", act); err != nil {
		t.Fatalf("perform: %v", err)
	}

	err := f.st.View(ctx, func(tx *store.Tx) error {
		rows, err := tx.EntitiesWhere("w", game.KindMessage, "conversation_id", cid)
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			t.Fatalf("messages=%d want=1", len(rows))
		}
		text, done, err := tx.MessageText("w", rows[0].ID)
		if err != nil {
			return err
		}
		if text != "Hello Bo, lovely day." || !done {
			t.Fatalf("text=%q done=%v", text, done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	err = f.eng.View(ctx, "w", func(g *game.Game) error {
		c, _ := g.Conversations.Get(cid)
		if c.NumMessages != 1 || c.Typing != nil || c.LastMessage == nil || c.LastMessage.Author != ada {
			t.Fatalf("conversation=%+v", c)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	reqs := completer.Requests
	if len(reqs) != 1 || !strings.Contains(reqs[0].Messages[0].Content, "a retired sailor") {
		t.Fatalf("requests=%+v", reqs)
	}
}
