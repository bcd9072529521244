// Package scheduler runs named callbacks at or after a timestamp.
//
// Jobs live in the store, so a job scheduled inside a transaction commits
// or rolls back with it and pending jobs survive a restart. Delivery is at
// least once: a job is deleted only after its callback returns, and a crash
// in between runs it again. Callbacks must tolerate duplicates.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agenttown.ai/internal/store"
)

// Callback runs a delivered job. A returned error schedules a retry.
type Callback func(ctx context.Context, payload json.RawMessage) error

type Config struct {
	// PollInterval bounds how long a newly due job can wait when no wake-up
	// arrives.
	PollInterval time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	BatchSize    int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
}

type Scheduler struct {
	st  *store.Store
	log *log.Logger
	cfg Config

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu        sync.Mutex
	callbacks map[string]Callback
	running   map[string]bool

	wake     chan struct{}
	inflight sync.WaitGroup
}

func New(st *store.Store, logger *log.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg.applyDefaults()
	return &Scheduler{
		st:        st,
		log:       logger,
		cfg:       cfg,
		Now:       time.Now,
		callbacks: map[string]Callback{},
		running:   map[string]bool{},
		wake:      make(chan struct{}, 1),
	}
}

// Register binds a callback to a job name. Jobs whose name has no callback
// stay queued until one is registered.
func (s *Scheduler) Register(name string, cb Callback) {
	s.mu.Lock()
	s.callbacks[name] = cb
	s.mu.Unlock()
	s.Kick()
}

// ScheduleAt persists a job in its own transaction.
func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, name string, payload any) (string, error) {
	var id string
	err := s.st.Update(ctx, func(tx *store.Tx) error {
		var err error
		id, err = s.ScheduleTx(tx, at, name, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	s.Kick()
	return id, nil
}

// ScheduleTx persists a job inside the caller's transaction. Call Kick after
// the transaction commits to avoid waiting for the next poll.
func (s *Scheduler) ScheduleTx(tx *store.Tx, at time.Time, name string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	id := ulid.Make().String()
	if err := tx.InsertJob(store.Job{ID: id, Name: name, Payload: raw, RunAt: toMs(at)}); err != nil {
		return "", err
	}
	return id, nil
}

// Kick wakes the dispatch loop.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending counts persisted jobs, running ones included.
func (s *Scheduler) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.st.View(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.CountJobs()
		return err
	})
	return n, err
}

// Run dispatches due jobs until ctx is done, then waits for running
// callbacks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.inflight.Wait()
	for {
		wait, err := s.dispatch(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Printf("dispatch: %v", err)
			wait = s.cfg.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// RunDue delivers every job that is due now and waits for the callbacks.
// It is the synchronous form of one Run iteration.
func (s *Scheduler) RunDue(ctx context.Context) error {
	_, err := s.dispatch(ctx)
	s.inflight.Wait()
	return err
}

func (s *Scheduler) dispatch(ctx context.Context) (time.Duration, error) {
	now := s.Now()
	var (
		due  []store.Job
		next float64
		has  bool
	)
	err := s.st.View(ctx, func(tx *store.Tx) error {
		var err error
		if due, err = tx.DueJobs(toMs(now), s.cfg.BatchSize); err != nil {
			return err
		}
		next, has, err = tx.NextJobAt()
		return err
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, j := range due {
		cb, ok := s.callbacks[j.Name]
		if !ok || s.running[j.ID] {
			continue
		}
		s.running[j.ID] = true
		s.inflight.Add(1)
		go s.deliver(ctx, j, cb)
	}
	s.mu.Unlock()

	wait := s.cfg.PollInterval
	if has {
		if d := fromMs(next).Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	return wait, nil
}

func (s *Scheduler) deliver(ctx context.Context, j store.Job, cb Callback) {
	defer s.inflight.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, j.ID)
		s.mu.Unlock()
		s.Kick()
	}()

	runErr := s.call(ctx, j, cb)
	if ctx.Err() != nil {
		// Shutting down: leave the job for the next process.
		return
	}
	err := s.st.Update(context.Background(), func(tx *store.Tx) error {
		if runErr == nil || j.Attempts+1 >= s.cfg.MaxAttempts {
			return tx.DeleteJob(j.ID)
		}
		backoff := s.cfg.RetryBackoff << j.Attempts
		return tx.RetryJob(j.ID, toMs(s.Now().Add(backoff)))
	})
	switch {
	case err != nil:
		s.log.Printf("job %s %s: settle: %v", j.Name, j.ID, err)
	case runErr != nil && j.Attempts+1 >= s.cfg.MaxAttempts:
		s.log.Printf("job %s %s: giving up after %d attempts: %v", j.Name, j.ID, j.Attempts+1, runErr)
	case runErr != nil:
		s.log.Printf("job %s %s: attempt %d: %v", j.Name, j.ID, j.Attempts+1, runErr)
	}
}

func (s *Scheduler) call(ctx context.Context, j store.Job, cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(ctx, j.Payload)
}

func toMs(t time.Time) float64 { return float64(t.UnixMilli()) }

func fromMs(ms float64) time.Time { return time.UnixMilli(int64(ms)) }
