package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"agenttown.ai/internal/store"
)

type payload struct {
	World string `json:"world"`
	Gen   int64  `json:"gen"`
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestRunDueDeliversAndDeletes(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "jobs.db"))
	defer st.Close()
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	s := New(st, nil, Config{})
	s.Now = func() time.Time { return now }

	var got []payload
	s.Register("step", func(ctx context.Context, raw json.RawMessage) error {
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		got = append(got, p)
		return nil
	})
	if _, err := s.ScheduleAt(ctx, now.Add(-time.Second), "step", payload{World: "w", Gen: 3}); err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	if _, err := s.ScheduleAt(ctx, now.Add(time.Minute), "step", payload{World: "w", Gen: 4}); err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	if err := s.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if len(got) != 1 || got[0] != (payload{World: "w", Gen: 3}) {
		t.Fatalf("delivered=%+v", got)
	}
	if n, _ := s.Pending(ctx); n != 1 {
		t.Fatalf("pending=%d want=1 (future job)", n)
	}
}

func TestPendingJobSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()
	now := time.UnixMilli(5_000_000)

	st1 := openStore(t, path)
	s1 := New(st1, nil, Config{})
	s1.Now = func() time.Time { return now }
	if _, err := s1.ScheduleAt(ctx, now, "recover", payload{World: "w", Gen: 1}); err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	// No callback registered: the job stays queued.
	if err := s1.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openStore(t, path)
	defer st2.Close()
	s2 := New(st2, nil, Config{})
	s2.Now = func() time.Time { return now.Add(time.Second) }
	var calls atomic.Int32
	s2.Register("recover", func(ctx context.Context, raw json.RawMessage) error {
		calls.Add(1)
		return nil
	})
	if err := s2.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want=1", calls.Load())
	}
	if n, _ := s2.Pending(ctx); n != 0 {
		t.Fatalf("pending=%d want=0", n)
	}
}

func TestFailedJobIsRetriedLater(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "jobs.db"))
	defer st.Close()
	ctx := context.Background()
	now := time.UnixMilli(9_000_000)
	s := New(st, nil, Config{RetryBackoff: 2 * time.Second})
	s.Now = func() time.Time { return now }

	var calls atomic.Int32
	s.Register("flaky", func(ctx context.Context, raw json.RawMessage) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	id, err := s.ScheduleAt(ctx, now, "flaky", nil)
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	if err := s.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	err = st.View(ctx, func(tx *store.Tx) error {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		if j.Attempts != 1 || j.RunAt != float64(now.Add(2*time.Second).UnixMilli()) {
			t.Fatalf("job after failure: %+v", j)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	if err := s.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("retried before backoff: calls=%d", calls.Load())
	}
	now = now.Add(3 * time.Second)
	if err := s.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d want=2", calls.Load())
	}
	if n, _ := s.Pending(ctx); n != 0 {
		t.Fatalf("pending=%d want=0", n)
	}
}
