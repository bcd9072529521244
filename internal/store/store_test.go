package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "town.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertInputNumbersPerWorld(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	var last Input
	err := s.Update(ctx, func(tx *Tx) error {
		for _, w := range []string{"a", "b", "a", "a"} {
			in, err := tx.InsertInput(w, "join", json.RawMessage(`{"name":"x"}`), 10)
			if err != nil {
				return err
			}
			last = in
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if last.WorldID != "a" || last.Number != 3 {
		t.Fatalf("last=%s#%d want=a#3", last.WorldID, last.Number)
	}

	var pending []Input
	_ = s.View(ctx, func(tx *Tx) error {
		var err error
		pending, err = tx.PendingInputs("a", 1, 10)
		return err
	})
	if len(pending) != 2 || pending[0].Number != 2 || pending[1].Number != 3 {
		t.Fatalf("pending=%+v", pending)
	}
	if pending[0].Result != nil {
		t.Fatalf("unprocessed input has result %s", pending[0].Result)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.PutWorld(World{ID: "w", Active: true, Generation: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	err = s.View(ctx, func(tx *Tx) error {
		_, err := tx.World("w")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestLiveEntitiesSkipArchived(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.PutEntity("w", Entity{Kind: "conversation", ID: "c:1", Data: json.RawMessage(`{}`)}); err != nil {
			return err
		}
		return tx.PutEntity("w", Entity{Kind: "conversation", ID: "c:2", Data: json.RawMessage(`{}`), Archived: true})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	_ = s.View(ctx, func(tx *Tx) error {
		live, err := tx.LiveEntities("w", "conversation")
		if err != nil {
			t.Fatalf("LiveEntities: %v", err)
		}
		if len(live) != 1 || live[0].ID != "c:1" {
			t.Fatalf("live=%+v want [c:1]", live)
		}
		e, err := tx.Entity("w", "conversation", "c:2")
		if err != nil || !e.Archived {
			t.Fatalf("archived lookup: e=%+v err=%v", e, err)
		}
		return nil
	})
}

func TestAppendMessageTextRefusedAfterDone(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.Update(ctx, func(tx *Tx) error { return tx.CreateMessageText("w", "m1") }); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, chunk := range []string{"hel", "lo"} {
		if err := s.AppendMessageText(ctx, "w", "m1", chunk); err != nil {
			t.Fatalf("append %q: %v", chunk, err)
		}
	}
	if err := s.Update(ctx, func(tx *Tx) error { return tx.FinishMessageText("w", "m1") }); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := s.AppendMessageText(ctx, "w", "m1", "!"); !errors.Is(err, ErrMessageDone) {
		t.Fatalf("err=%v want ErrMessageDone", err)
	}
	_ = s.View(ctx, func(tx *Tx) error {
		text, done, err := tx.MessageText("w", "m1")
		if err != nil || text != "hello" || !done {
			t.Fatalf("text=%q done=%v err=%v", text, done, err)
		}
		return nil
	})
}

func TestJobsDueOrder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	err := s.Update(ctx, func(tx *Tx) error {
		for _, j := range []Job{{ID: "b", Name: "x", RunAt: 20}, {ID: "a", Name: "x", RunAt: 10}, {ID: "c", Name: "x", RunAt: 30}} {
			if err := tx.InsertJob(j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	_ = s.View(ctx, func(tx *Tx) error {
		due, err := tx.DueJobs(25, 10)
		if err != nil {
			t.Fatalf("DueJobs: %v", err)
		}
		if len(due) != 2 || due[0].ID != "a" || due[1].ID != "b" {
			t.Fatalf("due=%+v", due)
		}
		at, ok, err := tx.NextJobAt()
		if err != nil || !ok || at != 10 {
			t.Fatalf("next=%g ok=%v err=%v", at, ok, err)
		}
		return nil
	})
}
