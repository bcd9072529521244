package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	plog "agenttown.ai/internal/persistence/log"
	"agenttown.ai/internal/persistence/snapshot"
	"agenttown.ai/internal/sim/engine"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqStep}

	_ = s.WriteStep(engine.StepRecord{WorldID: "w"})
	_ = s.WriteAudit(plog.AuditEntry{Action: "stop"})
	s.RecordSnapshot("/tmp/1.snap.zst", snapshot.Header{WorldID: "w"}, 0, 0)

	st := s.Stats()
	if st.DropStepTotal != 1 || st.DropAuditTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drops=%+v want one each", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_StepsInputsSnapshots(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	ok := engine.Result{Kind: engine.ResultOK}
	bad := engine.Result{Kind: engine.ResultError, Message: "blocked"}
	_ = idx.WriteStep(engine.StepRecord{WorldID: "w", Generation: 1, StartTs: 0, EndTs: 16, Ticks: 1,
		Inputs: []engine.ProcessedInput{{ID: 1, Number: 1, Name: "join", Result: ok}}})
	_ = idx.WriteStep(engine.StepRecord{WorldID: "w", Generation: 1, StartTs: 32, EndTs: 64, Ticks: 2, Hot: true,
		Inputs: []engine.ProcessedInput{{ID: 2, Number: 2, Name: "moveTo", Result: ok}, {ID: 3, Number: 3, Name: "moveTo", Result: bad}}})
	_ = idx.WriteStep(engine.StepRecord{WorldID: "other", Generation: 1, StartTs: 0, EndTs: 16, Ticks: 1})
	idx.RecordSnapshot("/data/w/1.snap.zst", snapshot.Header{WorldID: "w", Generation: 1, CreatedMs: 99}, 4, 1)
	_ = idx.WriteAudit(plog.AuditEntry{Ts: 5, Action: "world.stop", WorldID: "w"})

	ctx := context.Background()
	var steps []StepRow
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		steps, err = idx.RecentSteps(ctx, "w", 10)
		if err == nil && len(steps) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(steps) != 2 || steps[0].StartTs != 32 || !steps[0].Hot || steps[0].Inputs != 2 {
		t.Fatalf("steps=%+v err=%v", steps, err)
	}

	counts, err := idx.InputCounts(ctx, "w")
	if err != nil {
		t.Fatalf("InputCounts: %v", err)
	}
	if counts["moveTo"][engine.ResultOK] != 1 || counts["moveTo"][engine.ResultError] != 1 || counts["join"][engine.ResultOK] != 1 {
		t.Fatalf("counts=%v", counts)
	}

	var snaps []SnapshotRow
	for time.Now().Before(deadline) {
		if snaps, err = idx.Snapshots(ctx, "w"); err == nil && len(snaps) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(snaps) != 1 || snaps[0].Entities != 4 || snaps[0].CreatedMs != 99 {
		t.Fatalf("snapshots=%+v err=%v", snaps, err)
	}
}
