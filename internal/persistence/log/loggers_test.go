package log

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"agenttown.ai/internal/sim/engine"
)

func TestStepLogRotatesAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	l := NewStepLogger(dir)
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.Now = func() time.Time { return now }

	recs := []engine.StepRecord{
		{WorldID: "w", Generation: 1, NextGeneration: 1, StartTs: 0, EndTs: 16, Ticks: 1,
			Inputs: []engine.ProcessedInput{{ID: 1, Number: 1, Name: "join"}}},
		{WorldID: "w", Generation: 1, NextGeneration: 1, StartTs: 32, EndTs: 64, Ticks: 2},
		{WorldID: "w", Generation: 1, NextGeneration: 2, StartTs: 80, EndTs: 80, Ticks: 1,
			Inputs: []engine.ProcessedInput{{ID: 2, Number: 2, Name: "moveTo"}, {ID: 3, Number: 3, Name: "leave"}}},
	}
	for i, r := range recs {
		if i == 2 {
			now = now.Add(2 * time.Minute)
		}
		if err := l.WriteStep(r); err != nil {
			t.Fatalf("WriteStep: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := Files(dir+"/steps", "steps")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v want 2 hourly files", files)
	}

	var c StepChecker
	var got []engine.StepRecord
	err = ReadSteps(dir, func(r engine.StepRecord) error {
		got = append(got, r)
		return c.Check(r)
	})
	if err != nil {
		t.Fatalf("ReadSteps: %v", err)
	}
	if len(got) != 3 || got[2].Inputs[1].Name != "leave" {
		t.Fatalf("got=%+v", got)
	}
	if c.Steps != 3 || c.Inputs != 3 {
		t.Fatalf("steps=%d inputs=%d want=3/3", c.Steps, c.Inputs)
	}
}

func TestReadDirStopsOnEOF(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "audit")
	for i := 0; i < 5; i++ {
		if err := w.Write(AuditEntry{Ts: int64(i + 1), Action: "stop"}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	_ = w.Close()

	n := 0
	err := ReadDir(dir, "audit", func(line json.RawMessage) error {
		n++
		if n == 2 {
			return io.EOF
		}
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v want=2/nil", n, err)
	}
}

func TestStepCheckerRejectsOverlapAndRepeats(t *testing.T) {
	var c StepChecker
	if err := c.Check(engine.StepRecord{Generation: 1, StartTs: 0, EndTs: 50}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := c.Check(engine.StepRecord{Generation: 1, StartTs: 40, EndTs: 60}); err == nil {
		t.Fatalf("overlapping step accepted")
	}

	c = StepChecker{}
	in := []engine.ProcessedInput{{Number: 4}}
	_ = c.Check(engine.StepRecord{Generation: 1, StartTs: 0, EndTs: 10, Inputs: in})
	if err := c.Check(engine.StepRecord{Generation: 1, StartTs: 10, EndTs: 20, Inputs: in}); err == nil {
		t.Fatalf("repeated input number accepted")
	}

	c = StepChecker{WorldID: "a"}
	_ = c.Check(engine.StepRecord{WorldID: "a", Generation: 3, StartTs: 0, EndTs: 10})
	if err := c.Check(engine.StepRecord{WorldID: "b", Generation: 1, StartTs: 0, EndTs: 10}); err != nil || c.Steps != 1 {
		t.Fatalf("other world not skipped: err=%v steps=%d", err, c.Steps)
	}
}
