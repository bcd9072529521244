package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	body := "engine:\n  tick_duration_ms: 20\nmovement:\n  speed: 1.5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.Engine.TickDurationMs != 20 {
		t.Fatalf("tick_duration_ms=%d want=20", tu.Engine.TickDurationMs)
	}
	if tu.Movement.Speed != 1.5 {
		t.Fatalf("speed=%g want=1.5", tu.Movement.Speed)
	}
	if tu.Engine.MaxTicksPerStep != 600 {
		t.Fatalf("max_ticks_per_step=%d want=600", tu.Engine.MaxTicksPerStep)
	}
	if tu.Agent.MaxConversationMessages != 8 {
		t.Fatalf("max_conversation_messages=%d want=8", tu.Agent.MaxConversationMessages)
	}
}

func TestLoad_RejectsInvertedAgentDeadlines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	body := "agent:\n  soft_deadline_ms: 900000\n  hard_expiration_ms: 1000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}
