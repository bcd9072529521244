package archive

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"agenttown.ai/internal/persistence/snapshot"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
)

type recordingUploader struct{ paths []string }

func (u *recordingUploader) Enqueue(p string) { u.paths = append(u.paths, p) }

func TestArchiverSkipsUnchangedAndPrunes(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "town.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	eng := engine.New(st, tuning.Defaults(), engine.Options{})
	m, _ := game.NewMap(8, 8, nil)
	if _, err := eng.StartWorld(ctx, "w", m); err != nil {
		t.Fatalf("StartWorld: %v", err)
	}

	worldDir := t.TempDir()
	up := &recordingUploader{}
	a := New(st, "w", worldDir, nil)
	a.Keep = 1
	a.Uploader = up
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a.Now = func() time.Time { return now }

	first, err := a.SnapshotNow(ctx)
	if err != nil || first == "" {
		t.Fatalf("first snapshot path=%q err=%v", first, err)
	}
	now = now.Add(time.Minute)
	if p, err := a.SnapshotNow(ctx); err != nil || p != "" {
		t.Fatalf("unchanged world snapshot path=%q err=%v want skip", p, err)
	}

	err = st.Update(ctx, func(tx *store.Tx) error {
		g, err := game.Load(tx, "w", tuning.Defaults(), rand.New(rand.NewSource(1)))
		if err != nil {
			return err
		}
		if _, err := g.Join(5000, "Ada", "f1", "", ""); err != nil {
			return err
		}
		return g.Save(5000)
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := eng.StopWorld(ctx, "w"); err != nil {
		t.Fatalf("StopWorld: %v", err)
	}
	second, err := a.SnapshotNow(ctx)
	if err != nil || second == "" {
		t.Fatalf("second snapshot path=%q err=%v", second, err)
	}

	files, err := Snapshots(worldDir)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(files) != 1 || files[0] != second {
		t.Fatalf("files=%v want only %s", files, second)
	}
	if len(up.paths) != 2 {
		t.Fatalf("uploaded=%v want 2", up.paths)
	}
	meta, err := Latest(worldDir)
	if err != nil || meta.Snapshot != filepath.Base(second) || meta.Generation != 2 {
		t.Fatalf("meta=%+v err=%v", meta, err)
	}
	snap, err := snapshot.ReadSnapshot(second)
	if err != nil || snap.World.Active {
		t.Fatalf("read back active=%v err=%v", snap.World.Active, err)
	}
}
