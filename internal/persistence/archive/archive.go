// Package archive writes periodic world snapshots under a world directory,
// keeps the newest few and hands each new file to an optional uploader.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agenttown.ai/internal/persistence/snapshot"
	"agenttown.ai/internal/store"
)

const (
	snapshotDir = "snapshots"
	latestFile  = "latest.json"
	snapSuffix  = ".snap.zst"
)

// Uploader receives every snapshot file written. r2s3.Mirror implements it.
type Uploader interface {
	Enqueue(localPath string)
}

// Recorder indexes written snapshots. indexdb.SQLiteIndex implements it.
type Recorder interface {
	RecordSnapshot(path string, h snapshot.Header, entities, messages int)
}

// Meta describes the newest snapshot of a world. It is stored next to the
// snapshots as latest.json.
type Meta struct {
	WorldID    string  `json:"world_id"`
	Generation int64   `json:"generation"`
	WorldTime  float64 `json:"world_time"`
	Snapshot   string  `json:"snapshot"`
	Entities   int     `json:"entities"`
	Messages   int     `json:"messages"`
	CreatedAt  string  `json:"created_at"`
}

type Archiver struct {
	st       *store.Store
	worldID  string
	worldDir string
	log      *log.Logger

	// Keep is how many snapshot files survive pruning. Zero keeps all.
	Keep     int
	Uploader Uploader
	Index    Recorder
	Now      func() time.Time

	mu       sync.Mutex
	lastGen  int64
	lastTime float64
	written  bool
}

func New(st *store.Store, worldID, worldDir string, logger *log.Logger) *Archiver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Archiver{
		st:       st,
		worldID:  worldID,
		worldDir: worldDir,
		log:      logger,
		Keep:     24,
		Now:      time.Now,
	}
}

// SnapshotNow exports the world and writes it to a new file. A world whose
// generation and time have not moved since the previous call is skipped and
// the returned path is empty.
func (a *Archiver) SnapshotNow(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.Now().UTC()
	snap, err := snapshot.Export(ctx, a.st, a.worldID, now.UnixMilli())
	if err != nil {
		return "", err
	}
	if a.written && snap.Header.Generation == a.lastGen && snap.Header.WorldTime == a.lastTime {
		return "", nil
	}

	path := filepath.Join(a.worldDir, snapshotDir, fmt.Sprintf("%013d%s", now.UnixMilli(), snapSuffix))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	meta := Meta{
		WorldID:    snap.Header.WorldID,
		Generation: snap.Header.Generation,
		WorldTime:  snap.Header.WorldTime,
		Snapshot:   filepath.Base(path),
		Entities:   len(snap.Entities),
		Messages:   len(snap.Messages),
		CreatedAt:  now.Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(a.worldDir, snapshotDir, latestFile), b, 0o644)
	}
	a.written, a.lastGen, a.lastTime = true, snap.Header.Generation, snap.Header.WorldTime

	if err := a.prune(); err != nil {
		a.log.Printf("snapshot prune: %v", err)
	}
	if a.Index != nil {
		a.Index.RecordSnapshot(path, snap.Header, meta.Entities, meta.Messages)
	}
	if a.Uploader != nil {
		a.Uploader.Enqueue(path)
	}
	a.log.Printf("snapshot %s gen=%d entities=%d", meta.Snapshot, meta.Generation, meta.Entities)
	return path, nil
}

// Run snapshots every interval until ctx is done, then writes a final one.
func (a *Archiver) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := a.SnapshotNow(final); err != nil {
				a.log.Printf("final snapshot: %v", err)
			}
			cancel()
			return
		case <-t.C:
			if _, err := a.SnapshotNow(ctx); err != nil {
				a.log.Printf("snapshot: %v", err)
			}
		}
	}
}

// Snapshots lists the snapshot files of a world directory, oldest first.
func Snapshots(worldDir string) ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(worldDir, snapshotDir))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), snapSuffix) {
			out = append(out, filepath.Join(worldDir, snapshotDir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest reads latest.json of a world directory.
func Latest(worldDir string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(filepath.Join(worldDir, snapshotDir, latestFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func (a *Archiver) prune() error {
	if a.Keep <= 0 {
		return nil
	}
	files, err := Snapshots(a.worldDir)
	if err != nil {
		return err
	}
	for len(files) > a.Keep {
		if err := os.Remove(files[0]); err != nil {
			return err
		}
		files = files[1:]
	}
	return nil
}
