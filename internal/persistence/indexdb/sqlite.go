// Package indexdb keeps a queryable secondary index of committed steps,
// processed inputs, operator audits and written snapshots. Writes are queued
// and applied by one background goroutine in batched transactions; the JSONL
// step logs remain the source of truth, so a full queue drops entries.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	plog "agenttown.ai/internal/persistence/log"
	"agenttown.ai/internal/persistence/snapshot"
	"agenttown.ai/internal/sim/engine"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropStep     atomic.Uint64
	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropStepTotal     uint64
	DropAuditTotal    uint64
	DropSnapshotTotal uint64
}

type reqKind int

const (
	reqStep reqKind = iota + 1
	reqAudit
	reqSnapshot
)

type req struct {
	kind reqKind

	step     engine.StepRecord
	audit    plog.AuditEntry
	snapshot SnapshotRow
}

// SnapshotRow is one indexed snapshot file.
type SnapshotRow struct {
	WorldID    string
	Generation int64
	WorldTime  float64
	Path       string
	CreatedMs  int64
	Entities   int
	Messages   int
}

// StepRow is one indexed step.
type StepRow struct {
	WorldID    string
	Generation int64
	StartTs    float64
	EndTs      float64
	Ticks      int
	Hot        bool
	Inputs     int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return open(path, 65536)
}

func open(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// The index is rebuildable from the step logs, so NORMAL sync is enough.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			world_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			start_ts REAL NOT NULL,
			end_ts REAL NOT NULL,
			wall_ts REAL NOT NULL,
			ticks INTEGER NOT NULL,
			hot INTEGER NOT NULL,
			inputs INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (world_id, start_ts, generation)
		);`,
		`CREATE TABLE IF NOT EXISTS inputs (
			world_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			input_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT,
			step_start_ts REAL NOT NULL,
			PRIMARY KEY (world_id, number)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_inputs_name ON inputs(world_id, name, kind);`,
		`CREATE TABLE IF NOT EXISTS audits (
			ts INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			world_id TEXT,
			remote TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (ts, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			world_time REAL NOT NULL,
			created_ms INTEGER NOT NULL,
			entities INTEGER NOT NULL,
			messages INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_world ON snapshots(world_id, created_ms);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropStepTotal:     s.dropStep.Load(),
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

// WriteStep makes the index an engine.StepSink.
func (s *SQLiteIndex) WriteStep(rec engine.StepRecord) error {
	s.enqueue(req{kind: reqStep, step: rec}, &s.dropStep)
	return nil
}

func (s *SQLiteIndex) WriteAudit(e plog.AuditEntry) error {
	s.enqueue(req{kind: reqAudit, audit: e}, &s.dropAudit)
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, h snapshot.Header, entities, messages int) {
	s.enqueue(req{kind: reqSnapshot, snapshot: SnapshotRow{
		WorldID:    h.WorldID,
		Generation: h.Generation,
		WorldTime:  h.WorldTime,
		Path:       path,
		CreatedMs:  h.CreatedMs,
		Entities:   entities,
		Messages:   messages,
	}}, &s.dropSnapshot)
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second

		lastAuditTs int64
		auditSeq    int
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx, opCount, lastCommit = txx, 0, time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx, opCount, lastCommit = nil, 0, time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx, opCount, lastCommit = nil, 0, time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqStep:
			err = insertStep(tx, r.step)
			opCount += 1 + len(r.step.Inputs)
		case reqAudit:
			a := r.audit
			if a.Ts != lastAuditTs {
				lastAuditTs, auditSeq = a.Ts, 0
			}
			raw, _ := json.Marshal(a)
			_, err = tx.Exec(`INSERT OR REPLACE INTO audits(ts,seq,action,world_id,remote,raw_json) VALUES(?,?,?,?,?,?)`,
				a.Ts, auditSeq, a.Action, a.WorldID, a.Remote, string(raw))
			auditSeq++
			opCount++
		case reqSnapshot:
			sn := r.snapshot
			_, err = tx.Exec(`INSERT OR REPLACE INTO snapshots(path,world_id,generation,world_time,created_ms,entities,messages) VALUES(?,?,?,?,?,?,?)`,
				sn.Path, sn.WorldID, sn.Generation, sn.WorldTime, sn.CreatedMs, sn.Entities, sn.Messages)
			opCount++
		}
		if err != nil {
			rollback()
			continue
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}

func insertStep(tx *sql.Tx, rec engine.StepRecord) error {
	raw, _ := json.Marshal(rec)
	_, err := tx.Exec(`INSERT OR REPLACE INTO steps(world_id,generation,start_ts,end_ts,wall_ts,ticks,hot,inputs,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.WorldID, rec.Generation, rec.StartTs, rec.EndTs, rec.WallTs, rec.Ticks, rec.Hot, len(rec.Inputs), string(raw))
	if err != nil {
		return err
	}
	for _, in := range rec.Inputs {
		_, err := tx.Exec(`INSERT OR REPLACE INTO inputs(world_id,number,input_id,name,kind,message,step_start_ts) VALUES(?,?,?,?,?,?,?)`,
			rec.WorldID, in.Number, in.ID, in.Name, in.Result.Kind, in.Result.Message, rec.StartTs)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecentSteps returns up to limit steps of worldID, newest first.
func (s *SQLiteIndex) RecentSteps(ctx context.Context, worldID string, limit int) ([]StepRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT world_id, generation, start_ts, end_ts, ticks, hot, inputs
		FROM steps WHERE world_id=? ORDER BY start_ts DESC, generation DESC LIMIT ?`, worldID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepRow
	for rows.Next() {
		var r StepRow
		if err := rows.Scan(&r.WorldID, &r.Generation, &r.StartTs, &r.EndTs, &r.Ticks, &r.Hot, &r.Inputs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InputCounts returns processed input counts by handler name and result
// kind.
func (s *SQLiteIndex) InputCounts(ctx context.Context, worldID string) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, kind, COUNT(*) FROM inputs WHERE world_id=? GROUP BY name, kind`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]map[string]int{}
	for rows.Next() {
		var (
			name, kind string
			n          int
		)
		if err := rows.Scan(&name, &kind, &n); err != nil {
			return nil, err
		}
		if out[name] == nil {
			out[name] = map[string]int{}
		}
		out[name][kind] = n
	}
	return out, rows.Err()
}

// Snapshots lists indexed snapshots of worldID, newest first.
func (s *SQLiteIndex) Snapshots(ctx context.Context, worldID string) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT world_id, generation, world_time, path, created_ms, entities, messages
		FROM snapshots WHERE world_id=? ORDER BY created_ms DESC`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.WorldID, &r.Generation, &r.WorldTime, &r.Path, &r.CreatedMs, &r.Entities, &r.Messages); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
