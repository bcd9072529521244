// Package log writes append-only JSONL logs compressed with zstd, rotated
// hourly, and reads them back for replay and audit tooling.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"agenttown.ai/internal/sim/engine"
)

const fileSuffix = ".jsonl.zst"

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	// Now picks the rotation hour. Defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		Now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v as one line. The zstd frame is flushed after every line
// so a crash loses at most the line being written.
func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s%s", w.prefix, hour, fileSuffix))
}

// StepLogger writes one JSONL entry per committed engine step.
type StepLogger struct{ w *JSONLZstdWriter }

func NewStepLogger(worldDir string) *StepLogger {
	return &StepLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "steps"), "steps")}
}

func (l *StepLogger) WriteStep(rec engine.StepRecord) error { return l.w.Write(rec) }
func (l *StepLogger) Close() error                           { return l.w.Close() }

// AuditEntry records one operator action.
type AuditEntry struct {
	Ts      int64          `json:"ts"`
	Action  string         `json:"action"`
	WorldID string         `json:"world_id,omitempty"`
	Remote  string         `json:"remote,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// AuditLogger writes audit JSONL entries (compressed).
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(worldDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(e AuditEntry) error {
	if e.Ts == 0 {
		e.Ts = l.w.Now().UnixMilli()
	}
	return l.w.Write(e)
}
func (l *AuditLogger) Close() error { return l.w.Close() }

// Files lists the log files under dir written with prefix, oldest first.
func Files(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadDir calls fn with every line of every log file under dir, in write
// order. Returning io.EOF from fn stops the walk without an error.
func ReadDir(dir, prefix string, fn func(line json.RawMessage) error) error {
	files, err := Files(dir, prefix)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := readFile(path, fn); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func readFile(path string, fn func(json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(append(json.RawMessage(nil), line...)); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadSteps decodes every step record under the world's steps directory.
func ReadSteps(worldDir string, fn func(engine.StepRecord) error) error {
	return ReadDir(filepath.Join(worldDir, "steps"), "steps", func(line json.RawMessage) error {
		var rec engine.StepRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		return fn(rec)
	})
}

// StepChecker verifies a sequence of step records for one world. Steps may
// not overlap in world time and input numbers must strictly increase.
type StepChecker struct {
	WorldID string

	Steps  int
	Inputs int

	seen       bool
	lastEnd    float64
	lastNumber int64
	lastGen    int64
}

func (c *StepChecker) Check(rec engine.StepRecord) error {
	if c.WorldID != "" && rec.WorldID != c.WorldID {
		return nil
	}
	if rec.EndTs < rec.StartTs {
		return fmt.Errorf("step gen=%d: end %.0f before start %.0f", rec.Generation, rec.EndTs, rec.StartTs)
	}
	if c.seen {
		if rec.StartTs < c.lastEnd {
			return fmt.Errorf("step gen=%d: start %.0f before previous end %.0f", rec.Generation, rec.StartTs, c.lastEnd)
		}
		if rec.Generation < c.lastGen {
			return fmt.Errorf("step gen=%d: generation went back from %d", rec.Generation, c.lastGen)
		}
	}
	for _, in := range rec.Inputs {
		if in.Number <= c.lastNumber {
			return fmt.Errorf("step gen=%d: input #%d not after #%d", rec.Generation, in.Number, c.lastNumber)
		}
		c.lastNumber = in.Number
		c.Inputs++
	}
	c.seen = true
	c.lastEnd = rec.EndTs
	c.lastGen = rec.NextGeneration
	if rec.NextGeneration == 0 {
		c.lastGen = rec.Generation
	}
	c.Steps++
	return nil
}
