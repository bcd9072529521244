package r2s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPutFileSignsPathStyleRequest(t *testing.T) {
	var (
		gotPath string
		gotHdr  http.Header
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotHdr = r.URL.EscapedPath(), r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "town", AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Now = func() time.Time { return time.Date(2026, 4, 2, 3, 4, 5, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "a.snap.zst")
	if err := os.WriteFile(local, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.PutFile(context.Background(), "/worlds/w 1/a.snap.zst", local); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	if gotPath != "/town/worlds/w%201/a.snap.zst" {
		t.Fatalf("path=%s", gotPath)
	}
	if string(gotBody) != "payload" {
		t.Fatalf("body=%q", gotBody)
	}
	sum := sha256.Sum256([]byte("payload"))
	if gotHdr.Get("x-amz-content-sha256") != hex.EncodeToString(sum[:]) {
		t.Fatalf("payload hash=%s", gotHdr.Get("x-amz-content-sha256"))
	}
	if gotHdr.Get("x-amz-date") != "20260402T030405Z" {
		t.Fatalf("date=%s", gotHdr.Get("x-amz-date"))
	}
	auth := gotHdr.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK/20260402/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("auth=%s", auth)
	}
}

func TestPutReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, _ := New(Config{Endpoint: srv.URL, Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"})
	err := c.Put(context.Background(), "k", strings.NewReader("x"), 1)
	if err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("err=%v want status=403", err)
	}
	if err := c.Put(context.Background(), "/", strings.NewReader("x"), 1); err == nil {
		t.Fatalf("empty key accepted")
	}
}

type flakyPutter struct {
	mu    sync.Mutex
	fails int
	keys  []string
}

func (p *flakyPutter) PutFile(ctx context.Context, key, localPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("transient")
	}
	p.keys = append(p.keys, key)
	return nil
}

func TestMirrorRetriesAndKeysByRelativePath(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "worlds", "w", "snapshots", "1.snap.zst")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_ = os.WriteFile(local, []byte("x"), 0o644)

	p := &flakyPutter{fails: 2}
	m := NewMirror(p, MirrorConfig{DataDir: dir, Prefix: "/prod/", RetryBase: time.Millisecond}, nil)
	m.Enqueue(local)
	m.Enqueue(filepath.Join(t.TempDir(), "elsewhere.snap.zst"))
	m.Close()
	m.Enqueue(local)

	if len(p.keys) != 1 || p.keys[0] != "prod/worlds/w/snapshots/1.snap.zst" {
		t.Fatalf("keys=%v", p.keys)
	}
	st := m.Stats()
	if st.Enqueued != 2 || st.Uploaded != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}
