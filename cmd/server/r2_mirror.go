package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"agenttown.ai/internal/persistence/r2s3"
)

type r2MirrorRuntime struct {
	enabled bool
	mirror  *r2s3.Mirror
}

// buildR2MirrorRuntime uploads snapshots to an S3 compatible bucket when
// AT_R2_MIRROR is set. Files are keyed by their path under dataDir.
func buildR2MirrorRuntime(dataDir string, logger *log.Logger) (*r2MirrorRuntime, error) {
	if !envBool("AT_R2_MIRROR", false) {
		return &r2MirrorRuntime{}, nil
	}

	cfg := r2s3.Config{
		Endpoint:        strings.TrimSpace(os.Getenv("AT_R2_ENDPOINT")),
		Bucket:          strings.TrimSpace(os.Getenv("AT_R2_BUCKET")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("AT_R2_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("AT_R2_SECRET_ACCESS_KEY")),
		Region:          strings.TrimSpace(os.Getenv("AT_R2_REGION")),
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("AT_R2_MIRROR=true but AT_R2_ENDPOINT/AT_R2_BUCKET/AT_R2_ACCESS_KEY_ID/AT_R2_SECRET_ACCESS_KEY are not fully set")
	}
	client, err := r2s3.New(cfg)
	if err != nil {
		return nil, err
	}

	mirror := r2s3.NewMirror(client, r2s3.MirrorConfig{
		DataDir:     dataDir,
		Prefix:      strings.TrimSpace(os.Getenv("AT_R2_PREFIX")),
		Workers:     envInt("AT_R2_UPLOAD_WORKERS", 2),
		Queue:       envInt("AT_R2_QUEUE", 256),
		EnqueueWait: time.Duration(envInt("AT_R2_ENQUEUE_WAIT_MS", 50)) * time.Millisecond,
		Attempts:    envInt("AT_R2_ATTEMPTS", 5),
	}, logger)
	logger.Printf("r2 mirror enabled bucket=%s", cfg.Bucket)
	return &r2MirrorRuntime{enabled: true, mirror: mirror}, nil
}

func (r *r2MirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
}

func (r *r2MirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

func (r *r2MirrorRuntime) Stats() (r2s3.Stats, bool) {
	if r == nil || !r.enabled || r.mirror == nil {
		return r2s3.Stats{}, false
	}
	return r.mirror.Stats(), true
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
