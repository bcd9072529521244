// Package snapshot exports a world's durable state to a single compressed
// file and imports it into an empty store.
//
// The file is a zstd stream holding one JSON header line followed by a gob
// encoding of the full snapshot, so tools can read the header without
// decoding the body.
package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/store"
)

const Version = 1

// ErrWorldExists is returned by Import when the target world already has
// state.
var ErrWorldExists = errors.New("snapshot: world already exists")

type Header struct {
	Version    int     `json:"version"`
	WorldID    string  `json:"world_id"`
	Generation int64   `json:"generation"`
	WorldTime  float64 `json:"world_time"`
	CreatedMs  int64   `json:"created_ms"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	World     WorldV1     `json:"world"`
	Entities  []EntityV1  `json:"entities"`
	Messages  []MessageV1 `json:"messages"`
	Histories []HistoryV1 `json:"histories,omitempty"`
}

type WorldV1 struct {
	Active               bool    `json:"active"`
	HasTime              bool    `json:"has_time"`
	CurrentTime          float64 `json:"current_time"`
	LastStepTs           float64 `json:"last_step_ts"`
	ProcessedInputNumber int64   `json:"processed_input_number"`
	NextID               int64   `json:"next_id"`
	MapJSON              string  `json:"map_json"`
}

type EntityV1 struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Data     []byte `json:"data"`
	Archived bool   `json:"archived,omitempty"`
}

type MessageV1 struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type HistoryV1 struct {
	PlayerID string  `json:"player_id"`
	StepTs   float64 `json:"step_ts"`
	Packed   []byte  `json:"packed"`
}

// Export reads the durable state of worldID in one read transaction.
// Inputs, jobs and agent leases are not exported: an imported world starts
// with an empty input log and fresh agent loops.
func Export(ctx context.Context, st *store.Store, worldID string, createdMs int64) (SnapshotV1, error) {
	var snap SnapshotV1
	err := st.View(ctx, func(tx *store.Tx) error {
		w, err := tx.World(worldID)
		if err != nil {
			return err
		}
		snap.Header = Header{
			Version:    Version,
			WorldID:    w.ID,
			Generation: w.Generation,
			WorldTime:  w.CurrentTime,
			CreatedMs:  createdMs,
		}
		snap.World = WorldV1{
			Active:               w.Active,
			HasTime:              w.HasTime,
			CurrentTime:          w.CurrentTime,
			LastStepTs:           w.LastStepTs,
			ProcessedInputNumber: w.ProcessedInputNumber,
			NextID:               w.NextID,
			MapJSON:              w.MapJSON,
		}

		ents, err := tx.AllEntities(worldID)
		if err != nil {
			return err
		}
		snap.Entities = make([]EntityV1, 0, len(ents))
		for _, e := range ents {
			snap.Entities = append(snap.Entities, EntityV1{Kind: e.Kind, ID: e.ID, Data: []byte(e.Data), Archived: e.Archived})
		}

		msgs, err := tx.MessageTexts(worldID)
		if err != nil {
			return err
		}
		snap.Messages = make([]MessageV1, 0, len(msgs))
		for _, m := range msgs {
			snap.Messages = append(snap.Messages, MessageV1{ID: m.MessageID, Text: m.Text, Done: m.Done})
		}

		for _, e := range ents {
			if e.Kind != game.KindPlayer || e.Archived {
				continue
			}
			ts, packed, err := tx.LatestHistory(worldID, e.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			snap.Histories = append(snap.Histories, HistoryV1{PlayerID: e.ID, StepTs: ts, Packed: packed})
		}
		return nil
	})
	if err != nil {
		return SnapshotV1{}, fmt.Errorf("export %s: %w", worldID, err)
	}
	return snap, nil
}

// Import writes snap into st under worldID (the snapshot's own id when
// empty). The world is imported stopped and must be started explicitly. The
// processed input number is reset because the input log is not carried.
func Import(ctx context.Context, st *store.Store, snap SnapshotV1, worldID string) error {
	if snap.Header.Version != Version {
		return fmt.Errorf("snapshot: unsupported version %d", snap.Header.Version)
	}
	if worldID == "" {
		worldID = snap.Header.WorldID
	}
	return st.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.World(worldID); err == nil {
			return fmt.Errorf("import %s: %w", worldID, ErrWorldExists)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		w := store.World{
			ID:          worldID,
			Generation:  snap.Header.Generation,
			HasTime:     snap.World.HasTime,
			CurrentTime: snap.World.CurrentTime,
			LastStepTs:  snap.World.LastStepTs,
			NextID:      snap.World.NextID,
			MapJSON:     snap.World.MapJSON,
		}
		if err := tx.PutWorld(w); err != nil {
			return err
		}
		for _, e := range snap.Entities {
			if err := tx.PutEntity(worldID, store.Entity{Kind: e.Kind, ID: e.ID, Data: json.RawMessage(e.Data), Archived: e.Archived}); err != nil {
				return err
			}
		}
		for _, m := range snap.Messages {
			if err := tx.PutMessageText(worldID, store.MessageTextRow{MessageID: m.ID, Text: m.Text, Done: m.Done}); err != nil {
				return err
			}
		}
		for _, h := range snap.Histories {
			if err := tx.PutHistory(worldID, h.PlayerID, h.StepTs, h.Packed); err != nil {
				return err
			}
		}
		return nil
	})
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
