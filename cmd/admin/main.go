// Command admin inspects and maintains town data offline, and drives the
// loopback admin endpoints of a running server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agenttown.ai/internal/persistence/archive"
	persistlog "agenttown.ai/internal/persistence/log"
	"agenttown.ai/internal/persistence/snapshot"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "players":
			playersCmd(os.Args[2:])
			return
		case "conversations":
			conversationsCmd(os.Args[2:])
			return
		case "snapshots":
			snapshotsCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "import":
			importCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state", "snapshot", "start", "stop", "kick", "agent":
			httpCmd(os.Args[1], os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func openStore(dataDir string) *store.Store {
	st, err := store.Open(filepath.Join(dataDir, "town.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	return st
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	st := openStore(*dataDir)
	defer st.Close()
	var worlds []store.World
	err := st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		worlds, err = tx.Worlds()
		return err
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "worlds:", err)
		os.Exit(1)
	}
	for _, w := range worlds {
		printJSON(map[string]any{
			"world_id":               w.ID,
			"active":                 w.Active,
			"generation":             w.Generation,
			"world_time":             w.CurrentTime,
			"processed_input_number": w.ProcessedInputNumber,
		})
	}
}

// viewWorld loads the world once, read only.
func viewWorld(dataDir, worldID string, fn func(g *game.Game) error) {
	st := openStore(dataDir)
	defer st.Close()
	eng := engine.New(st, tuning.Defaults(), engine.Options{})
	if err := eng.View(context.Background(), worldID, fn); err != nil {
		fmt.Fprintln(os.Stderr, "load world:", err)
		os.Exit(1)
	}
}

func playersCmd(args []string) {
	fs := flag.NewFlagSet("players", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "town", "world id")
	_ = fs.Parse(args)

	viewWorld(*dataDir, *worldID, func(g *game.Game) error {
		agents := map[string]game.Agent{}
		for _, a := range g.Agents.All() {
			agents[a.PlayerID] = a
		}
		for _, p := range g.Players.All() {
			r := map[string]any{
				"player_id": p.ID,
				"name":      p.Name,
				"character": p.Character,
				"enabled":   p.Enabled,
				"x":         p.Position.X,
				"y":         p.Position.Y,
				"human":     p.Human != "",
			}
			if a, ok := agents[p.ID]; ok {
				r["agent_id"] = a.ID
				r["plan"] = a.Plan
			}
			printJSON(r)
		}
		return nil
	})
}

func conversationsCmd(args []string) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "town", "world id")
	_ = fs.Parse(args)

	viewWorld(*dataDir, *worldID, func(g *game.Game) error {
		for _, c := range g.Conversations.All() {
			members := map[string]string{}
			for _, m := range g.ConversationMembers(c.ID) {
				members[m.PlayerID] = game.StatusName(m.Status)
			}
			printJSON(map[string]any{
				"conversation_id": c.ID,
				"creator":         c.Creator,
				"created":         c.Created,
				"messages":        c.NumMessages,
				"members":         members,
			})
		}
		return nil
	})
}

func snapshotsCmd(args []string) {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "town", "world id")
	_ = fs.Parse(args)

	paths, err := archive.Snapshots(filepath.Join(*dataDir, "worlds", *worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list snapshots:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(p), err)
			continue
		}
		printJSON(map[string]any{
			"path":       p,
			"generation": h.Generation,
			"world_time": h.WorldTime,
			"created":    time.UnixMilli(h.CreatedMs).UTC().Format(time.RFC3339),
		})
	}
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "town", "world id")
	out := fs.String("out", "", "output path (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*out) == "" {
		fmt.Fprintln(os.Stderr, "missing -out")
		os.Exit(2)
	}

	st := openStore(*dataDir)
	defer st.Close()
	snap, err := snapshot.Export(context.Background(), st, *worldID, time.Now().UnixMilli())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := snapshot.WriteSnapshot(*out, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s gen=%d entities=%d\n", *out, snap.Header.Generation, len(snap.Entities))
}

func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "target world id (default: the snapshot's)")
	in := fs.String("snapshot", "", "snapshot path (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*in) == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	st := openStore(*dataDir)
	defer st.Close()
	if err := snapshot.Import(context.Background(), st, snap, *worldID); err != nil {
		if errors.Is(err, snapshot.ErrWorldExists) {
			fmt.Fprintln(os.Stderr, "world exists; pick another -world")
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("imported; start the server with -world to run it")
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "town", "world id")
	action := fs.String("action", "", "only this action (optional)")
	since := fs.Duration("since", 0, "only entries newer than this (optional)")
	limit := fs.Int("limit", 0, "stop after N entries (0 = all)")
	_ = fs.Parse(args)

	var cutoff int64
	if *since > 0 {
		cutoff = time.Now().Add(-*since).UnixMilli()
	}
	n := 0
	dir := filepath.Join(*dataDir, "worlds", *worldID, "audit")
	err := persistlog.ReadDir(dir, "audit", func(line json.RawMessage) error {
		var e persistlog.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		if e.Ts < cutoff || (*action != "" && e.Action != *action) {
			return nil
		}
		printJSON(e)
		n++
		if *limit > 0 && n >= *limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
