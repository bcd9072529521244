// Command replay checks a world's step log: steps must not overlap in world
// time and every input must be processed once, in number order. With -db it
// also compares the logged input outcomes against the input table.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"agenttown.ai/internal/persistence/archive"
	persistlog "agenttown.ai/internal/persistence/log"
	"agenttown.ai/internal/persistence/snapshot"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/store"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		worldID  = flag.String("world", "town", "world id")
		snapPath = flag.String("snapshot", "", "snapshot to describe (default: latest under the world dir)")
		dbPath   = flag.String("db", "", "store to cross-check input outcomes against (optional)")
		fromTs   = flag.Float64("from_ts", 0, "ignore steps ending before this world time (ms)")
		toTs     = flag.Float64("to_ts", 0, "ignore steps starting after this world time (ms, 0 = no limit)")
	)
	flag.Parse()

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)

	sp := *snapPath
	if sp == "" {
		if meta, err := archive.Latest(worldDir); err == nil {
			sp = filepath.Join(worldDir, "snapshots", meta.Snapshot)
		}
	}
	if sp != "" {
		snap, err := snapshot.ReadSnapshot(sp)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d world=%s gen=%d time=%.0f entities=%d messages=%d histories=%d\n",
			snap.Header.Version, snap.Header.WorldID, snap.Header.Generation, snap.Header.WorldTime,
			len(snap.Entities), len(snap.Messages), len(snap.Histories))
	}

	checker := &persistlog.StepChecker{WorldID: *worldID}
	logged := map[int64]string{}
	byName := map[string]int{}
	hot := 0
	err := persistlog.ReadSteps(worldDir, func(rec engine.StepRecord) error {
		if rec.EndTs < *fromTs || (*toTs > 0 && rec.StartTs > *toTs) {
			return nil
		}
		if err := checker.Check(rec); err != nil {
			return err
		}
		if rec.Hot {
			hot++
		}
		for _, in := range rec.Inputs {
			logged[in.Number] = in.Result.Kind
			byName[in.Name]++
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "step log:", err)
		os.Exit(1)
	}
	fmt.Printf("steps=%d hot=%d inputs=%d\n", checker.Steps, hot, checker.Inputs)
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Printf("  %-22s %d\n", n, byName[n])
	}

	if *dbPath == "" || len(logged) == 0 {
		return
	}
	mismatches, err := crossCheck(context.Background(), *dbPath, *worldID, logged)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cross-check:", err)
		os.Exit(1)
	}
	for _, m := range mismatches {
		fmt.Println("MISMATCH", m)
	}
	if len(mismatches) > 0 {
		os.Exit(1)
	}
	fmt.Printf("store agrees on %d inputs\n", len(logged))
}

// crossCheck compares logged outcomes with the stored results of the same
// input numbers.
func crossCheck(ctx context.Context, dbPath, worldID string, logged map[int64]string) ([]string, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	lo, hi := int64(-1), int64(0)
	for n := range logged {
		if lo < 0 || n < lo {
			lo = n
		}
		hi = max(hi, n)
	}
	var inputs []store.Input
	err = st.View(ctx, func(tx *store.Tx) error {
		var err error
		inputs, err = tx.InputsRange(worldID, lo, hi)
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []string
	seen := map[int64]bool{}
	for _, in := range inputs {
		kind, ok := logged[in.Number]
		if !ok {
			continue
		}
		seen[in.Number] = true
		var res engine.Result
		if len(in.Result) == 0 {
			out = append(out, fmt.Sprintf("#%d %s: logged %s but unprocessed in store", in.Number, in.Name, kind))
			continue
		}
		if err := json.Unmarshal(in.Result, &res); err != nil {
			return nil, fmt.Errorf("input #%d result: %w", in.Number, err)
		}
		if res.Kind != kind {
			out = append(out, fmt.Sprintf("#%d %s: logged %s stored %s", in.Number, in.Name, kind, res.Kind))
		}
	}
	for n := range logged {
		if !seen[n] {
			out = append(out, fmt.Sprintf("#%d: logged but missing from store", n))
		}
	}
	sort.Strings(out)
	return out, nil
}
