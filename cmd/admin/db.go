package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd queries the secondary index written by the server. It reads the
// sqlite file directly so it works while the server is running.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "town", "world id")
	dbPath := fs.String("db", "", "index sqlite path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	name := fs.String("name", "", "input name filter (inputs)")
	kind := fs.String("kind", "", "result kind filter (inputs)")
	_ = fs.Parse(args)

	q := "steps"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "index.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "steps":
		rows, err := db.Query(`SELECT generation,start_ts,end_ts,ticks,hot,inputs FROM steps WHERE world_id=? ORDER BY start_ts DESC LIMIT ?`, *worldID, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Generation int64   `json:"generation"`
				StartTs    float64 `json:"start_ts"`
				EndTs      float64 `json:"end_ts"`
				Ticks      int     `json:"ticks"`
				Hot        bool    `json:"hot"`
				Inputs     int     `json:"inputs"`
			}
			exitOn("scan", rows.Scan(&r.Generation, &r.StartTs, &r.EndTs, &r.Ticks, &r.Hot, &r.Inputs))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "inputs":
		query := `SELECT number,input_id,name,kind,COALESCE(message,''),step_start_ts FROM inputs WHERE world_id=?`
		params := []any{*worldID}
		if *name != "" {
			query += ` AND name=?`
			params = append(params, *name)
		}
		if *kind != "" {
			query += ` AND kind=?`
			params = append(params, *kind)
		}
		query += ` ORDER BY number DESC LIMIT ?`
		params = append(params, *limit)
		rows, err := db.Query(query, params...)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Number  int64   `json:"number"`
				InputID int64   `json:"input_id"`
				Name    string  `json:"name"`
				Kind    string  `json:"kind"`
				Message string  `json:"message,omitempty"`
				StepTs  float64 `json:"step_start_ts"`
			}
			exitOn("scan", rows.Scan(&r.Number, &r.InputID, &r.Name, &r.Kind, &r.Message, &r.StepTs))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "input_counts":
		rows, err := db.Query(`SELECT name,kind,COUNT(*) FROM inputs WHERE world_id=? GROUP BY name,kind ORDER BY name,kind`, *worldID)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name  string `json:"name"`
				Kind  string `json:"kind"`
				Count int    `json:"count"`
			}
			exitOn("scan", rows.Scan(&r.Name, &r.Kind, &r.Count))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "audits":
		rows, err := db.Query(`SELECT raw_json FROM audits WHERE world_id=? ORDER BY ts DESC, seq DESC LIMIT ?`, *worldID, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var raw string
			exitOn("scan", rows.Scan(&raw))
			fmt.Println(string(json.RawMessage(raw)))
		}
		exitOn("rows", rows.Err())

	case "snapshots":
		rows, err := db.Query(`SELECT path,generation,world_time,created_ms,entities,messages FROM snapshots WHERE world_id=? ORDER BY created_ms DESC LIMIT ?`, *worldID, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Path       string  `json:"path"`
				Generation int64   `json:"generation"`
				WorldTime  float64 `json:"world_time"`
				CreatedMs  int64   `json:"created_ms"`
				Entities   int     `json:"entities"`
				Messages   int     `json:"messages"`
			}
			exitOn("scan", rows.Scan(&r.Path, &r.Generation, &r.WorldTime, &r.CreatedMs, &r.Entities, &r.Messages))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(steps|inputs|input_counts|audits|snapshots)")
		os.Exit(2)
	}
}

func exitOn(what string, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, what+":", err)
		os.Exit(1)
	}
}
