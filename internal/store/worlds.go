package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// World is the engine row of one simulated world.
type World struct {
	ID                   string
	Active               bool
	Generation           int64
	HasTime              bool
	CurrentTime          float64
	LastStepTs           float64
	ProcessedInputNumber int64
	NextID               int64
	MapJSON              string
}

const worldCols = `id, active, generation, has_time, world_time, last_step_ts, processed_input_number, next_id, map_json`

func scanWorld(sc interface{ Scan(...any) error }) (World, error) {
	var (
		w       World
		active  int
		hasTime int
	)
	if err := sc.Scan(&w.ID, &active, &w.Generation, &hasTime, &w.CurrentTime, &w.LastStepTs, &w.ProcessedInputNumber, &w.NextID, &w.MapJSON); err != nil {
		return World{}, err
	}
	w.Active = active != 0
	w.HasTime = hasTime != 0
	return w, nil
}

func (tx *Tx) World(id string) (World, error) {
	w, err := scanWorld(tx.queryRow(`SELECT `+worldCols+` FROM worlds WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return World{}, fmt.Errorf("world %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return World{}, fmt.Errorf("world %q: %w", id, err)
	}
	return w, nil
}

func (tx *Tx) PutWorld(w World) error {
	if w.ID == "" {
		return fmt.Errorf("put world: empty id")
	}
	_, err := tx.exec(`INSERT INTO worlds (`+worldCols+`) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			active=excluded.active,
			generation=excluded.generation,
			has_time=excluded.has_time,
			world_time=excluded.world_time,
			last_step_ts=excluded.last_step_ts,
			processed_input_number=excluded.processed_input_number,
			next_id=excluded.next_id,
			map_json=excluded.map_json`,
		w.ID, boolInt(w.Active), w.Generation, boolInt(w.HasTime), w.CurrentTime, w.LastStepTs, w.ProcessedInputNumber, w.NextID, w.MapJSON)
	if err != nil {
		return fmt.Errorf("put world %q: %w", w.ID, err)
	}
	return nil
}

func (tx *Tx) Worlds() ([]World, error) {
	rows, err := tx.query(`SELECT ` + worldCols + ` FROM worlds ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
