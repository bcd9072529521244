package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Entity is one JSON document owned by a world. Archived rows are kept for
// history and lookups but are not loaded into a running game.
type Entity struct {
	Kind     string
	ID       string
	Data     json.RawMessage
	Archived bool
}

func scanEntity(sc interface{ Scan(...any) error }) (Entity, error) {
	var (
		e        Entity
		data     string
		archived int
	)
	if err := sc.Scan(&e.Kind, &e.ID, &data, &archived); err != nil {
		return Entity{}, err
	}
	e.Data = json.RawMessage(data)
	e.Archived = archived != 0
	return e, nil
}

func (tx *Tx) collectEntities(rows *sql.Rows, err error) ([]Entity, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LiveEntities returns the non-archived entities of one kind ordered by id.
func (tx *Tx) LiveEntities(worldID, kind string) ([]Entity, error) {
	out, err := tx.collectEntities(tx.query(`SELECT kind, id, data, archived FROM entities WHERE world_id=? AND kind=? AND archived=0 ORDER BY id`, worldID, kind))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	return out, nil
}

// AllEntities returns every entity of the world, archived included.
func (tx *Tx) AllEntities(worldID string) ([]Entity, error) {
	return tx.collectEntities(tx.query(`SELECT kind, id, data, archived FROM entities WHERE world_id=? ORDER BY kind, id`, worldID))
}

func (tx *Tx) Entity(worldID, kind, id string) (Entity, error) {
	e, err := scanEntity(tx.queryRow(`SELECT kind, id, data, archived FROM entities WHERE world_id=? AND kind=? AND id=?`, worldID, kind, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("%s %q: %w", kind, id, err)
	}
	return e, nil
}

func (tx *Tx) PutEntity(worldID string, e Entity) error {
	if e.Kind == "" || e.ID == "" {
		return fmt.Errorf("put entity: empty kind or id")
	}
	_, err := tx.exec(`INSERT INTO entities (world_id, kind, id, data, archived) VALUES (?,?,?,?,?)
		ON CONFLICT(world_id, kind, id) DO UPDATE SET data=excluded.data, archived=excluded.archived`,
		worldID, e.Kind, e.ID, string(e.Data), boolInt(e.Archived))
	if err != nil {
		return fmt.Errorf("put %s %q: %w", e.Kind, e.ID, err)
	}
	return nil
}

func (tx *Tx) DeleteEntity(worldID, kind, id string) error {
	if _, err := tx.exec(`DELETE FROM entities WHERE world_id=? AND kind=? AND id=?`, worldID, kind, id); err != nil {
		return fmt.Errorf("delete %s %q: %w", kind, id, err)
	}
	return nil
}

// EntitiesWhere returns entities of one kind, archived included, whose JSON
// document has field equal to value.
func (tx *Tx) EntitiesWhere(worldID, kind, field, value string) ([]Entity, error) {
	out, err := tx.collectEntities(tx.query(`SELECT kind, id, data, archived FROM entities
		WHERE world_id=? AND kind=? AND json_extract(data, ?)=? ORDER BY id`, worldID, kind, "$."+field, value))
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", kind, field, err)
	}
	return out, nil
}
