package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Input is one queued command. Result is nil until the engine has
// processed it.
type Input struct {
	ID       int64
	WorldID  string
	Number   int64
	Name     string
	Args     json.RawMessage
	Received float64
	Result   json.RawMessage
}

const inputCols = `id, world_id, number, name, args, received, result`

func scanInput(sc interface{ Scan(...any) error }) (Input, error) {
	var (
		in     Input
		args   string
		result sql.NullString
	)
	if err := sc.Scan(&in.ID, &in.WorldID, &in.Number, &in.Name, &args, &in.Received, &result); err != nil {
		return Input{}, err
	}
	in.Args = json.RawMessage(args)
	if result.Valid {
		in.Result = json.RawMessage(result.String)
	}
	return in, nil
}

// InsertInput appends an input to the world's queue. Its number is one more
// than the highest number already queued for the world.
func (tx *Tx) InsertInput(worldID, name string, args json.RawMessage, received float64) (Input, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var maxNum sql.NullInt64
	if err := tx.queryRow(`SELECT MAX(number) FROM inputs WHERE world_id=?`, worldID).Scan(&maxNum); err != nil {
		return Input{}, fmt.Errorf("insert input: %w", err)
	}
	in := Input{
		WorldID:  worldID,
		Number:   maxNum.Int64 + 1,
		Name:     name,
		Args:     args,
		Received: received,
	}
	res, err := tx.exec(`INSERT INTO inputs (world_id, number, name, args, received) VALUES (?,?,?,?,?)`,
		in.WorldID, in.Number, in.Name, string(in.Args), in.Received)
	if err != nil {
		return Input{}, fmt.Errorf("insert input: %w", err)
	}
	if in.ID, err = res.LastInsertId(); err != nil {
		return Input{}, fmt.Errorf("insert input: %w", err)
	}
	return in, nil
}

func (tx *Tx) Input(id int64) (Input, error) {
	in, err := scanInput(tx.queryRow(`SELECT `+inputCols+` FROM inputs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Input{}, fmt.Errorf("input %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Input{}, fmt.Errorf("input %d: %w", id, err)
	}
	return in, nil
}

// PendingInputs returns up to limit inputs with number > after, in number
// order.
func (tx *Tx) PendingInputs(worldID string, after int64, limit int) ([]Input, error) {
	rows, err := tx.query(`SELECT `+inputCols+` FROM inputs WHERE world_id=? AND number>? ORDER BY number LIMIT ?`, worldID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("pending inputs: %w", err)
	}
	defer rows.Close()
	var out []Input
	for rows.Next() {
		in, err := scanInput(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// InputsRange returns inputs with from <= number <= to in number order.
func (tx *Tx) InputsRange(worldID string, from, to int64) ([]Input, error) {
	rows, err := tx.query(`SELECT `+inputCols+` FROM inputs WHERE world_id=? AND number>=? AND number<=? ORDER BY number`, worldID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Input
	for rows.Next() {
		in, err := scanInput(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (tx *Tx) SetInputResult(id int64, result json.RawMessage) error {
	res, err := tx.exec(`UPDATE inputs SET result=? WHERE id=?`, string(result), id)
	if err != nil {
		return fmt.Errorf("input %d result: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("input %d result: %w", id, ErrNotFound)
	}
	return nil
}
