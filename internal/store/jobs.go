package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Job is a persisted scheduler entry.
type Job struct {
	ID       string
	Name     string
	Payload  json.RawMessage
	RunAt    float64
	Attempts int
}

func (tx *Tx) InsertJob(j Job) error {
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage(`null`)
	}
	_, err := tx.exec(`INSERT INTO jobs (id, name, payload, run_at, attempts) VALUES (?,?,?,?,?)`,
		j.ID, j.Name, string(j.Payload), j.RunAt, j.Attempts)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.Name, err)
	}
	return nil
}

// DueJobs returns jobs with run_at <= now, earliest first.
func (tx *Tx) DueJobs(now float64, limit int) ([]Job, error) {
	rows, err := tx.query(`SELECT id, name, payload, run_at, attempts FROM jobs WHERE run_at<=? ORDER BY run_at, id LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var (
			j       Job
			payload string
		)
		if err := rows.Scan(&j.ID, &j.Name, &payload, &j.RunAt, &j.Attempts); err != nil {
			return nil, err
		}
		j.Payload = json.RawMessage(payload)
		out = append(out, j)
	}
	return out, rows.Err()
}

// NextJobAt reports the earliest pending run time.
func (tx *Tx) NextJobAt() (float64, bool, error) {
	var at sql.NullFloat64
	if err := tx.queryRow(`SELECT MIN(run_at) FROM jobs`).Scan(&at); err != nil {
		return 0, false, err
	}
	return at.Float64, at.Valid, nil
}

func (tx *Tx) CountJobs() (int, error) {
	var n int
	err := tx.queryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n)
	return n, err
}

func (tx *Tx) DeleteJob(id string) error {
	_, err := tx.exec(`DELETE FROM jobs WHERE id=?`, id)
	return err
}

// RetryJob pushes a failed job back to runAt and counts the attempt.
func (tx *Tx) RetryJob(id string, runAt float64) error {
	res, err := tx.exec(`UPDATE jobs SET run_at=?, attempts=attempts+1 WHERE id=?`, runAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (tx *Tx) Job(id string) (Job, error) {
	var (
		j       Job
		payload string
	)
	err := tx.queryRow(`SELECT id, name, payload, run_at, attempts FROM jobs WHERE id=?`, id).Scan(&j.ID, &j.Name, &payload, &j.RunAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, err
	}
	j.Payload = json.RawMessage(payload)
	return j, nil
}
