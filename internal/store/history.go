package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PutHistory replaces the packed movement history of one player with the
// buffer recorded during the step ending at stepTs.
func (tx *Tx) PutHistory(worldID, playerID string, stepTs float64, packed []byte) error {
	_, err := tx.exec(`INSERT INTO position_history (world_id, player_id, step_ts, data) VALUES (?,?,?,?)
		ON CONFLICT(world_id, player_id) DO UPDATE SET step_ts=excluded.step_ts, data=excluded.data`,
		worldID, playerID, stepTs, packed)
	if err != nil {
		return fmt.Errorf("put history %q: %w", playerID, err)
	}
	return nil
}

// LatestHistory returns the most recently stored packed buffer of a player.
func (tx *Tx) LatestHistory(worldID, playerID string) (stepTs float64, packed []byte, err error) {
	err = tx.queryRow(`SELECT step_ts, data FROM position_history WHERE world_id=? AND player_id=?`, worldID, playerID).Scan(&stepTs, &packed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("history %q: %w", playerID, ErrNotFound)
	}
	return stepTs, packed, err
}
