package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// LeaseGeneration returns the stored generation of an agent lease. ok is
// false when no lease row exists yet.
func (tx *Tx) LeaseGeneration(worldID, playerID string) (gen int64, ok bool, err error) {
	err = tx.queryRow(`SELECT generation FROM agent_leases WHERE world_id=? AND player_id=?`, worldID, playerID).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lease %q: %w", playerID, err)
	}
	return gen, true, nil
}

func (tx *Tx) PutLease(worldID, playerID string, gen int64) error {
	_, err := tx.exec(`INSERT INTO agent_leases (world_id, player_id, generation) VALUES (?,?,?)
		ON CONFLICT(world_id, player_id) DO UPDATE SET generation=excluded.generation`, worldID, playerID, gen)
	if err != nil {
		return fmt.Errorf("put lease %q: %w", playerID, err)
	}
	return nil
}
