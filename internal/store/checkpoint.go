package store

import (
	"database/sql"
	"errors"
	"time"
)

// Checkpoint keys.
const (
	CheckpointLastSnapshot = "last_snapshot_at"
)

// SetCheckpoint records a sync checkpoint value for the owner.
func (db *DB) SetCheckpoint(ownerID, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (owner_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ownerID, key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint returns a sync checkpoint value; ok is false when unset.
func (db *DB) Checkpoint(ownerID, key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM sync_state WHERE owner_id = ? AND key = ?`, ownerID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
