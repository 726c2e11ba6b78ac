package store

import (
	"fmt"
	"time"
)

// CallRecord is one finished call in the call log.
type CallRecord struct {
	CallID      string
	Kind        string
	Direction   string // outgoing, incoming
	PeerID      string
	EndReason   string
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

// Duration is the connected time, zero if the call never went active.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// InsertCall appends a finished call to the owner's call log.
func (db *DB) InsertCall(ownerID string, r CallRecord) error {
	_, err := db.Exec(`
		INSERT INTO call_log (owner_id, call_id, kind, direction, peer_id, end_reason, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ownerID, r.CallID, r.Kind, r.Direction, r.PeerID, r.EndReason,
		toMillis(r.StartedAt), toMillis(r.ConnectedAt), toMillis(r.EndedAt))
	if err != nil {
		return fmt.Errorf("insert call %s: %w", r.CallID, err)
	}
	return nil
}

// ListCalls returns the owner's most recent calls first.
func (db *DB) ListCalls(ownerID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT call_id, kind, direction, peer_id, end_reason, started_at, connected_at, ended_at
		FROM call_log WHERE owner_id = ?
		ORDER BY ended_at DESC, seq DESC
		LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		var started, connected, ended int64
		if err := rows.Scan(&r.CallID, &r.Kind, &r.Direction, &r.PeerID, &r.EndReason, &started, &connected, &ended); err != nil {
			return nil, err
		}
		r.StartedAt, r.ConnectedAt, r.EndedAt = fromMillis(started), fromMillis(connected), fromMillis(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}
