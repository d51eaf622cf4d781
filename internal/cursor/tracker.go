// Package cursor tracks, per client, the highest change-log sequence
// number the client has fully received and acknowledged.
//
// The cursor is a scalar per client (the log is globally ordered by
// server sequence), monotonically non-decreasing, and only advanced by
// the session coordinator after the pulled batch is durably committed.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

// Tracker stores client acknowledgement cursors.
type Tracker struct {
	db *db.DB
}

// New creates a Tracker over an initialized database.
func New(database *db.DB) *Tracker {
	return &Tracker{db: database}
}

// LastAcked returns the client's acknowledged sequence number, or 0 if
// the client has never synced.
func (t *Tracker) LastAcked(ctx context.Context, clientID string) (int64, error) {
	var acked int64
	err := t.db.RawDB().QueryRowContext(ctx,
		"SELECT acked_seq FROM client_cursor WHERE client_id = ?",
		clientID,
	).Scan(&acked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}
	return acked, nil
}

// Advance moves the client's cursor to seq.
//
// Advancing to the current value is a no-op. Moving backwards fails with
// syncerr.ErrNonMonotonic: a client reporting a stale position signals a
// replay or clock issue, and silently accepting it would cause future
// deltas to be skipped.
func (t *Tracker) Advance(ctx context.Context, clientID string, seq int64) error {
	if seq < 0 {
		return fmt.Errorf("%w: cursor %d for client %s", syncerr.ErrNonMonotonic, seq, clientID)
	}

	res, err := t.db.RawDB().ExecContext(ctx, `
		INSERT INTO client_cursor (client_id, acked_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			acked_seq = excluded.acked_seq,
			updated_at = excluded.updated_at
		WHERE excluded.acked_seq >= client_cursor.acked_seq`,
		clientID, seq, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return syncerr.Unavailable(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return syncerr.Unavailable(err)
	}

	if affected == 0 {
		stored, lookupErr := t.LastAcked(ctx, clientID)
		if lookupErr != nil {
			return lookupErr
		}
		return fmt.Errorf("%w: client %s at %d, refused %d",
			syncerr.ErrNonMonotonic, clientID, stored, seq)
	}

	return nil
}

// ClientCursor is one client's acknowledgement position.
type ClientCursor struct {
	ClientID  string
	AckedSeq  int64
	UpdatedAt time.Time
}

// Clients returns every known client cursor, ordered by client id.
func (t *Tracker) Clients(ctx context.Context) ([]ClientCursor, error) {
	rows, err := t.db.RawDB().QueryContext(ctx, `
		SELECT client_id, acked_seq, updated_at
		FROM client_cursor
		ORDER BY client_id ASC`)
	if err != nil {
		return nil, syncerr.Unavailable(err)
	}
	defer rows.Close()

	var cursors []ClientCursor
	for rows.Next() {
		var c ClientCursor
		var updatedAt string
		if err := rows.Scan(&c.ClientID, &c.AckedSeq, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan client cursor: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at for client %s: %w", c.ClientID, err)
		}
		c.UpdatedAt = ts
		cursors = append(cursors, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating client cursors: %w", err)
	}

	return cursors, nil
}
