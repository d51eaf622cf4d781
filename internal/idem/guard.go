// Package idem implements the idempotency guard that deduplicates
// replayed pushes.
//
// Every committed mutation id is recorded with the sequence number it
// produced. A client that crashes after pushing but before receiving
// the acknowledgement can retry the identical push safely: the guard
// recognizes the id and the coordinator reports AlreadyApplied instead
// of appending a duplicate entry.
//
// Markers are retained for a bounded window rather than forever,
// trading unbounded growth for a documented re-submission deadline. A
// replay older than the window fails with syncerr.ErrMutationExpired
// and the caller must treat the change as a fresh edit against current
// state.
package idem

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

// DefaultRetention is the marker retention window used when none is
// configured.
const DefaultRetention = 30 * 24 * time.Hour

// Guard records and looks up applied mutation ids.
type Guard struct {
	db        *db.DB
	retention time.Duration
}

// New creates a Guard. A zero retention selects DefaultRetention; a
// negative retention disables expiry (markers kept indefinitely).
func New(database *db.DB, retention time.Duration) *Guard {
	if retention == 0 {
		retention = DefaultRetention
	}
	return &Guard{db: database, retention: retention}
}

// Retention returns the configured retention window.
func (g *Guard) Retention() time.Duration {
	return g.retention
}

// Seen reports whether a mutation id was already committed, returning
// the sequence number it produced.
//
// A marker older than the retention window fails with
// syncerr.ErrMutationExpired instead of answering: an expired id can no
// longer be distinguished from one whose marker was compacted away, so
// replays past the deadline are refused uniformly.
func (g *Guard) Seen(ctx context.Context, mutationID string) (int64, bool, error) {
	return g.seen(ctx, g.db.RawDB(), mutationID)
}

// SeenTx is Seen inside the caller's transaction, so duplicates within
// a single session observe markers recorded earlier in the same
// session.
func (g *Guard) SeenTx(ctx context.Context, tx *sql.Tx, mutationID string) (int64, bool, error) {
	return g.seen(ctx, tx, mutationID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (g *Guard) seen(ctx context.Context, q rowQuerier, mutationID string) (int64, bool, error) {
	var seq int64
	var recordedAt string
	err := q.QueryRowContext(ctx,
		"SELECT seq, recorded_at FROM applied_mutation WHERE mutation_id = ?",
		mutationID,
	).Scan(&seq, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, syncerr.Unavailable(err)
	}

	if g.retention > 0 {
		ts, parseErr := time.Parse(time.RFC3339Nano, recordedAt)
		if parseErr == nil && time.Since(ts) > g.retention {
			return 0, false, fmt.Errorf("%w: %s recorded %s",
				syncerr.ErrMutationExpired, mutationID, recordedAt)
		}
	}

	return seq, true, nil
}

// RecordTx writes a marker inside the caller's transaction so markers
// and their change entries commit atomically.
func (g *Guard) RecordTx(ctx context.Context, tx *sql.Tx, mutationID string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO applied_mutation (mutation_id, seq, recorded_at)
		VALUES (?, ?, ?)`,
		mutationID, seq, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return syncerr.Unavailable(err)
	}
	return nil
}

// Expire deletes markers recorded before the cutoff and returns how
// many were removed. Run periodically (syncd compact) to bound growth.
func (g *Guard) Expire(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := g.db.RawDB().ExecContext(ctx,
		"DELETE FROM applied_mutation WHERE recorded_at < ?",
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}
	return removed, nil
}

// Count returns the number of retained markers.
func (g *Guard) Count(ctx context.Context) (int64, error) {
	var count int64
	err := g.db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM applied_mutation").Scan(&count)
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}
	return count, nil
}
