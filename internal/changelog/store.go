// Package changelog implements the append-only change log store.
//
// Every accepted mutation becomes an immutable Entry with a globally
// ordered sequence number assigned by SQLite at commit time. Server
// sequence order, not client clocks, is the source of truth for change
// ordering; client logical clocks are carried only as a tie-break hint.
//
// The store also maintains record_state, the materialized fold of the
// ledger per record reference, so conflict detection can compare a
// mutation's base version against the record's current version without
// replaying the log.
package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/schema"
	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

// Entry is one immutable unit in the change log.
type Entry struct {
	// Seq is the globally ordered sequence number, assigned at commit.
	Seq int64 `json:"seq"`

	// Ref identifies the domain record this entry changes.
	Ref schema.RecordRef `json:"ref"`

	// ClientID is the originating device.
	ClientID string `json:"clientId"`

	// UserID is the originating user.
	UserID string `json:"userId"`

	// LogicalClock is the client-contributed clock value. Not trusted
	// for global ordering; tie-break hint only.
	LogicalClock int64 `json:"logicalClock"`

	// Op is the operation kind.
	Op schema.Op `json:"op"`

	// Fields holds the field diff (full snapshot for creates).
	Fields schema.Fields `json:"fields"`

	// CommittedAt is the server-assigned commit timestamp.
	CommittedAt time.Time `json:"committedAt"`
}

// Mutation is a client-submitted change awaiting reconciliation. It is
// never persisted standalone: its outcome is a new Entry or a rejection.
type Mutation struct {
	// MutationID is the client-generated identifier used for idempotency.
	MutationID string `json:"mutationId"`

	// Ref identifies the target record.
	Ref schema.RecordRef `json:"ref"`

	// BaseVersion is the record version the client believed current when
	// it made the edit.
	BaseVersion int64 `json:"baseVersion"`

	// Op is the operation kind.
	Op schema.Op `json:"op"`

	// Fields holds the field diff (full snapshot for creates).
	Fields schema.Fields `json:"fields"`

	// LogicalClock is the client's logical clock at edit time.
	LogicalClock int64 `json:"logicalClock"`
}

// Validate checks the mutation is structurally sound before resolution.
func (m *Mutation) Validate() error {
	if m.MutationID == "" {
		return fmt.Errorf("mutation id is required")
	}
	if err := m.Ref.Validate(); err != nil {
		return err
	}
	if !schema.ValidOp(m.Op) {
		return fmt.Errorf("invalid operation kind %q", m.Op)
	}
	if m.BaseVersion < 0 {
		return fmt.Errorf("base version must not be negative (got %d)", m.BaseVersion)
	}
	if m.Op != schema.OpDelete && len(m.Fields) == 0 {
		return fmt.Errorf("%s requires at least one field", m.Op)
	}
	return schema.ValidateFields(m.Ref.Type, m.Fields)
}

// RecordState is the materialized current value of one record reference.
// Version equals the seq of the last entry applied; 0 means the record
// has never been written.
type RecordState struct {
	Ref     schema.RecordRef
	Version int64
	Payload schema.Fields
	Deleted bool
}

// Store reads and writes the change log and its materialized state.
type Store struct {
	db *db.DB
}

// New creates a Store over an initialized database.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Append commits a single entry in its own transaction.
//
// expectVersion is the record version the caller read before resolving;
// if the stored version has moved on, the append fails with
// syncerr.ErrVersionRace and nothing is written.
func (s *Store) Append(ctx context.Context, entry *Entry, expectVersion int64) (int64, error) {
	tx, err := s.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}
	defer tx.Rollback()

	seq, err := s.AppendTx(ctx, tx, entry, expectVersion)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, syncerr.Unavailable(err)
	}

	return seq, nil
}

// AppendTx commits an entry inside the caller's transaction.
//
// Sequence assignment is atomic: the INSERT into change_log allocates
// the next AUTOINCREMENT value, so two concurrent appends never receive
// the same number. The record_state update is a compare-and-set against
// expectVersion; a mismatch returns syncerr.ErrVersionRace with the
// transaction still usable (nothing written for this entry).
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, entry *Entry, expectVersion int64) (int64, error) {
	current, state, err := s.state(ctx, tx, entry.Ref)
	if err != nil {
		return 0, err
	}

	if current != expectVersion {
		return 0, fmt.Errorf("%w: %s at %d, expected %d",
			syncerr.ErrVersionRace, entry.Ref, current, expectVersion)
	}

	fieldsJSON, err := json.Marshal(entry.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal fields for %s: %w", entry.Ref, err)
	}

	if entry.CommittedAt.IsZero() {
		entry.CommittedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (
			entity_type, record_id, client_id, user_id,
			logical_clock, op, fields, committed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Ref.Type,
		entry.Ref.ID,
		entry.ClientID,
		entry.UserID,
		entry.LogicalClock,
		entry.Op,
		string(fieldsJSON),
		entry.CommittedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}
	entry.Seq = seq

	if err := s.foldTx(ctx, tx, entry, state, seq); err != nil {
		return 0, err
	}

	return seq, nil
}

// foldTx applies one entry to the materialized record_state.
func (s *Store) foldTx(ctx context.Context, tx *sql.Tx, entry *Entry, prior *RecordState, seq int64) error {
	payload := schema.Fields{}
	deleted := false

	switch entry.Op {
	case schema.OpCreate:
		payload = entry.Fields.Clone()

	case schema.OpDelete:
		if prior != nil {
			payload = prior.Payload.Clone()
		}
		deleted = true

	case schema.OpUpdate:
		if prior != nil {
			payload = prior.Payload.Clone()
			deleted = prior.Deleted
		}
		for name, value := range entry.Fields {
			payload[name] = value
		}
		// An update that flips the delete-undo flag revives the record.
		if deleted && schema.IsUndo(entry.Ref.Type, entry.Fields) {
			deleted = false
		}

	default:
		return fmt.Errorf("invalid operation kind %q", entry.Op)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", entry.Ref, err)
	}

	deletedInt := 0
	if deleted {
		deletedInt = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO record_state (entity_type, record_id, version, payload, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, record_id) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			deleted = excluded.deleted`,
		entry.Ref.Type, entry.Ref.ID, seq, string(payloadJSON), deletedInt,
	)
	if err != nil {
		return syncerr.Unavailable(err)
	}

	return nil
}

// ReadSince returns up to limit entries with seq strictly greater than
// after, ordered by seq ascending. The result is restartable and
// deterministic: re-running with the same cursor after no new appends
// returns an identical slice. WAL mode guarantees a consistent prefix
// even while another session is committing.
func (s *Store) ReadSince(ctx context.Context, after int64, limit int) ([]Entry, error) {
	query := `
		SELECT seq, entity_type, record_id, client_id, user_id,
		       logical_clock, op, fields, committed_at
		FROM change_log
		WHERE seq > ?
		ORDER BY seq ASC`

	args := []interface{}{after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Unavailable(err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// EntriesForRecord returns the committed entries for one record with seq
// strictly greater than after, ordered ascending. Used by the resolver
// to inspect the changes a conflicting mutation had not yet seen.
func (s *Store) EntriesForRecord(ctx context.Context, ref schema.RecordRef, after int64) ([]Entry, error) {
	return s.entriesForRecord(ctx, s.db.RawDB(), ref, after)
}

// EntriesForRecordTx is EntriesForRecord inside the caller's transaction.
func (s *Store) EntriesForRecordTx(ctx context.Context, tx *sql.Tx, ref schema.RecordRef, after int64) ([]Entry, error) {
	return s.entriesForRecord(ctx, tx, ref, after)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) entriesForRecord(ctx context.Context, q querier, ref schema.RecordRef, after int64) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, entity_type, record_id, client_id, user_id,
		       logical_clock, op, fields, committed_at
		FROM change_log
		WHERE entity_type = ? AND record_id = ? AND seq > ?
		ORDER BY seq ASC`,
		ref.Type, ref.ID, after,
	)
	if err != nil {
		return nil, syncerr.Unavailable(err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// CurrentVersion returns the record's current version (seq of the last
// applied entry), or 0 if the record has never been written.
func (s *Store) CurrentVersion(ctx context.Context, ref schema.RecordRef) (int64, error) {
	version, _, err := s.state(ctx, s.db.RawDB(), ref)
	return version, err
}

// State returns the materialized current state of a record. A record
// that has never been written yields Version 0 with an empty payload.
func (s *Store) State(ctx context.Context, ref schema.RecordRef) (*RecordState, error) {
	_, state, err := s.state(ctx, s.db.RawDB(), ref)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &RecordState{Ref: ref, Payload: schema.Fields{}}, nil
	}
	return state, nil
}

// StateTx is State inside the caller's transaction.
func (s *Store) StateTx(ctx context.Context, tx *sql.Tx, ref schema.RecordRef) (*RecordState, error) {
	_, state, err := s.state(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &RecordState{Ref: ref, Payload: schema.Fields{}}, nil
	}
	return state, nil
}

func (s *Store) state(ctx context.Context, q querier, ref schema.RecordRef) (int64, *RecordState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT version, payload, deleted
		FROM record_state
		WHERE entity_type = ? AND record_id = ?`,
		ref.Type, ref.ID,
	)

	var version int64
	var payloadJSON string
	var deleted int
	err := row.Scan(&version, &payloadJSON, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, syncerr.Unavailable(err)
	}

	payload := schema.Fields{}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal payload for %s: %w", ref, err)
	}

	return version, &RecordState{
		Ref:     ref,
		Version: version,
		Payload: payload,
		Deleted: deleted != 0,
	}, nil
}

// MaxSeq returns the highest committed sequence number, or 0 for an
// empty log.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.RawDB().QueryRowContext(ctx,
		"SELECT MAX(seq) FROM change_log").Scan(&max)
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// Count returns the total number of log entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM change_log").Scan(&count)
	if err != nil {
		return 0, syncerr.Unavailable(err)
	}
	return count, nil
}

// scanEntries is a helper to scan multiple entries from query results.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry

	for rows.Next() {
		var e Entry
		var fieldsJSON, committedAt string

		err := rows.Scan(
			&e.Seq,
			&e.Ref.Type,
			&e.Ref.ID,
			&e.ClientID,
			&e.UserID,
			&e.LogicalClock,
			&e.Op,
			&fieldsJSON,
			&committedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change entry: %w", err)
		}

		e.Fields = schema.Fields{}
		if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields for seq %d: %w", e.Seq, err)
		}

		ts, err := time.Parse(time.RFC3339Nano, committedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse committed_at for seq %d: %w", e.Seq, err)
		}
		e.CommittedAt = ts

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change entries: %w", err)
	}

	return entries, nil
}
