// Package session orchestrates one sync exchange end-to-end: pull the
// server delta, dedupe and resolve the client's pushed mutations,
// commit accepted changes atomically, and advance the client's cursor.
//
// The session owns the transaction boundary. All new change entries and
// idempotency markers for a session commit in a single transaction; a
// storage failure during commit aborts the whole session with no
// partial effect, and the client can retry the identical push because
// the idempotency guard recognizes already-committed mutation ids.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/stuhub/classtrack-sync/internal/changelog"
	"github.com/stuhub/classtrack-sync/internal/cursor"
	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/idem"
	"github.com/stuhub/classtrack-sync/internal/resolve"
	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

// Config tunes the coordinator.
type Config struct {
	// MaxRaceRetries bounds how often a mutation is re-resolved after a
	// version race before it is reported unresolvable (default: 3).
	MaxRaceRetries int

	// PullLimit caps the delta returned per session (default: 500). A
	// truncated delta advances the cursor only to the last returned
	// entry so the client resumes from there.
	PullLimit int
}

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.MaxRaceRetries <= 0 {
		c.MaxRaceRetries = 3
	}
	if c.PullLimit <= 0 {
		c.PullLimit = 500
	}
	return c
}

// Request is one client-initiated sync exchange.
//
// ClientID and UserID come from the identity registry: the API layer
// resolves the device token before building the request, and the engine
// trusts that mapping.
type Request struct {
	ClientID     string               `json:"clientId"`
	UserID       string               `json:"userId"`
	LastKnownSeq int64                `json:"lastKnownSeq"`
	Mutations    []changelog.Mutation `json:"mutations"`
}

// MutationOutcome reports the per-mutation result of a session.
type MutationOutcome struct {
	MutationID string          `json:"mutationId"`
	Outcome    resolve.Outcome `json:"outcome"`

	// Seq is the committed sequence number for applied, merged, and
	// already-applied mutations.
	Seq int64 `json:"seq,omitempty"`

	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`
}

// Result is the server's answer to one session.
type Result struct {
	// Delta holds the entries the client is missing, ascending by seq.
	// It is captured before this session's own appends, so a session
	// never echoes back changes it just created to the same client.
	Delta []changelog.Entry `json:"delta"`

	// Outcomes reports each pushed mutation individually so the client
	// can react per record.
	Outcomes []MutationOutcome `json:"outcomes"`

	// NewAckSeq is the cursor position the server recorded for the
	// client after this session.
	NewAckSeq int64 `json:"newSeq"`
}

// Coordinator runs sync sessions against a shared database.
type Coordinator struct {
	db       *db.DB
	store    *changelog.Store
	cursors  *cursor.Tracker
	guard    *idem.Guard
	resolver *resolve.Resolver
	logger   *log.Logger
	cfg      Config
}

// New creates a Coordinator over an initialized database.
//
// If logger is nil, a default logger writing to stderr is used.
// retention is the idempotency marker window (zero selects the default,
// see idem.New).
func New(database *db.DB, logger *log.Logger, cfg Config, retention time.Duration) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Coordinator{
		db:       database,
		store:    changelog.New(database),
		cursors:  cursor.New(database),
		guard:    idem.New(database, retention),
		resolver: resolve.New(),
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Log exposes the change log store (status queries, tests).
func (c *Coordinator) Log() *changelog.Store { return c.store }

// Cursors exposes the cursor tracker.
func (c *Coordinator) Cursors() *cursor.Tracker { return c.cursors }

// Guard exposes the idempotency guard.
func (c *Coordinator) Guard() *idem.Guard { return c.guard }

// RunSession performs one pull/push exchange for a client.
//
// Steps:
//  1. Validate the client's cursor against the log's max sequence.
//  2. Capture the delta from lastKnownSeq+1 up to the session-start max.
//  3. Dedupe each pushed mutation against the idempotency guard, then
//     resolve it against current record state and append the outcome,
//     all inside one transaction.
//  4. Commit; only then advance the client's cursor.
//
// A cursor beyond the log's max fails with syncerr.ErrInvalidCursor and
// the client must resync from scratch. Per-mutation failures (duplicate
// create, expired replay, unresolvable conflict) are reported in the
// outcomes and never abort the session.
func (c *Coordinator) RunSession(ctx context.Context, req *Request) (*Result, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}

	startMax, err := c.store.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}

	if req.LastKnownSeq < 0 || req.LastKnownSeq > startMax {
		return nil, fmt.Errorf("%w: client %s reports %d, log max is %d",
			syncerr.ErrInvalidCursor, req.ClientID, req.LastKnownSeq, startMax)
	}

	acked, err := c.cursors.LastAcked(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if req.LastKnownSeq < acked {
		// Behind its own ack: a previous pull was partially applied.
		// Allowed; the delta simply restarts from the reported position.
		c.logger.Printf("client %s resuming from %d (acked %d)",
			req.ClientID, req.LastKnownSeq, acked)
	}

	// Pull: capture the delta before any of this session's own appends.
	delta, err := c.store.ReadSince(ctx, req.LastKnownSeq, c.cfg.PullLimit)
	if err != nil {
		return nil, err
	}

	// newAck ends at the delta's last entry. A truncated delta must not
	// advance past what the client actually receives.
	newAck := req.LastKnownSeq
	if n := len(delta); n > 0 {
		newAck = delta[n-1].Seq
	} else {
		newAck = startMax
	}
	fullPull := newAck == startMax

	// Push: resolve and commit mutations in a single transaction.
	outcomes, appended, err := c.applyMutations(ctx, req)
	if err != nil {
		return nil, err
	}

	// The client already holds its own accepted changes, so the cursor
	// may skip past them, but only while the appended run is contiguous
	// with the delta end. A foreign entry committed in between must
	// still be delivered.
	if fullPull {
		next := newAck + 1
		for _, seq := range appended {
			if seq != next {
				break
			}
			newAck = seq
			next++
		}
	}

	// A client behind its stored ack (resuming a partial pull) can land
	// below the cursor when the delta is truncated. The stored position
	// only ever moves forward; the client still gets its delta and
	// outcomes, and resumes from NewAckSeq next session.
	if newAck > acked {
		if err := c.cursors.Advance(ctx, req.ClientID, newAck); err != nil {
			c.logger.Printf("cursor advance failed for client %s: %v", req.ClientID, err)
			return nil, err
		}
	}

	return &Result{
		Delta:     delta,
		Outcomes:  outcomes,
		NewAckSeq: newAck,
	}, nil
}

// applyMutations runs every pushed mutation through the guard and the
// resolver, appending accepted outcomes inside one transaction.
// Returns the per-mutation outcomes and the appended sequence numbers
// in commit order.
func (c *Coordinator) applyMutations(ctx context.Context, req *Request) ([]MutationOutcome, []int64, error) {
	outcomes := make([]MutationOutcome, 0, len(req.Mutations))
	if len(req.Mutations) == 0 {
		return outcomes, nil, nil
	}

	tx, err := c.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, syncerr.Unavailable(err)
	}
	defer tx.Rollback()

	var appended []int64

	for i := range req.Mutations {
		m := &req.Mutations[i]

		// Idempotency: replayed ids short-circuit before resolution.
		seq, seen, err := c.guard.SeenTx(ctx, tx, m.MutationID)
		if errors.Is(err, syncerr.ErrMutationExpired) {
			outcomes = append(outcomes, MutationOutcome{
				MutationID: m.MutationID,
				Outcome:    resolve.OutcomeRejected,
				Reason:     resolve.ReasonMutationExpired,
			})
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if seen {
			outcomes = append(outcomes, MutationOutcome{
				MutationID: m.MutationID,
				Outcome:    resolve.OutcomeAlreadyApplied,
				Seq:        seq,
			})
			continue
		}

		if err := m.Validate(); err != nil {
			outcomes = append(outcomes, MutationOutcome{
				MutationID: m.MutationID,
				Outcome:    resolve.OutcomeRejected,
				Reason:     fmt.Sprintf("%s: %v", resolve.ReasonInvalidMutation, err),
			})
			continue
		}

		outcome, newSeq, err := c.resolveAndAppend(ctx, tx, req, m)
		if err != nil {
			return nil, nil, err
		}
		if newSeq > 0 {
			if err := c.guard.RecordTx(ctx, tx, m.MutationID, newSeq); err != nil {
				return nil, nil, err
			}
			appended = append(appended, newSeq)
		}
		outcomes = append(outcomes, outcome)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, syncerr.Unavailable(err)
	}

	return outcomes, appended, nil
}

// resolveAndAppend resolves one mutation against fresh record state and
// appends the decided entry. A version race re-reads the state and
// re-runs resolution, up to the configured bound, before reporting the
// mutation unresolvable.
func (c *Coordinator) resolveAndAppend(ctx context.Context, tx *sql.Tx, req *Request, m *changelog.Mutation) (MutationOutcome, int64, error) {
	for attempt := 0; attempt < c.cfg.MaxRaceRetries; attempt++ {
		state, err := c.store.StateTx(ctx, tx, m.Ref)
		if err != nil {
			return MutationOutcome{}, 0, err
		}

		concurrent, err := c.store.EntriesForRecordTx(ctx, tx, m.Ref, m.BaseVersion)
		if err != nil {
			return MutationOutcome{}, 0, err
		}

		res := c.resolver.Resolve(state, m, concurrent)
		if res.Outcome == resolve.OutcomeRejected {
			return MutationOutcome{
				MutationID: m.MutationID,
				Outcome:    resolve.OutcomeRejected,
				Reason:     res.Reason,
			}, 0, nil
		}

		entry := &changelog.Entry{
			Ref:          m.Ref,
			ClientID:     req.ClientID,
			UserID:       req.UserID,
			LogicalClock: m.LogicalClock,
			Op:           res.Op,
			Fields:       res.Fields,
		}

		seq, err := c.store.AppendTx(ctx, tx, entry, state.Version)
		if errors.Is(err, syncerr.ErrVersionRace) {
			c.logger.Printf("version race on %s (attempt %d), re-resolving", m.Ref, attempt+1)
			continue
		}
		if err != nil {
			return MutationOutcome{}, 0, err
		}

		return MutationOutcome{
			MutationID: m.MutationID,
			Outcome:    res.Outcome,
			Seq:        seq,
		}, seq, nil
	}

	return MutationOutcome{
		MutationID: m.MutationID,
		Outcome:    resolve.OutcomeRejected,
		Reason:     resolve.ReasonConflictUnresolved,
	}, 0, nil
}
