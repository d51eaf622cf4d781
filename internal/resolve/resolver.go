// Package resolve decides the merged outcome of mutations that arrive
// concurrently with committed changes to the same record.
//
// Resolution is deterministic: given the same record state, mutation,
// and conflicting committed entries, the same outcome is produced. The
// only ordering input is the server sequence number, which every
// participant agrees on after the fact; client timestamps are
// untrustworthy under clock skew and are never consulted.
//
// Policy is pluggable per entity type. The default policy implements
// field-level merging; grade records use a stricter policy that refuses
// to merge overlapping concurrent edits rather than risk fabricating a
// grade nobody entered.
package resolve

import (
	"github.com/stuhub/classtrack-sync/internal/changelog"
	"github.com/stuhub/classtrack-sync/internal/schema"
)

// Outcome classifies the result of resolving one mutation.
type Outcome string

const (
	// OutcomeApplied means the mutation was not in conflict and its
	// payload applies as-is.
	OutcomeApplied Outcome = "applied"

	// OutcomeMerged means the mutation was concurrent with committed
	// changes and a field-level merge was produced.
	OutcomeMerged Outcome = "merged"

	// OutcomeRejected means the mutation cannot apply; Reason says why.
	OutcomeRejected Outcome = "rejected"

	// OutcomeAlreadyApplied is produced by the session coordinator (not
	// by strategies) when the idempotency guard recognizes a replayed
	// mutation id.
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// Rejection reasons reported to clients. DuplicateCreate and
// MutationExpired are per-mutation outcomes, never session-fatal.
const (
	ReasonDuplicateCreate    = "duplicate_create"
	ReasonRecordDeleted      = "record_deleted"
	ReasonGradeConflict      = "grade_integrity_conflict"
	ReasonMutationExpired    = "mutation_expired"
	ReasonInvalidMutation    = "invalid_mutation"
	ReasonConflictUnresolved = "conflict_unresolvable"
)

// Resolution is the decided outcome for one mutation.
type Resolution struct {
	// Outcome classifies the decision.
	Outcome Outcome

	// Op is the effective operation to commit for Applied/Merged.
	Op schema.Op

	// Fields is the effective diff to commit for Applied/Merged.
	Fields schema.Fields

	// Reason explains a rejection.
	Reason string
}

// Strategy resolves one mutation against the record's current state.
//
// state carries the materialized record (Version 0 if never written),
// and concurrent holds the committed entries with seq greater than the
// mutation's base version, ascending. Strategies never return errors: a
// policy decision always yields a defined Resolution.
type Strategy interface {
	Resolve(state *changelog.RecordState, m *changelog.Mutation, concurrent []changelog.Entry) Resolution
}

// Resolver dispatches to a per-entity-type strategy.
type Resolver struct {
	strategies map[schema.EntityType]Strategy
	fallback   Strategy
}

// New creates a Resolver with the default policy for every entity type
// and the strict policy registered for grades.
func New() *Resolver {
	r := &Resolver{
		strategies: make(map[schema.EntityType]Strategy),
		fallback:   defaultStrategy{},
	}
	r.Register(schema.EntityGrade, strictStrategy{})
	return r
}

// Register installs a strategy for one entity type, replacing any
// previous registration.
func (r *Resolver) Register(t schema.EntityType, s Strategy) {
	r.strategies[t] = s
}

// Resolve dispatches the mutation to its entity type's strategy.
func (r *Resolver) Resolve(state *changelog.RecordState, m *changelog.Mutation, concurrent []changelog.Entry) Resolution {
	if s, ok := r.strategies[m.Ref.Type]; ok {
		return s.Resolve(state, m, concurrent)
	}
	return r.fallback.Resolve(state, m, concurrent)
}

// defaultStrategy implements the uniform merge policy:
//
//   - no version drift: accept as-is
//   - delete vs. update: deletion wins, unless the update flips the
//     delete-undo flag, in which case the later committer wins on the
//     designated mergeable fields
//   - update vs. update on disjoint fields: merge the union
//   - update vs. update on overlapping fields: field-level last-writer
//     wins by server sequence (the pending mutation commits after every
//     conflicting entry, so its values supersede on overlap)
//   - create vs. create on the same record id: rejected, the client
//     must re-key and resubmit
type defaultStrategy struct{}

func (defaultStrategy) Resolve(state *changelog.RecordState, m *changelog.Mutation, concurrent []changelog.Entry) Resolution {
	if m.Op == schema.OpCreate {
		if state.Version > 0 {
			return Resolution{Outcome: OutcomeRejected, Reason: ReasonDuplicateCreate}
		}
		return Resolution{Outcome: OutcomeApplied, Op: schema.OpCreate, Fields: m.Fields}
	}

	// No conflict: the client edited against the current version.
	if m.BaseVersion == state.Version {
		return Resolution{Outcome: OutcomeApplied, Op: m.Op, Fields: m.Fields}
	}

	if m.Op == schema.OpDelete {
		// Deletion wins over concurrent updates.
		return Resolution{Outcome: OutcomeApplied, Op: schema.OpDelete, Fields: m.Fields}
	}

	// Concurrent update against a record the client had not seen change.
	if state.Deleted {
		if schema.IsUndo(m.Ref.Type, m.Fields) {
			// The undo commits later than the delete, so it wins, but
			// only the designated mergeable fields carry over.
			return Resolution{
				Outcome: OutcomeMerged,
				Op:      schema.OpUpdate,
				Fields:  mergeableSubset(m.Ref.Type, m.Fields),
			}
		}
		return Resolution{Outcome: OutcomeRejected, Reason: ReasonRecordDeleted}
	}

	if overlaps(m.Fields, concurrent) {
		// Field-level last-writer-wins: this mutation receives a higher
		// sequence number than every conflicting committed entry, so its
		// values win the overlapping fields.
		return Resolution{Outcome: OutcomeMerged, Op: schema.OpUpdate, Fields: m.Fields}
	}

	// Disjoint field sets: union merge. The committed fields already
	// live in record state; the new entry carries only this diff.
	return Resolution{Outcome: OutcomeMerged, Op: schema.OpUpdate, Fields: m.Fields}
}

// strictStrategy refuses field-level merges on overlapping concurrent
// edits. Everything else follows the default policy.
type strictStrategy struct{}

func (strictStrategy) Resolve(state *changelog.RecordState, m *changelog.Mutation, concurrent []changelog.Entry) Resolution {
	if m.Op == schema.OpUpdate && m.BaseVersion != state.Version && !state.Deleted {
		if overlaps(m.Fields, concurrent) {
			return Resolution{Outcome: OutcomeRejected, Reason: ReasonGradeConflict}
		}
	}
	return defaultStrategy{}.Resolve(state, m, concurrent)
}

// overlaps reports whether the mutation touches any field also touched
// by a conflicting committed entry.
func overlaps(fields schema.Fields, concurrent []changelog.Entry) bool {
	for _, entry := range concurrent {
		if entry.Op == schema.OpDelete {
			continue
		}
		for name := range entry.Fields {
			if _, ok := fields[name]; ok {
				return true
			}
		}
	}
	return false
}

// mergeableSubset filters a diff down to the entity's mergeable fields.
func mergeableSubset(t schema.EntityType, fields schema.Fields) schema.Fields {
	fs, ok := schema.Lookup(t)
	if !ok {
		return fields
	}

	out := schema.Fields{}
	for name, value := range fields {
		if fs.Mergeable[name] {
			out[name] = value
		}
	}
	return out
}
