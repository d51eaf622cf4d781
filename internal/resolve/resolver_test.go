package resolve

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stuhub/classtrack-sync/internal/changelog"
	"github.com/stuhub/classtrack-sync/internal/schema"
)

func fields(pairs ...string) schema.Fields {
	f := schema.Fields{}
	for i := 0; i+1 < len(pairs); i += 2 {
		f[pairs[i]] = json.RawMessage(pairs[i+1])
	}
	return f
}

func taskState(version int64, deleted bool, payload schema.Fields) *changelog.RecordState {
	if payload == nil {
		payload = schema.Fields{}
	}
	return &changelog.RecordState{
		Ref:     schema.RecordRef{Type: schema.EntityTask, ID: "t-1"},
		Version: version,
		Payload: payload,
		Deleted: deleted,
	}
}

func taskMutation(op schema.Op, base int64, f schema.Fields) *changelog.Mutation {
	return &changelog.Mutation{
		MutationID:  "m-1",
		Ref:         schema.RecordRef{Type: schema.EntityTask, ID: "t-1"},
		BaseVersion: base,
		Op:          op,
		Fields:      f,
	}
}

func committedUpdate(seq int64, f schema.Fields) changelog.Entry {
	return changelog.Entry{
		Seq:    seq,
		Ref:    schema.RecordRef{Type: schema.EntityTask, ID: "t-1"},
		Op:     schema.OpUpdate,
		Fields: f,
	}
}

func TestResolveNoConflict(t *testing.T) {
	r := New()

	state := taskState(10, false, fields("title", `"a"`))
	m := taskMutation(schema.OpUpdate, 10, fields("title", `"b"`))

	res := r.Resolve(state, m, nil)
	if res.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%s)", res.Outcome, res.Reason)
	}
	if string(res.Fields["title"]) != `"b"` {
		t.Errorf("payload not applied as-is: %s", res.Fields["title"])
	}
}

func TestResolveCreateFresh(t *testing.T) {
	r := New()

	res := r.Resolve(taskState(0, false, nil),
		taskMutation(schema.OpCreate, 0, fields("title", `"new"`)), nil)
	if res.Outcome != OutcomeApplied || res.Op != schema.OpCreate {
		t.Fatalf("expected applied create, got %s/%s", res.Outcome, res.Op)
	}
}

func TestResolveDuplicateCreate(t *testing.T) {
	r := New()

	state := taskState(5, false, fields("title", `"existing"`))
	res := r.Resolve(state, taskMutation(schema.OpCreate, 0, fields("title", `"again"`)), nil)

	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", res.Outcome)
	}
	if res.Reason != ReasonDuplicateCreate {
		t.Errorf("expected reason %s, got %s", ReasonDuplicateCreate, res.Reason)
	}
}

func TestResolveDeleteWins(t *testing.T) {
	r := New()

	// Concurrent update committed at seq 11; client deletes from base 10.
	state := taskState(11, false, fields("title", `"a"`, "status", `"open"`))
	m := taskMutation(schema.OpDelete, 10, nil)

	res := r.Resolve(state, m, []changelog.Entry{committedUpdate(11, fields("status", `"open"`))})
	if res.Outcome != OutcomeApplied || res.Op != schema.OpDelete {
		t.Fatalf("deletion should win: got %s/%s (%s)", res.Outcome, res.Op, res.Reason)
	}
}

func TestResolveUpdateAgainstDeletedRecord(t *testing.T) {
	r := New()

	state := taskState(11, true, fields("title", `"a"`))
	m := taskMutation(schema.OpUpdate, 10, fields("status", `"done"`))

	res := r.Resolve(state, m, nil)
	if res.Outcome != OutcomeRejected || res.Reason != ReasonRecordDeleted {
		t.Fatalf("update against deleted record should lose: %s (%s)", res.Outcome, res.Reason)
	}
}

func TestResolveUndoRevivesDeletedRecord(t *testing.T) {
	r := New()

	state := taskState(11, true, fields("title", `"a"`))
	m := taskMutation(schema.OpUpdate, 10, fields("archived", `false`, "title", `"back"`))

	res := r.Resolve(state, m, nil)
	if res.Outcome != OutcomeMerged {
		t.Fatalf("undo should merge, got %s (%s)", res.Outcome, res.Reason)
	}
	// Only mergeable fields carry over; both archived and title are
	// mergeable for tasks.
	if string(res.Fields["archived"]) != `false` {
		t.Errorf("undo flag lost: %s", res.Fields["archived"])
	}
	if string(res.Fields["title"]) != `"back"` {
		t.Errorf("mergeable field lost: %s", res.Fields["title"])
	}
}

func TestResolveDisjointFieldsMerged(t *testing.T) {
	r := New()

	state := taskState(11, false, fields("title", `"new title"`))
	m := taskMutation(schema.OpUpdate, 10, fields("due_date", `"2026-09-20"`))

	res := r.Resolve(state, m, []changelog.Entry{committedUpdate(11, fields("title", `"new title"`))})
	if res.Outcome != OutcomeMerged {
		t.Fatalf("disjoint update should merge, got %s (%s)", res.Outcome, res.Reason)
	}
	if string(res.Fields["due_date"]) != `"2026-09-20"` {
		t.Errorf("merged diff lost the new field: %s", res.Fields["due_date"])
	}
}

func TestResolveOverlappingFieldsLastWriterWins(t *testing.T) {
	r := New()

	state := taskState(11, false, fields("title", `"theirs"`))
	m := taskMutation(schema.OpUpdate, 10, fields("title", `"mine"`))

	res := r.Resolve(state, m, []changelog.Entry{committedUpdate(11, fields("title", `"theirs"`))})
	if res.Outcome != OutcomeMerged {
		t.Fatalf("overlapping update should merge, got %s (%s)", res.Outcome, res.Reason)
	}
	// The pending mutation commits with the higher sequence number, so
	// its value wins the overlapping field.
	if string(res.Fields["title"]) != `"mine"` {
		t.Errorf("last writer should win: %s", res.Fields["title"])
	}
}

func TestResolveGradeOverlapRejected(t *testing.T) {
	r := New()

	ref := schema.RecordRef{Type: schema.EntityGrade, ID: "g-1"}
	state := &changelog.RecordState{
		Ref:     ref,
		Version: 11,
		Payload: fields("score", `88`),
	}
	m := &changelog.Mutation{
		MutationID:  "m-1",
		Ref:         ref,
		BaseVersion: 10,
		Op:          schema.OpUpdate,
		Fields:      fields("score", `95`),
	}
	concurrent := []changelog.Entry{{
		Seq:    11,
		Ref:    ref,
		Op:     schema.OpUpdate,
		Fields: fields("score", `88`),
	}}

	res := r.Resolve(state, m, concurrent)
	if res.Outcome != OutcomeRejected || res.Reason != ReasonGradeConflict {
		t.Fatalf("concurrent overlapping grade edit should be rejected: %s (%s)", res.Outcome, res.Reason)
	}

	// Disjoint grade edits still merge.
	m2 := &changelog.Mutation{
		MutationID:  "m-2",
		Ref:         ref,
		BaseVersion: 10,
		Op:          schema.OpUpdate,
		Fields:      fields("comment", `"great work"`),
	}
	res2 := r.Resolve(state, m2, concurrent)
	if res2.Outcome != OutcomeMerged {
		t.Errorf("disjoint grade edit should merge, got %s (%s)", res2.Outcome, res2.Reason)
	}
}

func TestResolveDeterministic(t *testing.T) {
	r := New()

	state := taskState(11, false, fields("title", `"a"`, "status", `"open"`))
	m := taskMutation(schema.OpUpdate, 10, fields("status", `"done"`))
	concurrent := []changelog.Entry{committedUpdate(11, fields("title", `"a"`))}

	first := r.Resolve(state, m, concurrent)
	for i := 0; i < 10; i++ {
		again := r.Resolve(state, m, concurrent)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution not deterministic: %+v vs %+v", first, again)
		}
	}
}
