// Package schema defines the entity types the sync engine tracks and the
// explicit per-type field sets used for field-level conflict resolution.
//
// Payloads are deliberately not free-form: every entity type declares the
// exact fields it carries, which fields participate in merges, and which
// field acts as the delete-undo flag. This keeps the merge logic in
// internal/resolve exhaustive instead of reflective.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

// EntityType identifies a domain record family. The sync engine does not
// know the business rules behind these, only their field shape.
type EntityType string

const (
	EntityClass         EntityType = "class"
	EntityCourse        EntityType = "course"
	EntityTask          EntityType = "task"
	EntityNote          EntityType = "note"
	EntityFile          EntityType = "file"
	EntityGrade         EntityType = "grade"
	EntityCalendarEvent EntityType = "calendar_event"
)

// Op is the kind of change a mutation or log entry carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ValidOp reports whether op is one of create/update/delete.
func ValidOp(op Op) bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// RecordRef identifies a tracked domain object by (entity-type, record-id).
type RecordRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// Validate checks the ref names a known entity type and a non-empty id.
func (r RecordRef) Validate() error {
	if _, ok := Lookup(r.Type); !ok {
		return fmt.Errorf("%w: %q", syncerr.ErrUnknownEntity, r.Type)
	}
	if r.ID == "" {
		return fmt.Errorf("record id is required")
	}
	return nil
}

// String returns the canonical "type/id" form used in logs.
func (r RecordRef) String() string {
	return string(r.Type) + "/" + r.ID
}

// Fields is a field-level diff: changed field name to its new JSON value.
// For creates it holds the full initial snapshot.
type Fields map[string]json.RawMessage

// Names returns the field names present in the diff.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	return names
}

// Clone returns a shallow copy of the diff.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// FieldSet declares the shape of one entity type.
type FieldSet struct {
	// Known lists every field the entity type may carry.
	Known map[string]bool

	// Mergeable lists fields eligible for field-level last-writer-wins
	// when resolving against a concurrent delete.
	Mergeable map[string]bool

	// DeleteUndo is the boolean field that, when set to false by an
	// update, revives a deleted record.
	DeleteUndo string
}

// registry maps each entity type to its declared field set. Adding an
// entity type here is the only step needed for the resolver to merge it.
var registry = map[EntityType]FieldSet{
	EntityClass: {
		Known:      fieldNames("name", "subject", "room", "teacher", "color", "schedule", "archived"),
		Mergeable:  fieldNames("name", "room", "color", "archived"),
		DeleteUndo: "archived",
	},
	EntityCourse: {
		Known:      fieldNames("title", "code", "description", "credits", "term", "archived"),
		Mergeable:  fieldNames("title", "description", "archived"),
		DeleteUndo: "archived",
	},
	EntityTask: {
		Known:      fieldNames("title", "details", "due_date", "status", "priority", "course_id", "completed_at", "archived"),
		Mergeable:  fieldNames("title", "details", "due_date", "status", "priority", "completed_at", "archived"),
		DeleteUndo: "archived",
	},
	EntityNote: {
		Known:      fieldNames("title", "body", "course_id", "pinned", "archived"),
		Mergeable:  fieldNames("title", "body", "pinned", "archived"),
		DeleteUndo: "archived",
	},
	EntityFile: {
		Known:      fieldNames("name", "path", "size", "mime_type", "course_id", "archived"),
		Mergeable:  fieldNames("name", "archived"),
		DeleteUndo: "archived",
	},
	EntityGrade: {
		Known:      fieldNames("score", "max_score", "weight", "graded_at", "comment", "course_id", "archived"),
		Mergeable:  fieldNames("comment", "archived"),
		DeleteUndo: "archived",
	},
	EntityCalendarEvent: {
		Known:      fieldNames("title", "starts_at", "ends_at", "location", "notes", "course_id", "archived"),
		Mergeable:  fieldNames("title", "starts_at", "ends_at", "location", "notes", "archived"),
		DeleteUndo: "archived",
	},
}

// Lookup returns the field set for an entity type.
func Lookup(t EntityType) (FieldSet, bool) {
	fs, ok := registry[t]
	return fs, ok
}

// Types returns all registered entity types.
func Types() []EntityType {
	types := make([]EntityType, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}

// ValidateFields checks that every field in the diff is declared for the
// entity type and carries valid JSON. An empty diff is rejected for
// create and update operations by the caller, not here.
func ValidateFields(t EntityType, fields Fields) error {
	fs, ok := Lookup(t)
	if !ok {
		return fmt.Errorf("%w: %q", syncerr.ErrUnknownEntity, t)
	}

	for name, value := range fields {
		if !fs.Known[name] {
			return fmt.Errorf("unknown field %q for entity type %q", name, t)
		}
		if !json.Valid(value) {
			return fmt.Errorf("field %q carries invalid JSON", name)
		}
	}

	return nil
}

// IsUndo reports whether an update diff revives a deleted record: the
// entity's delete-undo field is present and set to JSON false.
func IsUndo(t EntityType, fields Fields) bool {
	fs, ok := Lookup(t)
	if !ok || fs.DeleteUndo == "" {
		return false
	}

	value, present := fields[fs.DeleteUndo]
	if !present {
		return false
	}

	return bytes.Equal(bytes.TrimSpace(value), []byte("false"))
}

func fieldNames(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}
