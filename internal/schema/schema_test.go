package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

func TestValidateFields(t *testing.T) {
	fields := Fields{
		"title":    json.RawMessage(`"Homework 3"`),
		"due_date": json.RawMessage(`"2026-09-15"`),
	}

	if err := ValidateFields(EntityTask, fields); err != nil {
		t.Fatalf("ValidateFields failed for valid task fields: %v", err)
	}
}

func TestValidateFields_UnknownField(t *testing.T) {
	fields := Fields{
		"salary": json.RawMessage(`100`),
	}

	if err := ValidateFields(EntityTask, fields); err == nil {
		t.Error("expected error for unknown field, got nil")
	}
}

func TestValidateFields_UnknownEntity(t *testing.T) {
	err := ValidateFields(EntityType("spaceship"), Fields{})
	if !errors.Is(err, syncerr.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestValidateFields_InvalidJSON(t *testing.T) {
	fields := Fields{
		"title": json.RawMessage(`{broken`),
	}

	if err := ValidateFields(EntityNote, fields); err == nil {
		t.Error("expected error for invalid JSON value, got nil")
	}
}

func TestRecordRefValidate(t *testing.T) {
	ref := RecordRef{Type: EntityNote, ID: "note-1"}
	if err := ref.Validate(); err != nil {
		t.Fatalf("Validate failed for valid ref: %v", err)
	}

	if err := (RecordRef{Type: EntityNote}).Validate(); err == nil {
		t.Error("expected error for empty record id")
	}

	if err := (RecordRef{Type: "robot", ID: "r-1"}).Validate(); err == nil {
		t.Error("expected error for unknown entity type")
	}
}

func TestIsUndo(t *testing.T) {
	undo := Fields{"archived": json.RawMessage(`false`)}
	if !IsUndo(EntityTask, undo) {
		t.Error("archived=false should be a delete undo")
	}

	archive := Fields{"archived": json.RawMessage(`true`)}
	if IsUndo(EntityTask, archive) {
		t.Error("archived=true is not a delete undo")
	}

	plain := Fields{"title": json.RawMessage(`"x"`)}
	if IsUndo(EntityTask, plain) {
		t.Error("diff without the undo field is not a delete undo")
	}
}

func TestValidOp(t *testing.T) {
	for _, op := range []Op{OpCreate, OpUpdate, OpDelete} {
		if !ValidOp(op) {
			t.Errorf("%q should be valid", op)
		}
	}
	if ValidOp(Op("upsert")) {
		t.Error("upsert should not be a valid op")
	}
}

func TestRegistryCoversAllEntityTypes(t *testing.T) {
	for _, et := range Types() {
		fs, ok := Lookup(et)
		if !ok {
			t.Fatalf("Lookup failed for registered type %q", et)
		}
		if len(fs.Known) == 0 {
			t.Errorf("entity type %q declares no fields", et)
		}
		if fs.DeleteUndo != "" && !fs.Known[fs.DeleteUndo] {
			t.Errorf("entity type %q delete-undo field %q is not declared", et, fs.DeleteUndo)
		}
		for name := range fs.Mergeable {
			if !fs.Known[name] {
				t.Errorf("entity type %q mergeable field %q is not declared", et, name)
			}
		}
	}
}
