package idem

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

func setupTestGuard(t *testing.T, retention time.Duration) (*Guard, *db.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return New(database, retention), database
}

// recordMarker commits a marker in its own transaction.
func recordMarker(t *testing.T, guard *Guard, database *db.DB, id string, seq int64) {
	t.Helper()

	ctx := context.Background()
	tx, err := database.RawDB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}
	if err := guard.RecordTx(ctx, tx, id, seq); err != nil {
		t.Fatalf("RecordTx failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func TestSeenUnknown(t *testing.T) {
	guard, _ := setupTestGuard(t, 0)

	seq, seen, err := guard.Seen(context.Background(), "never-pushed")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if seen || seq != 0 {
		t.Errorf("expected unseen, got seen=%v seq=%d", seen, seq)
	}
}

func TestRecordThenSeen(t *testing.T) {
	guard, database := setupTestGuard(t, 0)

	recordMarker(t, guard, database, "m-1", 42)

	seq, seen, err := guard.Seen(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if !seen {
		t.Fatal("expected marker to be seen")
	}
	if seq != 42 {
		t.Errorf("expected seq 42, got %d", seq)
	}
}

func TestSeenExpired(t *testing.T) {
	guard, database := setupTestGuard(t, time.Hour)

	// Backdate a marker past the retention window.
	old := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339Nano)
	_, err := database.RawDB().Exec(
		"INSERT INTO applied_mutation (mutation_id, seq, recorded_at) VALUES (?, ?, ?)",
		"m-old", 7, old,
	)
	if err != nil {
		t.Fatalf("failed to seed marker: %v", err)
	}

	_, _, err = guard.Seen(context.Background(), "m-old")
	if !errors.Is(err, syncerr.ErrMutationExpired) {
		t.Fatalf("expected ErrMutationExpired, got %v", err)
	}
}

func TestExpire(t *testing.T) {
	guard, database := setupTestGuard(t, time.Hour)
	ctx := context.Background()

	old := time.Now().Add(-3 * time.Hour).UTC().Format(time.RFC3339Nano)
	_, err := database.RawDB().Exec(
		"INSERT INTO applied_mutation (mutation_id, seq, recorded_at) VALUES (?, ?, ?)",
		"m-old", 1, old,
	)
	if err != nil {
		t.Fatalf("failed to seed marker: %v", err)
	}
	recordMarker(t, guard, database, "m-fresh", 2)

	removed, err := guard.Expire(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 expired marker, got %d", removed)
	}

	count, err := guard.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 retained marker, got %d", count)
	}

	// The fresh marker still answers.
	if _, seen, err := guard.Seen(ctx, "m-fresh"); err != nil || !seen {
		t.Errorf("fresh marker lost: seen=%v err=%v", seen, err)
	}
}

func TestDefaultRetention(t *testing.T) {
	guard, _ := setupTestGuard(t, 0)
	if guard.Retention() != DefaultRetention {
		t.Errorf("expected default retention %v, got %v", DefaultRetention, guard.Retention())
	}
}
