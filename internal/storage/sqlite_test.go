package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "audit.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"task_audit", "insight_audit", "ack_audit"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestAuditStoreTaskLifecycle(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "audit.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewAuditStore(db)
	ctx := context.Background()
	created := time.Now().UTC()

	if err := store.RecordTask(ctx, "t-1", "chest pain, 54yo", []string{"hosp-a", "hosp-b"}, created); err != nil {
		t.Fatalf("RecordTask: %v", err)
	}
	if err := store.UpdateTaskStatus(ctx, "t-1", "delivered", nil); err != nil {
		t.Fatalf("UpdateTaskStatus delivered: %v", err)
	}
	if err := store.RecordInsight(ctx, "t-1", "hosp-a", json.RawMessage(`{"condition":"angina"}`), 0.91, created); err != nil {
		t.Fatalf("RecordInsight: %v", err)
	}
	// Replays are harmless.
	if err := store.RecordInsight(ctx, "t-1", "hosp-a", json.RawMessage(`{"condition":"other"}`), 0.1, created); err != nil {
		t.Fatalf("RecordInsight replay: %v", err)
	}
	if err := store.RecordAck(ctx, "t-1", "hosp-a", created); err != nil {
		t.Fatalf("RecordAck: %v", err)
	}
	settled := created.Add(time.Second)
	if err := store.UpdateTaskStatus(ctx, "t-1", "acknowledged", &settled); err != nil {
		t.Fatalf("UpdateTaskStatus acknowledged: %v", err)
	}

	row, err := store.Task(ctx, "t-1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if row == nil {
		t.Fatal("expected audit row")
	}
	if row.Status != "acknowledged" {
		t.Fatalf("expected status acknowledged, got %q", row.Status)
	}
	if len(row.TargetClients) != 2 || row.TargetClients[0] != "hosp-a" {
		t.Fatalf("unexpected targets: %#v", row.TargetClients)
	}
	if row.SettledAt == nil {
		t.Fatal("expected settled_at to be recorded")
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM insight_audit WHERE task_id = 't-1';").Scan(&count); err != nil {
		t.Fatalf("count insights: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 insight audit row, got %d", count)
	}

	missing, err := store.Task(ctx, "nope")
	if err != nil {
		t.Fatalf("Task missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown task, got %#v", missing)
	}
}
