package store

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaygate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relaygate.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Migrations ---

func TestRunMigrations_FreshDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d failed: %v", i+1, err)
		}
	}
}

func TestGetSchemaVersion_EmptyDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Fatalf("expected version 0, got %d", version)
	}
}

// --- Whitelist ---

func TestWhitelist_AddListRemove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.AddWhitelistEntry(ctx, domain.DimensionChannel, "C1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddWhitelistEntry(ctx, domain.DimensionTeam, "T1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Duplicate insert is ignored.
	if err := s.AddWhitelistEntry(ctx, domain.DimensionChannel, "C1"); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}

	entries, err := s.ListWhitelistEntries(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Dimension != domain.DimensionChannel || entries[0].Value != "C1" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}

	removed, err := s.RemoveWhitelistEntry(ctx, domain.DimensionChannel, "C1")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	removed, err = s.RemoveWhitelistEntry(ctx, domain.DimensionChannel, "C1")
	if err != nil || removed {
		t.Fatalf("second remove should report false: removed=%v err=%v", removed, err)
	}
}

func TestWhitelist_RejectsUnknownDimension(t *testing.T) {
	s := testStore(t)
	if err := s.AddWhitelistEntry(context.Background(), "workspace", "W1"); err == nil {
		t.Fatal("expected error for unknown dimension")
	}
	if err := s.AddWhitelistEntry(context.Background(), domain.DimensionUser, ""); err == nil {
		t.Fatal("expected error for empty value")
	}
}

// --- Audit ---

func TestAudit_LogAndQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []domain.AuditEntry{
		{CorrelationID: "c1", Status: "completed", State: "cleaned_up", BackendID: "docs", Duration: 1500 * time.Millisecond},
		{CorrelationID: "c2", Status: "error", State: "rejected", ErrorCode: "unauthorized"},
		{CorrelationID: "c3", Status: "completed", State: "cleaned_up", BackendID: "sql"},
	}
	for _, e := range entries {
		if err := s.LogTask(ctx, e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	recent, err := s.RecentTasks(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].CorrelationID != "c3" || recent[1].CorrelationID != "c2" {
		t.Fatalf("unexpected recent tasks: %+v", recent)
	}
	if recent[1].ErrorCode != "unauthorized" {
		t.Fatalf("expected error code to round-trip, got %q", recent[1].ErrorCode)
	}

	counts, err := s.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["completed"] != 2 || counts["error"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestAudit_Prune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.LogTask(ctx, domain.AuditEntry{CorrelationID: "old", Status: "completed", State: "cleaned_up"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE task_audit SET created_at = ?`, time.Now().UTC().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.LogTask(ctx, domain.AuditEntry{CorrelationID: "new", Status: "completed", State: "cleaned_up"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneAudit(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
}
