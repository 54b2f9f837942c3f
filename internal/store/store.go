// Package store persists the gateway's operational data in SQLite: the
// primary whitelist source and the task audit trail.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relaygate/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the whitelist source and audit logger on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// --- Whitelist ---

// validDimension reports whether dim is a known whitelist dimension.
func validDimension(dim string) bool {
	switch dim {
	case domain.DimensionTeam, domain.DimensionUser, domain.DimensionChannel:
		return true
	}
	return false
}

func (s *SQLiteStore) AddWhitelistEntry(ctx context.Context, dimension, value string) error {
	if !validDimension(dimension) {
		return fmt.Errorf("unknown whitelist dimension %q", dimension)
	}
	if value == "" {
		return fmt.Errorf("whitelist value must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO whitelist_entries (dimension, value, created_at) VALUES (?, ?, ?)`,
		dimension, value, time.Now().UTC(),
	)
	return err
}

// RemoveWhitelistEntry deletes an entry and reports whether it existed.
func (s *SQLiteStore) RemoveWhitelistEntry(ctx context.Context, dimension, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM whitelist_entries WHERE dimension = ? AND value = ?`, dimension, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListWhitelistEntries(ctx context.Context) ([]domain.WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dimension, value, created_at FROM whitelist_entries ORDER BY dimension, value`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []domain.WhitelistEntry
	for rows.Next() {
		var e domain.WhitelistEntry
		if err := rows.Scan(&e.Dimension, &e.Value, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) LogTask(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_audit (correlation_id, status, state, error_code, backend_id, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.CorrelationID, entry.Status, entry.State, entry.ErrorCode, entry.BackendID,
		entry.Duration.Milliseconds(), time.Now().UTC(),
	)
	return err
}

// RecentTasks returns the latest audit rows, newest first.
func (s *SQLiteStore) RecentTasks(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, status, state, error_code, backend_id, duration_ms
		 FROM task_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ms int64
		if err := rows.Scan(&e.CorrelationID, &e.Status, &e.State, &e.ErrorCode, &e.BackendID, &ms); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TaskCounts returns the number of audited tasks per status.
func (s *SQLiteStore) TaskCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_audit GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PruneAudit deletes audit rows older than retention.
func (s *SQLiteStore) PruneAudit(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_audit WHERE created_at < ?`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
