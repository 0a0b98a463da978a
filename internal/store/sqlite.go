// ABOUTME: SQLite implementation of MetadataStore using modernc.org/sqlite
// ABOUTME: Stores one row per instance with automatic schema creation and migrations

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements MetadataStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			config_json TEXT NOT NULL DEFAULT '{}',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			last_update_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('instances') WHERE name = 'last_reason'`,
			apply:  `ALTER TABLE instances ADD COLUMN last_reason TEXT NOT NULL DEFAULT ''`,
			column: "last_reason",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to instances: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "instances")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const metadataColumns = `id, status, config_json, retry_count, last_reason,
	last_attempt_at, last_update_at, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (*Metadata, error) {
	var (
		m                    Metadata
		configJSON           string
		lastAttempt, lastUpd sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&m.ID, &m.Status, &configJSON, &m.RetryCount, &m.LastReason,
		&lastAttempt, &lastUpd, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &m.Config); err != nil {
		return nil, fmt.Errorf("decoding config for %s: %w", m.ID, err)
	}
	m.LastAttemptAt = parseTime(lastAttempt.String)
	m.LastUpdateAt = parseTime(lastUpd.String)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// GetMetadata retrieves an instance record by id
func (s *SQLiteStore) GetMetadata(ctx context.Context, id string) (*Metadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM instances WHERE id = ?`, id)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance: %w", err)
	}
	return m, nil
}

// MergeMetadata reads, patches and writes the record in one transaction
func (s *SQLiteStore) MergeMetadata(ctx context.Context, id string, patch Patch) (*Metadata, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	m, err := scanMetadata(tx.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM instances WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		m = &Metadata{ID: id, CreatedAt: now}
	case err != nil:
		return nil, fmt.Errorf("querying instance: %w", err)
	}

	patch.Apply(m)
	m.UpdatedAt = now

	configJSON, err := json.Marshal(m.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances (`+metadataColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			config_json = excluded.config_json,
			retry_count = excluded.retry_count,
			last_reason = excluded.last_reason,
			last_attempt_at = excluded.last_attempt_at,
			last_update_at = excluded.last_update_at,
			updated_at = excluded.updated_at
	`, m.ID, m.Status, string(configJSON), m.RetryCount, m.LastReason,
		formatTime(m.LastAttemptAt), formatTime(m.LastUpdateAt),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("upserting instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing instance: %w", err)
	}
	return m, nil
}

// DeleteMetadata removes an instance record
func (s *SQLiteStore) DeleteMetadata(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}
	return nil
}

// ListMetadata returns every instance record ordered by id
func (s *SQLiteStore) ListMetadata(ctx context.Context) ([]*Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+metadataColumns+` FROM instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer rows.Close()

	var out []*Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instances: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
