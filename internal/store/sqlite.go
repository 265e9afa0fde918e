// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Supports the modernc (pure Go) and mattn (cgo) drivers with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStore.
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the database at path with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverMattn:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
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

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS websites (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			host       TEXT NOT NULL,
			key1_hash  TEXT NOT NULL,
			key2_hash  TEXT NOT NULL,
			salt       TEXT NOT NULL,
			ai_group   TEXT NOT NULL DEFAULT '',
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_websites_host ON websites(host);

		CREATE TABLE IF NOT EXISTS agents (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			url        TEXT NOT NULL,
			ai_group   TEXT NOT NULL DEFAULT '',
			enabled    INTEGER NOT NULL DEFAULT 1,
			removed    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS model_clients (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			url        TEXT NOT NULL,
			provider   TEXT NOT NULL DEFAULT 'openai',
			ai_group   TEXT NOT NULL DEFAULT '',
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS archives (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			website_id TEXT NOT NULL,
			path       TEXT NOT NULL,
			finished   INTEGER NOT NULL,
			messages   INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_archives_ended ON archives(ended_at DESC);
		CREATE INDEX IF NOT EXISTS idx_archives_user ON archives(website_id, user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "websites",
			column: "removed",
			apply:  `ALTER TABLE websites ADD COLUMN removed INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateWebsite inserts a website record. A host that is already
// registered returns ErrDuplicate.
func (s *SQLiteStore) CreateWebsite(ctx context.Context, w *Website) error {
	query := `
		INSERT INTO websites (id, name, host, key1_hash, key2_hash, salt, ai_group, enabled, removed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		w.ID,
		w.Name,
		strings.ToLower(w.Host),
		w.Key1Hash,
		w.Key2Hash,
		w.Salt,
		w.Group,
		boolInt(w.Enabled),
		boolInt(w.Removed),
		formatTime(w.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting website: %w", err)
	}

	s.logger.Debug("created website", "id", w.ID, "host", w.Host)
	return nil
}

const websiteColumns = `id, name, host, key1_hash, key2_hash, salt, ai_group, enabled, removed, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWebsite(row scanner) (*Website, error) {
	var w Website
	var enabled, removed int
	var createdAt string
	if err := row.Scan(&w.ID, &w.Name, &w.Host, &w.Key1Hash, &w.Key2Hash, &w.Salt, &w.Group, &enabled, &removed, &createdAt); err != nil {
		return nil, err
	}
	w.Enabled = enabled != 0
	w.Removed = removed != 0

	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWebsite retrieves a website by ID.
// Returns ErrNotFound if the website doesn't exist.
func (s *SQLiteStore) GetWebsite(ctx context.Context, id string) (*Website, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+websiteColumns+` FROM websites WHERE id = ?`, id)
	w, err := scanWebsite(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying website: %w", err)
	}
	return w, nil
}

// GetWebsiteByHost retrieves the website registered for host.
// Host comparison is case-insensitive.
func (s *SQLiteStore) GetWebsiteByHost(ctx context.Context, host string) (*Website, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+websiteColumns+` FROM websites WHERE host = ?`, strings.ToLower(host))
	w, err := scanWebsite(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying website by host: %w", err)
	}
	return w, nil
}

// ListWebsites returns all websites ordered by creation time.
func (s *SQLiteStore) ListWebsites(ctx context.Context) ([]*Website, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+websiteColumns+` FROM websites ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying websites: %w", err)
	}
	defer rows.Close()

	var websites []*Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning website: %w", err)
		}
		websites = append(websites, w)
	}
	return websites, rows.Err()
}

// CreateAgent inserts an agent endpoint and sets a.ID.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	query := `
		INSERT INTO agents (name, url, ai_group, enabled, removed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		a.Name,
		a.URL,
		a.Group,
		boolInt(a.Enabled),
		boolInt(a.Removed),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading agent id: %w", err)
	}
	a.ID = int(id)

	s.logger.Debug("created agent", "id", a.ID, "url", a.URL)
	return nil
}

// ListAgents returns every agent, removed ones included, in ring order.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, ai_group, enabled, removed, created_at
		FROM agents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var enabled, removed int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.URL, &a.Group, &enabled, &removed, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Enabled = enabled != 0
		a.Removed = removed != 0
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// CreateModelClient inserts a model backend and sets c.ID.
func (s *SQLiteStore) CreateModelClient(ctx context.Context, c *ModelClient) error {
	query := `
		INSERT INTO model_clients (url, provider, ai_group, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		c.URL,
		c.Provider,
		c.Group,
		boolInt(c.Enabled),
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting model client: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading model client id: %w", err)
	}

	s.logger.Debug("created model client", "id", c.ID, "url", c.URL)
	return nil
}

// ListModelClients returns the model pool in insertion order.
func (s *SQLiteStore) ListModelClients(ctx context.Context) ([]*ModelClient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, provider, ai_group, enabled, created_at
		FROM model_clients
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying model clients: %w", err)
	}
	defer rows.Close()

	var clients []*ModelClient
	for rows.Next() {
		var c ModelClient
		var enabled int
		var createdAt string
		if err := rows.Scan(&c.ID, &c.URL, &c.Provider, &c.Group, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning model client: %w", err)
		}
		c.Enabled = enabled != 0
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

// SaveArchive upserts an archive index row.
func (s *SQLiteStore) SaveArchive(ctx context.Context, a *Archive) error {
	query := `
		INSERT OR REPLACE INTO archives (id, user_id, website_id, path, finished, messages, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.UserID,
		a.WebsiteID,
		a.Path,
		boolInt(a.Finished),
		a.Messages,
		formatTime(a.StartedAt),
		formatTime(a.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("saving archive: %w", err)
	}
	return nil
}

// ListArchives returns the most recent archives first. A limit of zero or
// less returns all of them.
func (s *SQLiteStore) ListArchives(ctx context.Context, limit int) ([]*Archive, error) {
	query := `
		SELECT id, user_id, website_id, path, finished, messages, started_at, ended_at
		FROM archives
		ORDER BY ended_at DESC, id
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying archives: %w", err)
	}
	defer rows.Close()

	var archives []*Archive
	for rows.Next() {
		var a Archive
		var finished int
		var startedAt, endedAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.WebsiteID, &a.Path, &finished, &a.Messages, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scanning archive: %w", err)
		}
		a.Finished = finished != 0
		if a.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if a.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, err
		}
		archives = append(archives, &a)
	}
	return archives, rows.Err()
}
