// Package state provides SQLite-based persistence for bildir: the session
// directory, per-session message history, and orchestrator records.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo driver from mattn/go-sqlite3.
	DriverCGO = "sqlite3"
)

// DB wraps an SQLite database connection with bildir-specific operations.
type DB struct {
	conn   *sql.DB
	path   string
	driver string
	mu     sync.RWMutex
}

// DefaultPath returns the path to the bildir database.
func DefaultPath() string {
	return filepath.Join(DataDir(), "bildir.db")
}

// DataDir returns the bildir data directory.
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "bildir")
}

// Open opens an SQLite database at the given path with the default driver.
func Open(path string) (*DB, error) {
	return OpenWithDriver(DriverModernc, path)
}

// OpenWithDriver opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func OpenWithDriver(driver, path string) (*DB, error) {
	dsn, err := dataSourceName(driver, path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	return &DB{
		conn:   conn,
		path:   path,
		driver: driver,
	}, nil
}

// dataSourceName applies per-connection pragmas in the form each driver expects.
func dataSourceName(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", nil
	case DriverCGO:
		return path + "?_foreign_keys=on&_busy_timeout=5000", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Orchestrators},
		{2, migrationV2Sessions},
		{3, migrationV3Messages},
		{4, migrationV4Decisions},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Orchestrators = `
CREATE TABLE IF NOT EXISTS orchestrators (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	provider TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	workdir TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'idle',
	created_at TEXT NOT NULL,
	goal TEXT NOT NULL DEFAULT '',
	rules TEXT NOT NULL DEFAULT '',
	base_prompt TEXT NOT NULL DEFAULT '',
	pending_question TEXT,
	pending_target TEXT,
	pending_asked_at TEXT,
	last_action TEXT NOT NULL DEFAULT '',
	last_decision_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_orchestrators_status ON orchestrators(status);
`

const migrationV2Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	name TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	workdir TEXT NOT NULL DEFAULT '',
	orchestrator_id TEXT REFERENCES orchestrators(id),
	tags TEXT NOT NULL DEFAULT '[]',
	role_description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_orchestrator ON sessions(orchestrator_id);

CREATE TABLE IF NOT EXISTS conversation_ids (
	session_name TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	PRIMARY KEY (session_name, provider)
);

CREATE TABLE IF NOT EXISTS orchestrator_sessions (
	orchestrator_id TEXT NOT NULL REFERENCES orchestrators(id) ON DELETE CASCADE,
	session_name TEXT NOT NULL UNIQUE REFERENCES sessions(name) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	PRIMARY KEY (orchestrator_id, session_name)
);
`

const migrationV3Messages = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_name TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	source TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_name, id);
`

const migrationV4Decisions = `
CREATE TABLE IF NOT EXISTS orchestrator_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	orchestrator_id TEXT NOT NULL REFERENCES orchestrators(id) ON DELETE CASCADE,
	trigger_session TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	target_session TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	raw TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_orchestrator ON orchestrator_decisions(orchestrator_id, id);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
// All check-then-write sequences go through here so they are atomic
// with respect to every other mutation on the store.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
