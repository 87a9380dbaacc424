// Package store persists sessions, merged records, counter history,
// match exceptions, the registry catalog and templates in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	_ "modernc.org/sqlite"

	"correo/internal/logging"
)

// Sentinel errors for lookups against missing rows.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrRecordNotFound   = errors.New("record not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrRegistryNotFound = errors.New("registry not found")
)

// identRe restricts registry table and column identifiers. Registry names
// come from the catalog and column names from introspection, but both are
// interpolated into SQL, so they are validated regardless.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store wraps the SQLite database. The mutex serializes writers: sqlite
// has a single writer anyway, and the counter successor computation
// (read latest, then append) must be atomic.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Schema initialized")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id INTEGER NOT NULL,
		template_id INTEGER,
		state TEXT NOT NULL,
		delimiter TEXT,
		encoding TEXT,
		archive_path TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS merged_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		project_id INTEGER NOT NULL,
		template_id INTEGER,
		position INTEGER NOT NULL,
		account TEXT,
		code TEXT,
		values_json TEXT NOT NULL,
		dynamic_json TEXT,
		match_kind TEXT NOT NULL,
		state TEXT NOT NULL,
		error_message TEXT,
		artifact_path TEXT,
		artifact_hash TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_records_session ON merged_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_records_state ON merged_records(session_id, state);

	CREATE TABLE IF NOT EXISTS counter_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		account TEXT NOT NULL,
		type TEXT NOT NULL,
		previous TEXT,
		value TEXT NOT NULL,
		actor INTEGER,
		record_id INTEGER,
		changed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_key
		ON counter_history(project_id, account, type, changed_at);

	CREATE TABLE IF NOT EXISTS match_exceptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		account TEXT,
		code TEXT,
		conflicts_json TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exceptions_session ON match_exceptions(session_id);

	CREATE TABLE IF NOT EXISTS registry_catalog (
		uuid TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		fields_json TEXT NOT NULL,
		base_path TEXT
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	logging.StoreDebug("Closing store at %s", s.dbPath)
	return s.db.Close()
}
