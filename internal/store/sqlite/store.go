// Package sqlite implements the store contracts on a single-file SQLite
// database (modernc.org/sqlite, pure Go, no CGO).
//
// WAL journaling plus a busy timeout keeps concurrent pipeline writers and
// dashboard readers from tripping over "database locked" errors. All schema
// creation is idempotent; there are no destructive migrations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dwarpal/dwarpal/internal/store"
)

// Compile-time checks that *Store satisfies both contracts.
var (
	_ store.Store     = (*Store)(nil)
	_ store.AuthStore = (*Store)(nil)
)

// Store provides SQLite persistence for the pipeline and the dashboard.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	// modernc.org/sqlite takes pragmas as _pragma=name(value) so they apply
	// to every connection in the pool. busy_timeout avoids "database locked"
	// errors under concurrent writers.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckIntegrity runs PRAGMA integrity_check and returns an error if the
// database reports corruption. Called once at startup; a failure is fatal
// with a dedicated exit code.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		risk_score REAL NOT NULL DEFAULT 0,
		final_action TEXT,
		created_at TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS perception_reports (
		session_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS intelligence_reports (
		session_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		session_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		speaker TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		agent_name TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		short_reason TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS visitors (
		session_id TEXT PRIMARY KEY,
		image_path TEXT NOT NULL DEFAULT '',
		visitor_type TEXT NOT NULL DEFAULT '',
		ai_summary TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS owners (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		salt TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'family',
		photo_path TEXT NOT NULL DEFAULT '',
		permitted INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id);
	CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_members_owner ON members(owner_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
