// Package sqlite implements the repository interfaces using SQLite as the
// storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database — it lives inside the Go binary as a single
// file. No separate server to install, configure, or manage. For a
// single-process backend like this one it covers everything we need,
// including the part that actually matters for correctness: UNIQUE
// constraints enforced atomically at insert time.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which needs a C compiler and makes
// cross-compilation painful. modernc.org/sqlite is a pure-Go translation of
// SQLite — works everywhere Go works.
package sqlite

import (
	"database/sql"
	"fmt"

	// Side-effect import: the driver registers itself with database/sql
	// under the name "sqlite" in its init().
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and provides the user repository
// methods. Wrapping (rather than using sql.DB directly) lets us attach
// methods, own the lifecycle, and satisfy repository.UserRepository.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/triangle.db" → file-based, persistent
//   - ":memory:"         → in-memory, lost on close (tests)
//
// sql.Open only creates the pool manager; Ping forces a real connection so
// a bad path or permission problem surfaces at startup, not on the first
// request.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL mode allows concurrent reads while a write is in progress —
	// important for a request-parallel HTTP server. Foreign keys are off by
	// default in SQLite for backwards compatibility; turn them on.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	// Concurrent writers briefly contend for the write lock even in WAL
	// mode. Without a busy timeout the second writer gets SQLITE_BUSY
	// immediately instead of its constraint verdict.
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the connection pool. Wherever New is called, defer Close —
// it flushes the WAL and releases the file lock.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the schema.
//
// The three UNIQUE columns are the system's core invariant: one row per
// subject_id, username, and email, enforced by the storage engine itself.
// The reconciler relies on the resulting constraint errors to detect lost
// races — see user.go.
//
// email is nullable: the provider may withhold the address, and SQLite's
// UNIQUE treats NULLs as distinct, so any number of email-less accounts can
// coexist while real addresses stay unique.
//
// CREATE TABLE IF NOT EXISTS is idempotent; for anything fancier you'd
// reach for golang-migrate, which this schema doesn't warrant.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			subject_id      TEXT NOT NULL UNIQUE,
			username        TEXT NOT NULL UNIQUE,
			email           TEXT UNIQUE,
			hashed_password TEXT NOT NULL DEFAULT '',
			display_name    TEXT NOT NULL DEFAULT '',
			region          TEXT NOT NULL DEFAULT '',
			language        TEXT NOT NULL DEFAULT '',
			photo_url       TEXT NOT NULL DEFAULT '',
			bio             TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	return nil
}
