// Package sqlite is the local metadata store: installed feature models and,
// unless PostgreSQL is configured, description attempt history.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go driver, registers "sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "gennino.db"

// DB wraps the SQLite connection.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database in dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	conn, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
	conn.SetMaxOpenConns(1)

	db := &DB{db: conn, path: path}
	if err := db.migrate(Migrations()); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.db.Close() }

// SQL exposes the connection for stores that share the file.
func (db *DB) SQL() *sql.DB { return db.db }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

func (db *DB) migrate(stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS models (
			name       TEXT PRIMARY KEY,
			digest     TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			format     TEXT NOT NULL DEFAULT '',
			pulled_at  TEXT NOT NULL,
			last_used  TEXT
		)`,
	}
}
