// Package store opens the SQLite databases that back the persistent stores.
// Every store gets its own database file under the base directory; all of
// them share the pragmas and single-writer policy set here.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver, registers as "sqlite".
)

// Open opens (creating if needed) the database at path with WAL journaling,
// a busy timeout, and foreign keys on. The connection pool is capped at one
// connection: writes are serial by contract and the stores are low-traffic.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		// Shared cache keeps the schema alive across pooled connections.
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", filepath.Base(path), err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", filepath.Base(path), err)
	}
	return db, nil
}

// OpenMemory opens a fresh private in-memory database. Each call returns an
// isolated database; tests lean on this.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("store: open memory: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
