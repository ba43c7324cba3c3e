package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the device-local message cache.
// It is the single source of truth for what the UI renders and the only
// shared mutable resource of the engine: every component that mutates
// messages or conversations goes through the methods on this type, so the
// uniqueness and foreign-key invariants are enforced in one place.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Foreign keys are enabled so that conversation deletion cascades to its
// messages and message inserts reject unknown conversations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
