package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// OpenDB opens (and bootstraps) the standalone SQLite database. A single
// connection serializes writers, which SQLite wants anyway.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ensureSchema creates the tables on first run. Standalone mode has no
// migration step; the schema mirrors migrations/ for Postgres.
func ensureSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
    room_id    INTEGER NOT NULL,
    channel_id INTEGER NOT NULL,
    agent_id   INTEGER,
    status     TEXT NOT NULL DEFAULT 'QUEUE' CHECK (status IN ('QUEUE', 'HANDLED', 'RESOLVED')),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (room_id, channel_id)
);
CREATE INDEX IF NOT EXISTS idx_rooms_queued ON rooms (channel_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_rooms_agent ON rooms (agent_id, status);

CREATE TABLE IF NOT EXISTS agent_load (
    agent_id INTEGER PRIMARY KEY,
    load     INTEGER NOT NULL DEFAULT 0 CHECK (load >= 0)
);

CREATE TABLE IF NOT EXISTS scan_locks (
    lock_id     TEXT PRIMARY KEY,
    acquired_at TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}
