// Package store persists the shared coordination tables: the match
// directory used for session discovery and the mailbox behind the polled
// signaling transport. SQLite keeps the collaborator embeddable; the
// directory is authoritative for discovery only, never for session state.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle and hands out the two table views.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn. Use ":memory:" for
// tests.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection sidesteps SQLite writer contention and keeps
	// ":memory:" databases from silently forking per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Directory returns the match directory view.
func (d *DB) Directory() *Directory {
	return &Directory{db: d.db}
}

// Mailbox returns the signaling mailbox view.
func (d *DB) Mailbox() *Mailbox {
	return &Mailbox{db: d.db}
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	match_id   TEXT PRIMARY KEY,
	content_id TEXT NOT NULL,
	host_id    TEXT NOT NULL,
	capacity   INTEGER NOT NULL,
	state      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_matches_discovery
	ON matches (state, created_at, content_id);

CREATE TABLE IF NOT EXISTS signal_mailbox (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	room       TEXT NOT NULL,
	msg_type   TEXT NOT NULL,
	from_peer  TEXT NOT NULL,
	to_peer    TEXT NOT NULL,
	data       BLOB,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mailbox_room_seq
	ON signal_mailbox (room, seq);
`
