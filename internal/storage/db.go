// Package storage is the SQLite persistence layer: users, conversations,
// messages, read receipts, and call history. It backs the authorization gate
// (membership, identity) and the call registry (records).
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("storage: not found")

// DB wraps the server's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "parley.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			name           TEXT NOT NULL,
			avatar         TEXT DEFAULT '',
			public_key     BLOB,
			is_online      INTEGER DEFAULT 0,
			last_active_at INTEGER DEFAULT 0,
			created_at     INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL,
			name       TEXT DEFAULT '',
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS participants (
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			user_id         INTEGER NOT NULL REFERENCES users(id),
			joined_at       INTEGER NOT NULL,
			left_at         INTEGER DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create participants table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			sender_id       INTEGER NOT NULL REFERENCES users(id),
			type            TEXT NOT NULL,
			content         TEXT DEFAULT '',
			file_path       TEXT DEFAULT '',
			file_name       TEXT DEFAULT '',
			is_edited       INTEGER DEFAULT 0,
			created_at      INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL REFERENCES messages(id),
			user_id    INTEGER NOT NULL REFERENCES users(id),
			read_at    INTEGER NOT NULL,
			PRIMARY KEY (message_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create message reads table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id              TEXT PRIMARY KEY,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			caller_id       INTEGER NOT NULL REFERENCES users(id),
			receiver_id     INTEGER DEFAULT 0,
			invited         TEXT DEFAULT '[]',
			kind            TEXT NOT NULL,
			status          TEXT NOT NULL,
			started_at      INTEGER DEFAULT 0,
			ended_at        INTEGER DEFAULT 0,
			duration        INTEGER DEFAULT 0,
			created_at      INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_calls_created ON calls(created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index calls table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Timestamps are stored as Unix nanoseconds; zero means unset.

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
