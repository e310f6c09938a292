// Package store persists engine state in SQLite: the account pickle,
// pairwise and group session records, the device registry, key sharing
// bookkeeping and the sync cursor.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/gwillem/matrix-go/internal/crypto"
)

// Store wraps a SQLite database and implements the engine's storage
// contract.
type Store struct {
	db *sql.DB
}

var _ crypto.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS olm_session (
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	record BLOB NOT NULL,
	active INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS inbound_group_session (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (room_id, sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS outbound_group_session (
	room_id TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS device (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	curve_key TEXT NOT NULL,
	ed25519_key TEXT NOT NULL,
	trust INTEGER NOT NULL DEFAULT 0,
	cross_signed INTEGER NOT NULL DEFAULT 0,
	first_seen INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS shared_with (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	device_key TEXT NOT NULL,
	PRIMARY KEY (room_id, session_id, device_key)
);
CREATE TABLE IF NOT EXISTS key_request (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	request_id TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_attempt INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, session_id)
);
`

// DefaultDataDir returns the default data directory for matrix-go
// databases. Uses $XDG_DATA_HOME/matrix-go, falling back to
// ~/.local/share/matrix-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "matrix-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/matrix-go/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// storeErr wraps a database failure so the engine classifies it as
// transient.
func storeErr(op string, err error) error {
	return fmt.Errorf("store: %s: %v: %w", op, err, crypto.ErrStorageUnavailable)
}
