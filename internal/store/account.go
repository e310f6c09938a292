package store

import (
	"database/sql"
	"errors"
)

// LoadAccount returns the account pickle, or nil when no account has
// been created yet.
func (s *Store) LoadAccount() ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM account WHERE key = 'account'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load account", err)
	}
	return value, nil
}

// SaveAccount stores the account pickle.
func (s *Store) SaveAccount(pickle []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES ('account', ?)", pickle)
	if err != nil {
		return storeErr("save account", err)
	}
	return nil
}

// GetCursor returns the persisted sync cursor, or "" before the first
// completed batch.
func (s *Store) GetCursor() (string, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM account WHERE key = 'sync_cursor'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("get cursor", err)
	}
	return string(value), nil
}

// PutCursor persists the sync cursor. Called only after a batch has
// been durably applied, so a crash replays the batch instead of
// skipping it.
func (s *Store) PutCursor(cursor string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES ('sync_cursor', ?)", []byte(cursor))
	if err != nil {
		return storeErr("put cursor", err)
	}
	return nil
}
