package store

import (
	"database/sql"
	"errors"
)

// SessionsForPeer returns all pairwise session pickles for a peer
// identity key, keyed by session id.
func (s *Store) SessionsForPeer(senderKey string) (map[string][]byte, error) {
	rows, err := s.db.Query(
		"SELECT session_id, record FROM olm_session WHERE sender_key = ?", senderKey)
	if err != nil {
		return nil, storeErr("load sessions", err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return nil, storeErr("scan session", err)
		}
		out[id] = record
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate sessions", err)
	}
	return out, nil
}

// ActiveSessionID returns the id of the peer's active session, or "".
func (s *Store) ActiveSessionID(senderKey string) (string, error) {
	var id string
	err := s.db.QueryRow(
		"SELECT session_id FROM olm_session WHERE sender_key = ? AND active = 1", senderKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("active session", err)
	}
	return id, nil
}

// PutSession stores a session pickle. With active set, any previously
// active session for the peer is demoted in the same transaction.
func (s *Store) PutSession(senderKey, sessionID string, pickle []byte, active bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	if active {
		if _, err := tx.Exec(
			"UPDATE olm_session SET active = 0 WHERE sender_key = ?", senderKey); err != nil {
			return storeErr("demote sessions", err)
		}
	}
	flag := 0
	if active {
		flag = 1
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO olm_session (sender_key, session_id, record, active) VALUES (?, ?, ?, ?)",
		senderKey, sessionID, pickle, flag); err != nil {
		return storeErr("store session", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit session", err)
	}
	return nil
}
