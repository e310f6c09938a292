package store

import (
	"database/sql"
	"errors"
)

// PutInboundGroupSession stores an inbound group session pickle.
func (s *Store) PutInboundGroupSession(roomID, senderKey, sessionID string, pickle []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO inbound_group_session (room_id, sender_key, session_id, record) VALUES (?, ?, ?, ?)",
		roomID, senderKey, sessionID, pickle)
	if err != nil {
		return storeErr("store inbound group session", err)
	}
	return nil
}

// GetInboundGroupSession returns an inbound group session pickle, or
// nil when the key was never received.
func (s *Store) GetInboundGroupSession(roomID, senderKey, sessionID string) ([]byte, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM inbound_group_session WHERE room_id = ? AND sender_key = ? AND session_id = ?",
		roomID, senderKey, sessionID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load inbound group session", err)
	}
	return record, nil
}

// PutOutboundGroupSession stores the room's outbound group session
// pickle, replacing any previous one.
func (s *Store) PutOutboundGroupSession(roomID string, pickle []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO outbound_group_session (room_id, record) VALUES (?, ?)",
		roomID, pickle)
	if err != nil {
		return storeErr("store outbound group session", err)
	}
	return nil
}

// GetOutboundGroupSession returns the room's outbound group session
// pickle, or nil.
func (s *Store) GetOutboundGroupSession(roomID string) ([]byte, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM outbound_group_session WHERE room_id = ?", roomID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load outbound group session", err)
	}
	return record, nil
}

// SharedWith returns the set of device keys a session has been shared
// with.
func (s *Store) SharedWith(roomID, sessionID string) (map[string]bool, error) {
	rows, err := s.db.Query(
		"SELECT device_key FROM shared_with WHERE room_id = ? AND session_id = ?",
		roomID, sessionID)
	if err != nil {
		return nil, storeErr("load shared-with", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storeErr("scan shared-with", err)
		}
		out[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate shared-with", err)
	}
	return out, nil
}

// MarkSharedWith records that a session's key reached the given
// devices.
func (s *Store) MarkSharedWith(roomID, sessionID string, deviceKeys []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	for _, key := range deviceKeys {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO shared_with (room_id, session_id, device_key) VALUES (?, ?, ?)",
			roomID, sessionID, key); err != nil {
			return storeErr("mark shared", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit shared", err)
	}
	return nil
}
