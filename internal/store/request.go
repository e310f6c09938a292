package store

import (
	"database/sql"
	"errors"

	"github.com/gwillem/matrix-go/internal/crypto"
)

// PutKeyRequest inserts or updates a pending key request.
func (s *Store) PutKeyRequest(record *crypto.KeyRequestRecord) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO key_request (room_id, session_id, sender_key, request_id, retry_count, last_attempt) VALUES (?, ?, ?, ?, ?, ?)",
		record.RoomID, record.SessionID, record.SenderKey, record.RequestID,
		record.RetryCount, record.LastAttemptTS)
	if err != nil {
		return storeErr("store key request", err)
	}
	return nil
}

// GetKeyRequest returns the pending request for a session, or nil.
func (s *Store) GetKeyRequest(roomID, sessionID string) (*crypto.KeyRequestRecord, error) {
	record := crypto.KeyRequestRecord{RoomID: roomID, SessionID: sessionID}
	err := s.db.QueryRow(
		"SELECT sender_key, request_id, retry_count, last_attempt FROM key_request WHERE room_id = ? AND session_id = ?",
		roomID, sessionID,
	).Scan(&record.SenderKey, &record.RequestID, &record.RetryCount, &record.LastAttemptTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load key request", err)
	}
	return &record, nil
}

// DeleteKeyRequest removes a settled or abandoned request.
func (s *Store) DeleteKeyRequest(roomID, sessionID string) error {
	_, err := s.db.Exec(
		"DELETE FROM key_request WHERE room_id = ? AND session_id = ?", roomID, sessionID)
	if err != nil {
		return storeErr("delete key request", err)
	}
	return nil
}

// ListKeyRequests returns all pending key requests.
func (s *Store) ListKeyRequests() ([]*crypto.KeyRequestRecord, error) {
	rows, err := s.db.Query(
		"SELECT room_id, session_id, sender_key, request_id, retry_count, last_attempt FROM key_request")
	if err != nil {
		return nil, storeErr("list key requests", err)
	}
	defer rows.Close()

	var out []*crypto.KeyRequestRecord
	for rows.Next() {
		var record crypto.KeyRequestRecord
		if err := rows.Scan(&record.RoomID, &record.SessionID, &record.SenderKey,
			&record.RequestID, &record.RetryCount, &record.LastAttemptTS); err != nil {
			return nil, storeErr("scan key request", err)
		}
		out = append(out, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate key requests", err)
	}
	return out, nil
}
