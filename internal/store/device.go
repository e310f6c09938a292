package store

import (
	"database/sql"
	"errors"

	"github.com/gwillem/matrix-go/internal/crypto"
)

// GetDevice returns a device record, or nil if the device is unknown.
func (s *Store) GetDevice(userID, deviceID string) (*crypto.DeviceRecord, error) {
	record := crypto.DeviceRecord{UserID: userID, DeviceID: deviceID}
	var crossSigned int
	err := s.db.QueryRow(
		"SELECT curve_key, ed25519_key, trust, cross_signed, first_seen FROM device WHERE user_id = ? AND device_id = ?",
		userID, deviceID,
	).Scan(&record.CurveKey, &record.Ed25519Key, &record.Trust, &crossSigned, &record.FirstSeenTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load device", err)
	}
	record.CrossSigned = crossSigned != 0
	return &record, nil
}

// UpsertDevice inserts or updates a device record.
func (s *Store) UpsertDevice(record *crypto.DeviceRecord) error {
	crossSigned := 0
	if record.CrossSigned {
		crossSigned = 1
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO device (user_id, device_id, curve_key, ed25519_key, trust, cross_signed, first_seen) VALUES (?, ?, ?, ?, ?, ?, ?)",
		record.UserID, record.DeviceID, record.CurveKey, record.Ed25519Key,
		record.Trust, crossSigned, record.FirstSeenTS)
	if err != nil {
		return storeErr("upsert device", err)
	}
	return nil
}

// DevicesForUser returns all known devices for a user.
func (s *Store) DevicesForUser(userID string) ([]*crypto.DeviceRecord, error) {
	rows, err := s.db.Query(
		"SELECT device_id, curve_key, ed25519_key, trust, cross_signed, first_seen FROM device WHERE user_id = ?",
		userID)
	if err != nil {
		return nil, storeErr("load devices", err)
	}
	defer rows.Close()

	var out []*crypto.DeviceRecord
	for rows.Next() {
		record := crypto.DeviceRecord{UserID: userID}
		var crossSigned int
		if err := rows.Scan(&record.DeviceID, &record.CurveKey, &record.Ed25519Key,
			&record.Trust, &crossSigned, &record.FirstSeenTS); err != nil {
			return nil, storeErr("scan device", err)
		}
		record.CrossSigned = crossSigned != 0
		out = append(out, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate devices", err)
	}
	return out, nil
}
