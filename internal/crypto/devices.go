package crypto

import (
	"fmt"

	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/olm"
)

// ApplyDeviceKeys ingests a device keys document from a device-list
// update. The self-signature must verify. An identity key change under
// an existing device id is treated as a compromise signal: the record
// is revoked and the new keys are rejected.
func (m *Machine) ApplyDeviceKeys(keys *event.DeviceKeys) error {
	ed := keys.Ed25519Key()
	curve := keys.CurveKey()
	if ed == "" || curve == "" {
		return fmt.Errorf("crypto: device %s/%s missing identity keys", keys.UserID, keys.DeviceID)
	}

	signed, err := keys.SignedJSON()
	if err != nil {
		return fmt.Errorf("crypto: canonicalise device keys: %w", err)
	}
	signature := keys.Signatures[keys.UserID]["ed25519:"+keys.DeviceID]
	if err := olm.VerifySignature(ed, signed, signature); err != nil {
		return fmt.Errorf("crypto: device %s/%s self-signature: %w", keys.UserID, keys.DeviceID, err)
	}

	existing, err := m.cfg.Store.GetDevice(keys.UserID, keys.DeviceID)
	if err != nil {
		return fmt.Errorf("crypto: get device: %w", err)
	}
	if existing != nil {
		if existing.Ed25519Key != ed || existing.CurveKey != curve {
			// Identity changed under a reused device id. Keep the old
			// record, revoked, so neither identity is trusted.
			m.logf("crypto: SECURITY identity key change for %s/%s, revoking", keys.UserID, keys.DeviceID)
			existing.Trust = TrustRevoked
			if err := m.cfg.Store.UpsertDevice(existing); err != nil {
				return fmt.Errorf("crypto: revoke device: %w", err)
			}
			m.notifyTrust(existing.UserID, existing.DeviceID, TrustRevoked)
			return fmt.Errorf("crypto: identity key change for %s/%s", keys.UserID, keys.DeviceID)
		}
		// Known device, unchanged keys. Nothing to update.
		return nil
	}

	record := &DeviceRecord{
		UserID:      keys.UserID,
		DeviceID:    keys.DeviceID,
		CurveKey:    curve,
		Ed25519Key:  ed,
		Trust:       TrustUnset,
		FirstSeenTS: m.now().UnixMilli(),
	}
	if err := m.cfg.Store.UpsertDevice(record); err != nil {
		return fmt.Errorf("crypto: upsert device: %w", err)
	}
	m.logf("crypto: new device %s/%s curve=%s", keys.UserID, keys.DeviceID, curve)
	return nil
}

// Device returns a known device, or nil.
func (m *Machine) Device(userID, deviceID string) (*DeviceRecord, error) {
	record, err := m.cfg.Store.GetDevice(userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("crypto: get device: %w", err)
	}
	return record, nil
}

// UserDevices returns all known devices for a user.
func (m *Machine) UserDevices(userID string) ([]*DeviceRecord, error) {
	records, err := m.cfg.Store.DevicesForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("crypto: devices for %s: %w", userID, err)
	}
	return records, nil
}

// SetTrust records an explicit trust decision for a device. Revocation
// is permanent for key distribution; only an explicit user action can
// assign a level, and verification flows refuse revoked devices.
func (m *Machine) SetTrust(userID, deviceID string, trust TrustLevel) error {
	record, err := m.cfg.Store.GetDevice(userID, deviceID)
	if err != nil {
		return fmt.Errorf("crypto: get device: %w", err)
	}
	if record == nil {
		return fmt.Errorf("crypto: unknown device %s/%s", userID, deviceID)
	}
	if record.Trust == trust {
		return nil
	}
	record.Trust = trust
	if err := m.cfg.Store.UpsertDevice(record); err != nil {
		return fmt.Errorf("crypto: upsert device: %w", err)
	}
	m.notifyTrust(userID, deviceID, trust)
	return nil
}

// deviceByCurveKey finds a user's device by its curve25519 identity key.
func (m *Machine) deviceByCurveKey(userID, curveKey string) (*DeviceRecord, error) {
	records, err := m.cfg.Store.DevicesForUser(userID)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.CurveKey == curveKey {
			return record, nil
		}
	}
	return nil, nil
}

func (m *Machine) notifyTrust(userID, deviceID string, trust TrustLevel) {
	if m.cfg.Callbacks.TrustChanged != nil {
		m.cfg.Callbacks.TrustChanged(userID, deviceID, trust)
	}
}
