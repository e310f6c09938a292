package crypto

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/olm"
)

// raiseKeyRequest records and sends an outgoing key request for a
// missing inbound group session. At most one request per session is
// pending; repeat misses for the same session are absorbed here.
func (m *Machine) raiseKeyRequest(ctx context.Context, roomID, sessionID, senderKey string) {
	existing, err := m.cfg.Store.GetKeyRequest(roomID, sessionID)
	if err != nil {
		m.logf("crypto: key request lookup: %v", err)
		return
	}
	if existing != nil {
		return
	}

	record := &KeyRequestRecord{
		RoomID:        roomID,
		SessionID:     sessionID,
		SenderKey:     senderKey,
		RequestID:     uuid.NewString(),
		LastAttemptTS: m.now().UnixMilli(),
	}
	if err := m.cfg.Store.PutKeyRequest(record); err != nil {
		m.logf("crypto: store key request: %v", err)
		return
	}
	if err := m.sendKeyRequest(ctx, record); err != nil {
		m.logf("crypto: send key request %s: %v", record.RequestID, err)
	}
}

// sendKeyRequest broadcasts the request in clear to the devices that can
// plausibly answer it: the session creator's device and our own user's
// other devices.
func (m *Machine) sendKeyRequest(ctx context.Context, record *KeyRequestRecord) error {
	if m.cfg.Sender == nil {
		return fmt.Errorf("crypto: no sender configured")
	}
	content := &event.RoomKeyRequestContent{
		Action: event.KeyRequestActionRequest,
		Body: &event.RoomKeyRequestKey{
			Algorithm: event.AlgorithmMegolm,
			RoomID:    record.RoomID,
			SessionID: record.SessionID,
			SenderKey: record.SenderKey,
		},
		RequestingDeviceID: m.cfg.DeviceID,
		RequestID:          record.RequestID,
	}

	recipients := map[string]*DeviceRecord{}
	if snapshot := m.roomSnapshot(record.RoomID); snapshot != nil {
		for _, userID := range snapshot.JoinedMembers() {
			device, err := m.deviceByCurveKey(userID, record.SenderKey)
			if err != nil {
				return err
			}
			if device != nil {
				recipients[device.Key()] = device
			}
		}
	}
	own, err := m.cfg.Store.DevicesForUser(m.cfg.UserID)
	if err != nil {
		return fmt.Errorf("crypto: own devices: %w", err)
	}
	for _, device := range own {
		if device.DeviceID == m.cfg.DeviceID || device.Trust == TrustRevoked {
			continue
		}
		recipients[device.Key()] = device
	}

	var firstErr error
	for _, device := range recipients {
		if err := m.cfg.Sender.SendToDevice(ctx, device.UserID, device.DeviceID, event.TypeRoomKeyRequest, content); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RetryPendingRequests resends unanswered key requests and retires the
// ones whose budget is exhausted, surfacing those as terminal
// decryption failures. Call it periodically.
func (m *Machine) RetryPendingRequests(ctx context.Context) {
	records, err := m.cfg.Store.ListKeyRequests()
	if err != nil {
		m.logf("crypto: list key requests: %v", err)
		return
	}
	now := m.now()
	for _, record := range records {
		if now.UnixMilli()-record.LastAttemptTS < m.cfg.KeyRequestRetryInterval.Milliseconds() {
			continue
		}
		if record.RetryCount >= m.cfg.KeyRequestRetryLimit {
			m.logf("crypto: key request %s exhausted after %d attempts", record.RequestID, record.RetryCount)
			if err := m.cfg.Store.DeleteKeyRequest(record.RoomID, record.SessionID); err != nil {
				m.logf("crypto: delete key request: %v", err)
			}
			if m.cfg.Callbacks.DecryptionFailed != nil {
				m.cfg.Callbacks.DecryptionFailed(DecryptionFailure{
					RoomID:    record.RoomID,
					SessionID: record.SessionID,
					Reason:    "room key never arrived",
				})
			}
			continue
		}
		record.RetryCount++
		record.LastAttemptTS = now.UnixMilli()
		if err := m.cfg.Store.PutKeyRequest(record); err != nil {
			m.logf("crypto: update key request: %v", err)
			continue
		}
		if err := m.sendKeyRequest(ctx, record); err != nil {
			m.logf("crypto: resend key request %s: %v", record.RequestID, err)
		}
	}
}

// importRoomKey installs a received group session key, settles any
// pending request for it, and notifies the application so held-back
// events can be retried.
func (m *Machine) importRoomKey(roomID, senderKey string, key *olm.SessionKey) error {
	unlock := m.locks.lock("group:" + groupKey(roomID, senderKey, key.SessionID))
	defer unlock()

	existing, err := m.inboundGroupSession(roomID, senderKey, key.SessionID)
	if err != nil {
		return err
	}
	if existing != nil && existing.FirstKnownIndex() <= key.FirstKnownIndex {
		// Nothing gained: we already decrypt from an equal or earlier
		// index.
		return nil
	}

	session, err := olm.NewInboundGroupSession(key)
	if err != nil {
		return fmt.Errorf("crypto: import session key: %w", err)
	}
	if err := m.persistInboundGroup(roomID, senderKey, session); err != nil {
		return err
	}
	m.logf("crypto: imported group session %s for %s from index %d",
		key.SessionID, roomID, key.FirstKnownIndex)

	if err := m.cfg.Store.DeleteKeyRequest(roomID, key.SessionID); err != nil {
		m.logf("crypto: delete key request: %v", err)
	}
	if m.cfg.Callbacks.RoomKeyReceived != nil {
		m.cfg.Callbacks.RoomKeyReceived(roomID, key.SessionID)
	}
	return nil
}

// handleRoomKey processes a decrypted m.room_key. The session is
// attributed to the olm sender identity, not any field the payload
// claims.
func (m *Machine) handleRoomKey(senderKey string, content *event.RoomKeyContent) error {
	if content.Algorithm != event.AlgorithmMegolm || content.SessionKey == nil {
		return fmt.Errorf("crypto: malformed room key")
	}
	return m.importRoomKey(content.RoomID, senderKey, content.SessionKey)
}

// handleForwardedRoomKey processes a decrypted m.forwarded_room_key.
// Only forwards from our own verified devices are accepted: anyone who
// holds a key can forward it, so the forwarder must already be trusted.
func (m *Machine) handleForwardedRoomKey(senderUserID, forwarderKey string, content *event.ForwardedRoomKeyContent) error {
	if content.Algorithm != event.AlgorithmMegolm || content.SessionKey == nil {
		return fmt.Errorf("crypto: malformed forwarded room key")
	}
	forwarder, err := m.deviceByCurveKey(senderUserID, forwarderKey)
	if err != nil {
		return err
	}
	if forwarder == nil || forwarder.UserID != m.cfg.UserID || forwarder.Trust != TrustVerified {
		m.logf("crypto: forwarded key from untrusted source %s dropped", forwarderKey)
		return nil
	}
	return m.importRoomKey(content.RoomID, content.SenderKey, content.SessionKey)
}
