package crypto

import (
	"context"
	"fmt"

	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/olm"
	"github.com/gwillem/matrix-go/internal/roomstate"
)

// SendRoomEvent encrypts and returns the payload for a room event,
// establishing or rotating the room's group session first and sharing
// its key with every eligible device. The caller posts the payload to
// the room timeline.
func (m *Machine) SendRoomEvent(ctx context.Context, roomID, eventType string, content any) (*event.MegolmPayload, error) {
	unlock := m.locks.lock("room:" + roomID)
	defer unlock()

	if _, err := m.ensureOutboundSessionLocked(ctx, roomID); err != nil {
		return nil, err
	}
	return m.encryptRoomEventLocked(roomID, eventType, content)
}

// EnsureOutboundSession makes sure the room has a shareable group
// session, rotating it when policy demands, and shares its key with all
// eligible devices that do not have it yet.
func (m *Machine) EnsureOutboundSession(ctx context.Context, roomID string) error {
	unlock := m.locks.lock("room:" + roomID)
	defer unlock()
	_, err := m.ensureOutboundSessionLocked(ctx, roomID)
	return err
}

func (m *Machine) ensureOutboundSessionLocked(ctx context.Context, roomID string) (*olm.OutboundGroupSession, error) {
	snapshot := m.roomSnapshot(roomID)
	if snapshot == nil || !snapshot.EncryptionEnabled {
		return nil, fmt.Errorf("room %s is not encrypted: %w", roomID, ErrNoActiveSession)
	}

	targets, err := m.targetDevices(snapshot)
	if err != nil {
		return nil, err
	}

	session, err := m.outboundGroupSession(roomID)
	if err != nil {
		return nil, err
	}
	rotate, reason := m.needsRotation(roomID, snapshot, session, targets)
	if session == nil || rotate {
		if session != nil {
			m.logf("crypto: rotating group session for %s: %s", roomID, reason)
		}
		session, err = m.createOutboundSession(roomID)
		if err != nil {
			return nil, err
		}
	}

	if err := m.shareRoomKey(ctx, roomID, session, targets); err != nil {
		return nil, err
	}
	return session, nil
}

// createOutboundSession makes a fresh group session and imports our own
// inbound copy, so this device can decrypt its own history and answer
// key requests at the original index.
func (m *Machine) createOutboundSession(roomID string) (*olm.OutboundGroupSession, error) {
	session, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("crypto: create group session: %w", err)
	}
	inbound, err := olm.NewInboundGroupSession(session.SessionKey())
	if err != nil {
		return nil, fmt.Errorf("crypto: own inbound copy: %w", err)
	}
	if err := m.persistInboundGroup(roomID, m.account.IdentityKey().B64(), inbound); err != nil {
		return nil, err
	}
	if err := m.persistOutboundGroup(roomID, session); err != nil {
		return nil, err
	}
	m.groupMu.Lock()
	delete(m.rekeyFlags, roomID)
	m.groupMu.Unlock()
	m.logf("crypto: new group session %s for %s", session.ID(), roomID)
	return session, nil
}

// needsRotation decides whether the current session may still be used.
// Room state overrides tighten the client-wide policy.
func (m *Machine) needsRotation(roomID string, snapshot *roomstate.Snapshot, session *olm.OutboundGroupSession, targets []*DeviceRecord) (bool, string) {
	if session == nil {
		return false, ""
	}

	m.groupMu.Lock()
	rekey := m.rekeyFlags[roomID]
	m.groupMu.Unlock()
	if rekey {
		return true, "explicit rekey"
	}

	maxMessages := int64(m.cfg.Rotation.MaxMessages)
	if snapshot.RotationMsgs > 0 {
		maxMessages = snapshot.RotationMsgs
	}
	if int64(session.MessageIndex()) >= maxMessages {
		return true, "message ceiling"
	}

	maxAge := m.cfg.Rotation.MaxAge
	if snapshot.RotationPeriod > 0 {
		maxAge = snapshot.RotationPeriod
	}
	if m.now().Sub(session.CreationTime()) >= maxAge {
		return true, "age ceiling"
	}

	// If the key was shared with a device that is no longer eligible
	// (left the room, revoked, trust downgraded), the session is burnt.
	shared, err := m.cfg.Store.SharedWith(roomID, session.ID())
	if err != nil {
		m.logf("crypto: shared-with lookup for %s: %v", roomID, err)
		return true, "shared-with unavailable"
	}
	eligible := map[string]bool{}
	for _, d := range targets {
		eligible[d.Key()] = true
	}
	for key := range shared {
		if !eligible[key] {
			return true, "device " + key + " no longer eligible"
		}
	}
	return false, ""
}

// targetDevices computes the devices a room key may be shared with:
// every device of every joined member, excluding the local device,
// revoked devices always, and unverified ones when verification is
// required.
func (m *Machine) targetDevices(snapshot *roomstate.Snapshot) ([]*DeviceRecord, error) {
	var out []*DeviceRecord
	for _, userID := range snapshot.JoinedMembers() {
		devices, err := m.cfg.Store.DevicesForUser(userID)
		if err != nil {
			return nil, fmt.Errorf("crypto: devices for %s: %w", userID, err)
		}
		for _, device := range devices {
			if device.UserID == m.cfg.UserID && device.DeviceID == m.cfg.DeviceID {
				continue
			}
			if device.Trust == TrustRevoked {
				continue
			}
			if m.cfg.VerificationRequired && device.Trust != TrustVerified {
				continue
			}
			out = append(out, device)
		}
	}
	return out, nil
}

// shareRoomKey delivers the session key to every target device that has
// not received it yet. Each delivery is olm-encrypted individually; a
// device is only marked shared after its send succeeds, so failed sends
// retry on the next call.
func (m *Machine) shareRoomKey(ctx context.Context, roomID string, session *olm.OutboundGroupSession, targets []*DeviceRecord) error {
	shared, err := m.cfg.Store.SharedWith(roomID, session.ID())
	if err != nil {
		return fmt.Errorf("crypto: shared-with lookup: %w", err)
	}

	content := &event.RoomKeyContent{
		Algorithm:  event.AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  session.ID(),
		SessionKey: session.SessionKey(),
	}

	var sent []string
	var firstErr error
	for _, device := range targets {
		if shared[device.Key()] {
			continue
		}
		if err := m.sendEncryptedToDevice(ctx, device.UserID, device.DeviceID, event.TypeRoomKey, content); err != nil {
			m.logf("crypto: share room key with %s/%s: %v", device.UserID, device.DeviceID, err)
			if firstErr == nil && !IsMissingKeyMaterial(err) {
				firstErr = err
			}
			continue
		}
		sent = append(sent, device.Key())
	}
	if len(sent) > 0 {
		if err := m.cfg.Store.MarkSharedWith(roomID, session.ID(), sent); err != nil {
			return fmt.Errorf("crypto: mark shared: %w", err)
		}
	}
	return firstErr
}

// sendEncryptedToDevice olm-encrypts a payload and hands it to the
// configured sender.
func (m *Machine) sendEncryptedToDevice(ctx context.Context, userID, deviceID, eventType string, content any) error {
	if m.cfg.Sender == nil {
		return fmt.Errorf("crypto: no sender configured")
	}
	payload, err := m.EncryptToDevice(ctx, userID, deviceID, eventType, content)
	if err != nil {
		return err
	}
	return m.cfg.Sender.SendToDevice(ctx, userID, deviceID, event.TypeRoomEncrypted, payload)
}

// OnRoomChange reacts to a folded state change. A member losing join
// membership burns the room's current session immediately rather than
// waiting for the next send.
func (m *Machine) OnRoomChange(change roomstate.Change) {
	if len(change.Left) > 0 {
		m.logf("crypto: member left %s, forcing rekey", change.RoomID)
		m.RequestRekey(change.RoomID)
	}
}

// HandleKeyRequest answers an incoming m.room_key_request. Requests that
// fail any check are dropped without a reply, so a probing device learns
// nothing.
func (m *Machine) HandleKeyRequest(ctx context.Context, senderUserID string, content *event.RoomKeyRequestContent) {
	if content.Action != event.KeyRequestActionRequest || content.Body == nil {
		return
	}
	body := content.Body

	device, err := m.Device(senderUserID, content.RequestingDeviceID)
	if err != nil || device == nil {
		m.logf("crypto: key request from unknown device %s/%s", senderUserID, content.RequestingDeviceID)
		return
	}
	if device.Trust == TrustRevoked {
		m.logf("crypto: key request from revoked device %s dropped", device.Key())
		return
	}
	if device.UserID == m.cfg.UserID && device.DeviceID == m.cfg.DeviceID {
		return
	}

	// Rate limit answers per requesting device.
	m.shareMu.Lock()
	last := m.lastShareSent[device.Key()]
	now := m.now()
	if now.Sub(last) < m.cfg.KeyShareMinInterval {
		m.shareMu.Unlock()
		m.logf("crypto: key request from %s rate limited", device.Key())
		return
	}
	m.lastShareSent[device.Key()] = now
	m.shareMu.Unlock()

	snapshot := m.roomSnapshot(body.RoomID)
	if snapshot == nil || snapshot.Members[senderUserID] != event.MembershipJoin {
		m.logf("crypto: key request from non-member %s for %s dropped", senderUserID, body.RoomID)
		return
	}
	if m.cfg.VerificationRequired && device.Trust != TrustVerified {
		m.logf("crypto: key request from unverified %s dropped", device.Key())
		return
	}

	ownKey := m.account.IdentityKey().B64()
	if body.SenderKey == ownKey {
		// Our own session: answer with the key at its original index.
		inbound, err := m.inboundGroupSession(body.RoomID, ownKey, body.SessionID)
		if err != nil || inbound == nil {
			m.logf("crypto: key request for unknown own session %s dropped", body.SessionID)
			return
		}
		answer := &event.RoomKeyContent{
			Algorithm:  event.AlgorithmMegolm,
			RoomID:     body.RoomID,
			SessionID:  body.SessionID,
			SessionKey: inbound.Export(),
		}
		if err := m.sendEncryptedToDevice(ctx, device.UserID, device.DeviceID, event.TypeRoomKey, answer); err != nil {
			m.logf("crypto: answer key request from %s: %v", device.Key(), err)
			return
		}
		m.logf("crypto: answered key request %s from %s", content.RequestID, device.Key())
		return
	}

	// Forwarding someone else's key widens its audience beyond what the
	// original sender chose, so only our own verified devices qualify.
	if device.UserID != m.cfg.UserID || device.Trust != TrustVerified {
		m.logf("crypto: forward request from %s dropped", device.Key())
		return
	}
	inbound, err := m.inboundGroupSession(body.RoomID, body.SenderKey, body.SessionID)
	if err != nil || inbound == nil {
		m.logf("crypto: key request for unknown session %s dropped", body.SessionID)
		return
	}
	answer := &event.ForwardedRoomKeyContent{
		Algorithm:       event.AlgorithmMegolm,
		RoomID:          body.RoomID,
		SessionID:       body.SessionID,
		SenderKey:       body.SenderKey,
		SessionKey:      inbound.Export(),
		ForwardingChain: []string{ownKey},
	}
	if err := m.sendEncryptedToDevice(ctx, device.UserID, device.DeviceID, event.TypeForwardedRoomKey, answer); err != nil {
		m.logf("crypto: forward key to %s: %v", device.Key(), err)
		return
	}
	m.logf("crypto: forwarded session %s to %s", body.SessionID, device.Key())
}

func (m *Machine) roomSnapshot(roomID string) *roomstate.Snapshot {
	if m.cfg.Rooms == nil {
		return nil
	}
	return m.cfg.Rooms.Snapshot(roomID)
}
