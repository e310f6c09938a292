package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/olm"
)

// EncryptToDevice encrypts a payload for one recipient device. If no
// active pairwise session exists, one is established from the
// recipient's published one-time key material; ErrNoKeyMaterial is
// returned when neither is available.
func (m *Machine) EncryptToDevice(ctx context.Context, userID, deviceID, eventType string, content any) (*event.OlmPayload, error) {
	device, err := m.Device(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || device.CurveKey == "" {
		return nil, fmt.Errorf("device %s/%s unknown: %w", userID, deviceID, ErrNoKeyMaterial)
	}

	unlock := m.locks.lock("peer:" + device.CurveKey)
	defer unlock()

	session, err := m.activeOlmSession(device.CurveKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session, err = m.establishOlmSession(ctx, device)
		if err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal to-device content: %w", err)
	}
	inner := event.OlmPlaintext{
		Sender:        m.cfg.UserID,
		SenderDevice:  m.cfg.DeviceID,
		SenderKeys:    map[string]string{"ed25519": m.account.SigningKey()},
		Recipient:     userID,
		RecipientKeys: map[string]string{"ed25519": device.Ed25519Key},
		Type:          eventType,
		Content:       raw,
	}
	plaintext, err := json.Marshal(&inner)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal olm plaintext: %w", err)
	}

	msg, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: olm encrypt: %w", err)
	}
	if err := m.persistOlmSession(device.CurveKey, session, true); err != nil {
		return nil, err
	}

	return &event.OlmPayload{
		Algorithm: event.AlgorithmOlm,
		SenderKey: m.account.IdentityKey().B64(),
		Message:   *msg,
	}, nil
}

// DecryptToDevice decrypts an olm-encrypted to-device event. If the
// ciphertext is a session-initiation message for an unknown session, an
// inbound session is created. Ratchet validation failure yields
// ErrSessionMismatch: non-retryable, the message is dropped.
func (m *Machine) DecryptToDevice(senderUserID string, payload *event.OlmPayload) (*event.OlmPlaintext, error) {
	unlock := m.locks.lock("peer:" + payload.SenderKey)
	defer unlock()

	session, err := m.olmSessionByID(payload.SenderKey, payload.Message.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		if payload.Message.Type != olm.MessageTypePreKey {
			return nil, fmt.Errorf("no session %s for sender key %s: %w",
				payload.Message.SessionID, payload.SenderKey, ErrSessionMismatch)
		}
		m.accountMu.Lock()
		session, err = olm.NewInboundSession(m.account, &payload.Message)
		if err == nil {
			err = m.persistAccountLocked() // one-time key was consumed
		}
		m.accountMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("inbound session: %w: %v", ErrSessionMismatch, err)
		}
	}

	plaintext, err := session.Decrypt(&payload.Message)
	if err != nil {
		m.logf("crypto: SECURITY olm decrypt failed sender_key=%s session=%s: %v",
			payload.SenderKey, payload.Message.SessionID, err)
		return nil, fmt.Errorf("olm decrypt: %w: %v", ErrSessionMismatch, err)
	}
	// A decrypted message makes this the freshest working session with
	// the peer, so prefer it for sending.
	if err := m.persistOlmSession(payload.SenderKey, session, true); err != nil {
		return nil, err
	}

	var inner event.OlmPlaintext
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("olm plaintext: %w: %v", ErrSessionMismatch, err)
	}
	// The sender bound these identities inside the ciphertext; a
	// mismatch means the envelope was re-attributed in transit.
	if inner.Recipient != m.cfg.UserID ||
		inner.RecipientKeys["ed25519"] != m.account.SigningKey() ||
		(senderUserID != "" && inner.Sender != senderUserID) {
		m.logf("crypto: SECURITY olm identity binding mismatch sender=%s", senderUserID)
		return nil, fmt.Errorf("identity binding: %w", ErrSessionMismatch)
	}
	return &inner, nil
}

// EncryptRoomEvent encrypts a room event under the room's current group
// outbound session. The session must already exist: key distribution
// creates and shares it. Fails with ErrNoActiveSession otherwise.
func (m *Machine) EncryptRoomEvent(roomID, eventType string, content any) (*event.MegolmPayload, error) {
	unlock := m.locks.lock("room:" + roomID)
	defer unlock()
	return m.encryptRoomEventLocked(roomID, eventType, content)
}

func (m *Machine) encryptRoomEventLocked(roomID, eventType string, content any) (*event.MegolmPayload, error) {
	session, err := m.outboundGroupSession(roomID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNoActiveSession)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal room content: %w", err)
	}
	plaintext, err := json.Marshal(&event.MegolmPlaintext{
		Type:    eventType,
		RoomID:  roomID,
		Content: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal megolm plaintext: %w", err)
	}

	msg, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: megolm encrypt: %w", err)
	}
	if err := m.persistOutboundGroup(roomID, session); err != nil {
		return nil, err
	}

	return &event.MegolmPayload{
		Algorithm: event.AlgorithmMegolm,
		SenderKey: m.account.IdentityKey().B64(),
		DeviceID:  m.cfg.DeviceID,
		SessionID: session.ID(),
		Message:   *msg,
	}, nil
}

// DecryptRoomEvent decrypts a megolm-encrypted room event.
//
// ErrUnknownSession means the key has not arrived (yet); exactly one
// pending key request is raised per missing session. ErrRatchetRegression
// means a replayed index: hard failure, logged as a security event.
func (m *Machine) DecryptRoomEvent(ctx context.Context, roomID string, payload *event.MegolmPayload) (*event.MegolmPlaintext, error) {
	inner, err := m.decryptRoomEventWithLock(roomID, payload)
	if errors.Is(err, ErrUnknownSession) {
		// Raised outside the session lock: the answer may arrive
		// synchronously and needs the lock to import the key.
		m.raiseKeyRequest(ctx, roomID, payload.SessionID, payload.SenderKey)
	}
	return inner, err
}

// decryptRoomEventWithLock takes the session lock itself; DecryptRoomEvent
// stays outside it so a key request can be raised lock-free.
func (m *Machine) decryptRoomEventWithLock(roomID string, payload *event.MegolmPayload) (*event.MegolmPlaintext, error) {
	cacheKey := groupKey(roomID, payload.SenderKey, payload.SessionID)
	unlock := m.locks.lock("group:" + cacheKey)
	defer unlock()

	session, err := m.inboundGroupSession(roomID, payload.SenderKey, payload.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("room %s session %s: %w", roomID, payload.SessionID, ErrUnknownSession)
	}

	plaintext, err := session.Decrypt(&payload.Message)
	switch {
	case err == nil:
	case errors.Is(err, olm.ErrIndexTooOld):
		// The key we hold starts later than this message. A peer may
		// hold an earlier export.
		return nil, fmt.Errorf("room %s session %s index %d: %w",
			roomID, payload.SessionID, payload.Message.Index, ErrUnknownSession)
	case errors.Is(err, olm.ErrReplayedIndex):
		m.logf("crypto: SECURITY replayed megolm index room=%s session=%s index=%d",
			roomID, payload.SessionID, payload.Message.Index)
		return nil, fmt.Errorf("room %s session %s index %d: %w",
			roomID, payload.SessionID, payload.Message.Index, ErrRatchetRegression)
	default:
		m.logf("crypto: SECURITY megolm decrypt failed room=%s session=%s: %v",
			roomID, payload.SessionID, err)
		return nil, fmt.Errorf("megolm decrypt: %w: %v", ErrSessionMismatch, err)
	}

	if err := m.persistInboundGroup(roomID, payload.SenderKey, session); err != nil {
		return nil, err
	}

	var inner event.MegolmPlaintext
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("megolm plaintext: %w: %v", ErrSessionMismatch, err)
	}
	if inner.RoomID != roomID {
		// Ciphertext replayed into a different room.
		m.logf("crypto: SECURITY room binding mismatch got=%s want=%s", inner.RoomID, roomID)
		return nil, fmt.Errorf("room binding: %w", ErrSessionMismatch)
	}
	return &inner, nil
}

// --- session cache plumbing ---

// establishOlmSession claims a one-time key and creates a fresh
// outbound session toward the device. Caller holds the peer lock.
func (m *Machine) establishOlmSession(ctx context.Context, device *DeviceRecord) (*olm.Session, error) {
	if m.cfg.Directory == nil {
		return nil, fmt.Errorf("device %s/%s: %w", device.UserID, device.DeviceID, ErrNoKeyMaterial)
	}
	oneTime, err := m.cfg.Directory.ClaimOneTimeKey(ctx, device.UserID, device.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("crypto: claim one-time key for %s/%s: %w", device.UserID, device.DeviceID, err)
	}
	if oneTime.IsZero() {
		return nil, fmt.Errorf("device %s/%s has no one-time keys: %w", device.UserID, device.DeviceID, ErrNoKeyMaterial)
	}
	identity, err := olm.KeyFromB64(device.CurveKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: device identity key: %w", err)
	}
	session, err := olm.NewOutboundSession(m.account, identity, oneTime)
	if err != nil {
		return nil, fmt.Errorf("crypto: establish session: %w", err)
	}
	if err := m.persistOlmSession(device.CurveKey, session, true); err != nil {
		return nil, err
	}
	m.logf("crypto: new outbound olm session %s with %s/%s", session.ID(), device.UserID, device.DeviceID)
	return session, nil
}

func (m *Machine) activeOlmSession(senderKey string) (*olm.Session, error) {
	m.olmMu.Lock()
	id, ok := m.olmActive[senderKey]
	if ok {
		if session := m.olmSessions[senderKey][id]; session != nil {
			m.olmMu.Unlock()
			return session, nil
		}
	}
	m.olmMu.Unlock()

	id, err := m.cfg.Store.ActiveSessionID(senderKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: active session id: %w", err)
	}
	if id == "" {
		return nil, nil
	}
	return m.olmSessionByID(senderKey, id)
}

func (m *Machine) olmSessionByID(senderKey, sessionID string) (*olm.Session, error) {
	m.olmMu.Lock()
	if session := m.olmSessions[senderKey][sessionID]; session != nil {
		m.olmMu.Unlock()
		return session, nil
	}
	m.olmMu.Unlock()

	pickles, err := m.cfg.Store.SessionsForPeer(senderKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: load sessions: %w", err)
	}
	pickle, ok := pickles[sessionID]
	if !ok {
		return nil, nil
	}
	session, err := olm.UnpickleSession(pickle)
	if err != nil {
		return nil, fmt.Errorf("crypto: restore session %s: %w", sessionID, err)
	}
	m.cacheOlmSession(senderKey, session, false)
	return session, nil
}

func (m *Machine) cacheOlmSession(senderKey string, session *olm.Session, active bool) {
	m.olmMu.Lock()
	if m.olmSessions[senderKey] == nil {
		m.olmSessions[senderKey] = map[string]*olm.Session{}
	}
	m.olmSessions[senderKey][session.ID()] = session
	if active {
		m.olmActive[senderKey] = session.ID()
	}
	m.olmMu.Unlock()
}

func (m *Machine) persistOlmSession(senderKey string, session *olm.Session, active bool) error {
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("crypto: pickle session: %w", err)
	}
	if err := m.cfg.Store.PutSession(senderKey, session.ID(), pickle, active); err != nil {
		return fmt.Errorf("crypto: store session: %w", err)
	}
	m.cacheOlmSession(senderKey, session, active)
	return nil
}

func (m *Machine) outboundGroupSession(roomID string) (*olm.OutboundGroupSession, error) {
	m.groupMu.Lock()
	if session := m.outboundGroup[roomID]; session != nil {
		m.groupMu.Unlock()
		return session, nil
	}
	m.groupMu.Unlock()

	pickle, err := m.cfg.Store.GetOutboundGroupSession(roomID)
	if err != nil {
		return nil, fmt.Errorf("crypto: load outbound group session: %w", err)
	}
	if pickle == nil {
		return nil, nil
	}
	session, err := olm.UnpickleOutboundGroupSession(pickle)
	if err != nil {
		return nil, fmt.Errorf("crypto: restore outbound group session: %w", err)
	}
	m.groupMu.Lock()
	m.outboundGroup[roomID] = session
	m.groupMu.Unlock()
	return session, nil
}

func (m *Machine) persistOutboundGroup(roomID string, session *olm.OutboundGroupSession) error {
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("crypto: pickle outbound group session: %w", err)
	}
	if err := m.cfg.Store.PutOutboundGroupSession(roomID, pickle); err != nil {
		return fmt.Errorf("crypto: store outbound group session: %w", err)
	}
	m.groupMu.Lock()
	m.outboundGroup[roomID] = session
	m.groupMu.Unlock()
	return nil
}

func (m *Machine) inboundGroupSession(roomID, senderKey, sessionID string) (*olm.InboundGroupSession, error) {
	cacheKey := groupKey(roomID, senderKey, sessionID)
	m.groupMu.Lock()
	if session := m.inboundGroup[cacheKey]; session != nil {
		m.groupMu.Unlock()
		return session, nil
	}
	m.groupMu.Unlock()

	pickle, err := m.cfg.Store.GetInboundGroupSession(roomID, senderKey, sessionID)
	if err != nil {
		return nil, fmt.Errorf("crypto: load inbound group session: %w", err)
	}
	if pickle == nil {
		return nil, nil
	}
	session, err := olm.UnpickleInboundGroupSession(pickle)
	if err != nil {
		return nil, fmt.Errorf("crypto: restore inbound group session: %w", err)
	}
	m.groupMu.Lock()
	m.inboundGroup[cacheKey] = session
	m.groupMu.Unlock()
	return session, nil
}

func (m *Machine) persistInboundGroup(roomID, senderKey string, session *olm.InboundGroupSession) error {
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("crypto: pickle inbound group session: %w", err)
	}
	if err := m.cfg.Store.PutInboundGroupSession(roomID, senderKey, session.ID(), pickle); err != nil {
		return fmt.Errorf("crypto: store inbound group session: %w", err)
	}
	m.groupMu.Lock()
	m.inboundGroup[groupKey(roomID, senderKey, session.ID())] = session
	m.groupMu.Unlock()
	return nil
}
