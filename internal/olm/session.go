package olm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// MessageType distinguishes session-initiation messages from normal
// ratchet messages.
type MessageType int

const (
	// MessageTypePreKey carries the establishment keys alongside the
	// first ratchet message(s). Sent until the peer's first reply
	// confirms the session.
	MessageTypePreKey MessageType = 0
	// MessageTypeNormal is a plain ratchet message.
	MessageTypeNormal MessageType = 1
)

const maxSkippedKeys = 1000

// Message is a pairwise encrypted message. The establishment fields are
// only set for MessageTypePreKey.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`

	// Establishment keys (prekey messages only).
	IdentityKey  Key `json:"identity_key,omitzero"`
	EphemeralKey Key `json:"ephemeral_key,omitzero"`
	OneTimeKey   Key `json:"one_time_key,omitzero"`

	// Ratchet header.
	RatchetKey  Key    `json:"ratchet_key"`
	Counter     uint32 `json:"counter"`
	PrevCounter uint32 `json:"prev_counter"`

	Ciphertext []byte `json:"ciphertext"`
}

// Session is a pairwise double-ratchet session. One side creates it
// outbound against a peer's published identity and one-time keys; the
// other side creates it inbound from the resulting prekey message.
type Session struct {
	id string

	rootKey   []byte
	dhPriv    Key
	dhPub     Key
	remoteDH  Key
	sendChain []byte
	recvChain []byte

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	// skipped holds message keys for out-of-order delivery, keyed by
	// ratchet pub + counter. Each key decrypts exactly one message.
	skipped map[string][]byte

	// confirmed flips once we have decrypted a message from the peer;
	// until then outbound messages carry the establishment keys.
	confirmed bool

	// Establishment keys echoed in prekey messages.
	initIdentity  Key
	initEphemeral Key
	initOneTime   Key

	remoteIdentity Key
}

// sessionIDFrom derives the session id both sides compute identically
// from the establishment keys.
func sessionIDFrom(identity, ephemeral, oneTime Key) string {
	h := sha256.New()
	h.Write(identity[:])
	h.Write(ephemeral[:])
	h.Write(oneTime[:])
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// deriveSharedSecret runs the triple-DH establishment. The initiator
// passes its identity and ephemeral private keys with the peer's public
// keys; the responder passes the mirrored private halves.
func initiatorSecret(identityPriv, ephemeralPriv, peerIdentity, peerOneTime Key) ([]byte, error) {
	d1, err := dh(identityPriv, peerOneTime)
	if err != nil {
		return nil, err
	}
	d2, err := dh(ephemeralPriv, peerIdentity)
	if err != nil {
		return nil, err
	}
	d3, err := dh(ephemeralPriv, peerOneTime)
	if err != nil {
		return nil, err
	}
	secret := append(append(d1, d2...), d3...)
	sum := sha256.Sum256(secret)
	return sum[:], nil
}

func responderSecret(identityPriv, oneTimePriv, peerIdentity, peerEphemeral Key) ([]byte, error) {
	d1, err := dh(oneTimePriv, peerIdentity)
	if err != nil {
		return nil, err
	}
	d2, err := dh(identityPriv, peerEphemeral)
	if err != nil {
		return nil, err
	}
	d3, err := dh(oneTimePriv, peerEphemeral)
	if err != nil {
		return nil, err
	}
	secret := append(append(d1, d2...), d3...)
	sum := sha256.Sum256(secret)
	return sum[:], nil
}

// NewOutboundSession establishes a session toward a peer device from its
// published identity key and a claimed one-time key.
func NewOutboundSession(account *Account, peerIdentity, peerOneTime Key) (*Session, error) {
	ephPriv, ephPub, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := initiatorSecret(account.identityKey, ephPriv, peerIdentity, peerOneTime)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:             sessionIDFrom(account.identityPub, ephPub, peerOneTime),
		rootKey:        secret,
		remoteDH:       peerOneTime,
		skipped:        map[string][]byte{},
		initIdentity:   account.identityPub,
		initEphemeral:  ephPub,
		initOneTime:    peerOneTime,
		remoteIdentity: peerIdentity,
	}

	// First DH ratchet step: the peer's one-time key doubles as its
	// initial ratchet key.
	s.dhPriv, s.dhPub, err = generateKeyPair()
	if err != nil {
		return nil, err
	}
	out, err := dh(s.dhPriv, s.remoteDH)
	if err != nil {
		return nil, err
	}
	s.rootKey, s.sendChain, err = kdfRoot(s.rootKey, out)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewInboundSession creates a session from a received prekey message,
// consuming the referenced one-time key from the account.
func NewInboundSession(account *Account, msg *Message) (*Session, error) {
	if msg.Type != MessageTypePreKey {
		return nil, ErrNotPreKeyMessage
	}
	oneTimePriv, err := account.claimOneTimeKey(msg.OneTimeKey)
	if err != nil {
		return nil, err
	}
	secret, err := responderSecret(account.identityKey, oneTimePriv, msg.IdentityKey, msg.EphemeralKey)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:             sessionIDFrom(msg.IdentityKey, msg.EphemeralKey, msg.OneTimeKey),
		rootKey:        secret,
		dhPriv:         oneTimePriv,
		dhPub:          msg.OneTimeKey,
		remoteDH:       msg.RatchetKey,
		skipped:        map[string][]byte{},
		confirmed:      true,
		remoteIdentity: msg.IdentityKey,
	}

	// Mirror of the initiator's first ratchet step: derive the receive
	// chain for the initiator's first send chain.
	out, err := dh(s.dhPriv, s.remoteDH)
	if err != nil {
		return nil, err
	}
	s.rootKey, s.recvChain, err = kdfRoot(s.rootKey, out)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RemoteIdentityKey returns the peer's curve25519 identity key.
func (s *Session) RemoteIdentityKey() Key { return s.remoteIdentity }

// Confirmed reports whether the peer has demonstrably received the
// session (we have decrypted at least one of its messages).
func (s *Session) Confirmed() bool { return s.confirmed }

// MatchesPreKeyMessage reports whether an incoming prekey message belongs
// to this session.
func (s *Session) MatchesPreKeyMessage(msg *Message) bool {
	return msg.Type == MessageTypePreKey && msg.SessionID == s.id
}

// Encrypt advances the send ratchet and returns the next message.
func (s *Session) Encrypt(plaintext []byte) (*Message, error) {
	if s.sendChain == nil {
		// Our ratchet key is stale relative to the peer's latest:
		// perform the send half of the DH ratchet step.
		var err error
		s.prevSendCount = s.sendCount
		s.sendCount = 0
		s.dhPriv, s.dhPub, err = generateKeyPair()
		if err != nil {
			return nil, err
		}
		out, err := dh(s.dhPriv, s.remoteDH)
		if err != nil {
			return nil, err
		}
		s.rootKey, s.sendChain, err = kdfRoot(s.rootKey, out)
		if err != nil {
			return nil, err
		}
	}

	var messageKey []byte
	messageKey, s.sendChain = kdfChain(s.sendChain)

	msg := &Message{
		Type:        MessageTypeNormal,
		SessionID:   s.id,
		RatchetKey:  s.dhPub,
		Counter:     s.sendCount,
		PrevCounter: s.prevSendCount,
	}
	if !s.confirmed {
		msg.Type = MessageTypePreKey
		msg.IdentityKey = s.initIdentity
		msg.EphemeralKey = s.initEphemeral
		msg.OneTimeKey = s.initOneTime
	}

	aead, err := chacha20poly1305.New(messageKey[:aeadKeySize])
	if err != nil {
		return nil, fmt.Errorf("olm: aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	msg.Ciphertext = aead.Seal(nil, nonce, plaintext, s.ad(msg))
	s.sendCount++
	return msg, nil
}

// Decrypt advances the receive ratchet as needed and returns the
// plaintext. Out-of-order messages within the skipped-key bound are
// accepted; replayed counters fail with ErrMessageKeyNotFound.
func (s *Session) Decrypt(msg *Message) ([]byte, error) {
	// Try the skipped-key cache first.
	if key, ok := s.skipped[skippedKeyID(msg.RatchetKey, msg.Counter)]; ok {
		plaintext, err := s.open(key, msg)
		if err != nil {
			return nil, err
		}
		delete(s.skipped, skippedKeyID(msg.RatchetKey, msg.Counter))
		s.confirmed = true
		return plaintext, nil
	}

	if msg.RatchetKey != s.remoteDH {
		// New remote ratchet key. Cache keys for messages still in
		// flight on the old chain, then step the receive ratchet. Our
		// send chain is now stale; the next Encrypt re-keys it.
		if s.recvChain != nil {
			if err := s.skipTo(msg.PrevCounter); err != nil {
				return nil, err
			}
		}
		out, err := dh(s.dhPriv, msg.RatchetKey)
		if err != nil {
			return nil, err
		}
		newRoot, newChain, err := kdfRoot(s.rootKey, out)
		if err != nil {
			return nil, err
		}
		// Validate before committing any ratchet state: decrypt with a
		// trial advance so a forged header cannot desync the session.
		trial := trialChain{chain: newChain, count: 0}
		key, err := trial.advanceTo(msg.Counter)
		if err != nil {
			return nil, err
		}
		plaintext, err := s.open(key, msg)
		if err != nil {
			return nil, err
		}
		s.rootKey = newRoot
		s.remoteDH = msg.RatchetKey
		s.recvChain = trial.chain
		s.recvCount = msg.Counter + 1
		s.sendChain = nil
		for c, k := range trial.skipped {
			if err := s.cacheSkipped(msg.RatchetKey, c, k); err != nil {
				return nil, err
			}
		}
		s.confirmed = true
		return plaintext, nil
	}

	if msg.Counter < s.recvCount {
		// Counter already consumed and not in the cache.
		return nil, ErrMessageKeyNotFound
	}

	trial := trialChain{chain: s.recvChain, count: s.recvCount}
	key, err := trial.advanceTo(msg.Counter)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.open(key, msg)
	if err != nil {
		return nil, err
	}
	s.recvChain = trial.chain
	s.recvCount = msg.Counter + 1
	for c, k := range trial.skipped {
		if err := s.cacheSkipped(msg.RatchetKey, c, k); err != nil {
			return nil, err
		}
	}
	s.confirmed = true
	return plaintext, nil
}

// trialChain advances a copy of a receive chain so that nothing is
// committed until the AEAD opens successfully.
type trialChain struct {
	chain   []byte
	count   uint32
	skipped map[uint32][]byte
}

func (t *trialChain) advanceTo(counter uint32) ([]byte, error) {
	if counter-t.count > maxSkippedKeys {
		return nil, ErrMessageKeyNotFound
	}
	t.skipped = map[uint32][]byte{}
	for t.count < counter {
		var key []byte
		key, t.chain = kdfChain(t.chain)
		t.skipped[t.count] = key
		t.count++
	}
	var key []byte
	key, t.chain = kdfChain(t.chain)
	t.count++
	return key, nil
}

// skipTo caches message keys for the remainder of the current receive
// chain, up to but excluding prevCounter.
func (s *Session) skipTo(prevCounter uint32) error {
	if prevCounter < s.recvCount {
		return nil
	}
	if prevCounter-s.recvCount > maxSkippedKeys {
		return ErrMessageKeyNotFound
	}
	for s.recvCount < prevCounter {
		var key []byte
		key, s.recvChain = kdfChain(s.recvChain)
		if err := s.cacheSkipped(s.remoteDH, s.recvCount, key); err != nil {
			return err
		}
		s.recvCount++
	}
	return nil
}

func (s *Session) cacheSkipped(ratchetKey Key, counter uint32, key []byte) error {
	if len(s.skipped) >= maxSkippedKeys {
		return ErrMessageKeyNotFound
	}
	s.skipped[skippedKeyID(ratchetKey, counter)] = key
	return nil
}

func skippedKeyID(ratchetKey Key, counter uint32) string {
	return fmt.Sprintf("%s:%d", ratchetKey.B64(), counter)
}

func (s *Session) open(messageKey []byte, msg *Message) ([]byte, error) {
	aead, err := chacha20poly1305.New(messageKey[:aeadKeySize])
	if err != nil {
		return nil, fmt.Errorf("olm: aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, msg.Ciphertext, s.ad(msg))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ad builds the associated data binding a ciphertext to its session and
// ratchet position.
func (s *Session) ad(msg *Message) []byte {
	buf := make([]byte, 0, len(s.id)+keySize+8)
	buf = append(buf, s.id...)
	buf = append(buf, msg.RatchetKey[:]...)
	buf = binary.BigEndian.AppendUint32(buf, msg.Counter)
	buf = binary.BigEndian.AppendUint32(buf, msg.PrevCounter)
	return buf
}

// sessionPickle is the serialised form of a Session.
type sessionPickle struct {
	ID             string            `json:"id"`
	RootKey        []byte            `json:"root_key"`
	DHPriv         Key               `json:"dh_priv"`
	DHPub          Key               `json:"dh_pub"`
	RemoteDH       Key               `json:"remote_dh"`
	SendChain      []byte            `json:"send_chain"`
	RecvChain      []byte            `json:"recv_chain"`
	SendCount      uint32            `json:"send_count"`
	RecvCount      uint32            `json:"recv_count"`
	PrevSendCount  uint32            `json:"prev_send_count"`
	Skipped        map[string][]byte `json:"skipped"`
	Confirmed      bool              `json:"confirmed"`
	InitIdentity   Key               `json:"init_identity"`
	InitEphemeral  Key               `json:"init_ephemeral"`
	InitOneTime    Key               `json:"init_one_time"`
	RemoteIdentity Key               `json:"remote_identity"`
}

// Pickle serialises the session for storage.
func (s *Session) Pickle() ([]byte, error) {
	return json.Marshal(sessionPickle{
		ID:             s.id,
		RootKey:        s.rootKey,
		DHPriv:         s.dhPriv,
		DHPub:          s.dhPub,
		RemoteDH:       s.remoteDH,
		SendChain:      s.sendChain,
		RecvChain:      s.recvChain,
		SendCount:      s.sendCount,
		RecvCount:      s.recvCount,
		PrevSendCount:  s.prevSendCount,
		Skipped:        s.skipped,
		Confirmed:      s.confirmed,
		InitIdentity:   s.initIdentity,
		InitEphemeral:  s.initEphemeral,
		InitOneTime:    s.initOneTime,
		RemoteIdentity: s.remoteIdentity,
	})
}

// UnpickleSession restores a session from its serialised form.
func UnpickleSession(data []byte) (*Session, error) {
	var p sessionPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle session: %w", err)
	}
	s := &Session{
		id:             p.ID,
		rootKey:        p.RootKey,
		dhPriv:         p.DHPriv,
		dhPub:          p.DHPub,
		remoteDH:       p.RemoteDH,
		sendChain:      p.SendChain,
		recvChain:      p.RecvChain,
		sendCount:      p.SendCount,
		recvCount:      p.RecvCount,
		prevSendCount:  p.PrevSendCount,
		skipped:        p.Skipped,
		confirmed:      p.Confirmed,
		initIdentity:   p.InitIdentity,
		initEphemeral:  p.InitEphemeral,
		initOneTime:    p.InitOneTime,
		remoteIdentity: p.RemoteIdentity,
	}
	if s.skipped == nil {
		s.skipped = map[string][]byte{}
	}
	return s, nil
}
