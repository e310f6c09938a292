package olm

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// GroupMessage is a room message encrypted under a group session.
type GroupMessage struct {
	SessionID  string `json:"session_id"`
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  string `json:"signature"`
}

// SessionKey is the exportable state of a group session at a given
// ratchet position. Sharing it lets the recipient decrypt every message
// from FirstKnownIndex onward, and nothing earlier.
type SessionKey struct {
	SessionID       string `json:"session_id"`
	FirstKnownIndex uint32 `json:"first_known_index"`
	Ratchet         []byte `json:"ratchet"`
	SigningKey      string `json:"signing_key"`
}

// OutboundGroupSession encrypts room events for broadcast. The ratchet
// is a hash chain advanced once per message; an ed25519 key signs each
// message so recipients can attribute it to the session creator.
type OutboundGroupSession struct {
	id           string
	ratchet      []byte
	messageIndex uint32
	signingKey   ed25519.PrivateKey
	creationTime time.Time
}

// NewOutboundGroupSession creates a fresh group session.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	ratchet := make([]byte, 32)
	if _, err := rand.Read(ratchet); err != nil {
		return nil, fmt.Errorf("olm: group session seed: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: group signing key: %w", err)
	}
	return &OutboundGroupSession{
		id:           uuid.NewString(),
		ratchet:      ratchet,
		signingKey:   priv,
		creationTime: time.Now(),
	}, nil
}

// ID returns the session id.
func (s *OutboundGroupSession) ID() string { return s.id }

// MessageIndex returns the index the next message will use, which equals
// the number of messages sent so far.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.messageIndex }

// CreationTime returns when the session was created.
func (s *OutboundGroupSession) CreationTime() time.Time { return s.creationTime }

// Encrypt encrypts a message at the current index, signs it, and
// advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (*GroupMessage, error) {
	key := groupMessageKey(s.ratchet)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("olm: aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)

	msg := &GroupMessage{
		SessionID: s.id,
		Index:     s.messageIndex,
	}
	msg.Ciphertext = aead.Seal(nil, nonce, plaintext, groupAD(s.id, s.messageIndex))
	msg.Signature = base64.RawStdEncoding.EncodeToString(
		ed25519.Sign(s.signingKey, groupSigned(msg)))

	s.ratchet = advanceRatchet(s.ratchet)
	s.messageIndex++
	return msg, nil
}

// SessionKey exports the session state at the current index for sharing.
func (s *OutboundGroupSession) SessionKey() *SessionKey {
	return &SessionKey{
		SessionID:       s.id,
		FirstKnownIndex: s.messageIndex,
		Ratchet:         append([]byte(nil), s.ratchet...),
		SigningKey: base64.RawStdEncoding.EncodeToString(
			s.signingKey.Public().(ed25519.PublicKey)),
	}
}

// InboundGroupSession decrypts room events from one sender session. It
// can only move the ratchet forward from the position it was imported
// at, and refuses replayed indices.
type InboundGroupSession struct {
	id              string
	firstKnownIndex uint32
	ratchet         []byte // state at firstKnownIndex
	signingKey      string
	seen            map[uint32]bool
}

// NewInboundGroupSession imports a shared session key.
func NewInboundGroupSession(key *SessionKey) (*InboundGroupSession, error) {
	if key.SessionID == "" || len(key.Ratchet) != 32 || key.SigningKey == "" {
		return nil, fmt.Errorf("olm: malformed session key")
	}
	return &InboundGroupSession{
		id:              key.SessionID,
		firstKnownIndex: key.FirstKnownIndex,
		ratchet:         append([]byte(nil), key.Ratchet...),
		signingKey:      key.SigningKey,
		seen:            map[uint32]bool{},
	}, nil
}

// ID returns the session id.
func (s *InboundGroupSession) ID() string { return s.id }

// FirstKnownIndex returns the earliest message index this session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.firstKnownIndex }

// Export re-exports the session key at its first known index, for
// forwarding to another device.
func (s *InboundGroupSession) Export() *SessionKey {
	return &SessionKey{
		SessionID:       s.id,
		FirstKnownIndex: s.firstKnownIndex,
		Ratchet:         append([]byte(nil), s.ratchet...),
		SigningKey:      s.signingKey,
	}
}

// Decrypt verifies and decrypts a group message.
//
// An index below the first known index fails with ErrIndexTooOld: the
// required ratchet state was never shared with us. An index already
// consumed fails with ErrReplayedIndex.
func (s *InboundGroupSession) Decrypt(msg *GroupMessage) ([]byte, error) {
	if err := VerifySignature(s.signingKey, groupSigned(msg), msg.Signature); err != nil {
		return nil, err
	}
	if msg.Index < s.firstKnownIndex {
		return nil, ErrIndexTooOld
	}
	if s.seen[msg.Index] {
		return nil, ErrReplayedIndex
	}

	ratchet := append([]byte(nil), s.ratchet...)
	for i := s.firstKnownIndex; i < msg.Index; i++ {
		ratchet = advanceRatchet(ratchet)
	}
	key := groupMessageKey(ratchet)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("olm: aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, msg.Ciphertext, groupAD(s.id, msg.Index))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	s.seen[msg.Index] = true
	return plaintext, nil
}

// advanceRatchet steps the hash chain one position. The step is one-way:
// earlier states cannot be recovered from later ones.
func advanceRatchet(ratchet []byte) []byte {
	m := hmac.New(sha256.New, ratchet)
	m.Write([]byte("MATRIX_GO_GROUP_RATCHET"))
	return m.Sum(nil)
}

// groupMessageKey derives the AEAD key for the current ratchet state.
func groupMessageKey(ratchet []byte) []byte {
	r := hkdf.New(sha256.New, ratchet, nil, []byte("MATRIX_GO_GROUP_KEY"))
	key := make([]byte, aeadKeySize)
	_, _ = r.Read(key)
	return key
}

func groupAD(sessionID string, index uint32) []byte {
	buf := make([]byte, 0, len(sessionID)+4)
	buf = append(buf, sessionID...)
	buf = binary.BigEndian.AppendUint32(buf, index)
	return buf
}

func groupSigned(msg *GroupMessage) []byte {
	buf := make([]byte, 0, len(msg.SessionID)+4+len(msg.Ciphertext))
	buf = append(buf, msg.SessionID...)
	buf = binary.BigEndian.AppendUint32(buf, msg.Index)
	buf = append(buf, msg.Ciphertext...)
	return buf
}

// outboundGroupPickle is the serialised form of an OutboundGroupSession.
type outboundGroupPickle struct {
	ID           string    `json:"id"`
	Ratchet      []byte    `json:"ratchet"`
	MessageIndex uint32    `json:"message_index"`
	SigningKey   []byte    `json:"signing_key"`
	CreationTime time.Time `json:"creation_time"`
}

// Pickle serialises the outbound session for storage.
func (s *OutboundGroupSession) Pickle() ([]byte, error) {
	return json.Marshal(outboundGroupPickle{
		ID:           s.id,
		Ratchet:      s.ratchet,
		MessageIndex: s.messageIndex,
		SigningKey:   s.signingKey,
		CreationTime: s.creationTime,
	})
}

// UnpickleOutboundGroupSession restores an outbound session.
func UnpickleOutboundGroupSession(data []byte) (*OutboundGroupSession, error) {
	var p outboundGroupPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle outbound group session: %w", err)
	}
	return &OutboundGroupSession{
		id:           p.ID,
		ratchet:      p.Ratchet,
		messageIndex: p.MessageIndex,
		signingKey:   p.SigningKey,
		creationTime: p.CreationTime,
	}, nil
}

// inboundGroupPickle is the serialised form of an InboundGroupSession.
type inboundGroupPickle struct {
	ID              string          `json:"id"`
	FirstKnownIndex uint32          `json:"first_known_index"`
	Ratchet         []byte          `json:"ratchet"`
	SigningKey      string          `json:"signing_key"`
	Seen            map[uint32]bool `json:"seen"`
}

// Pickle serialises the inbound session for storage.
func (s *InboundGroupSession) Pickle() ([]byte, error) {
	return json.Marshal(inboundGroupPickle{
		ID:              s.id,
		FirstKnownIndex: s.firstKnownIndex,
		Ratchet:         s.ratchet,
		SigningKey:      s.signingKey,
		Seen:            s.seen,
	})
}

// UnpickleInboundGroupSession restores an inbound session.
func UnpickleInboundGroupSession(data []byte) (*InboundGroupSession, error) {
	var p inboundGroupPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle inbound group session: %w", err)
	}
	s := &InboundGroupSession{
		id:              p.ID,
		firstKnownIndex: p.FirstKnownIndex,
		ratchet:         p.Ratchet,
		signingKey:      p.SigningKey,
		seen:            p.Seen,
	}
	if s.seen == nil {
		s.seen = map[uint32]bool{}
	}
	return s, nil
}
