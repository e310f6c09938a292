package crypto

import "errors"

// ErrStorageUnavailable wraps retryable storage failures. Hot-path reads
// treat it as transient; the sync loop treats it as fatal to the current
// batch and re-applies the batch on retry.
var ErrStorageUnavailable = errors.New("crypto: storage unavailable")

// TrustLevel is a device's verification status.
type TrustLevel int

const (
	TrustUnset TrustLevel = iota
	TrustVerified
	TrustRevoked
)

func (t TrustLevel) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustRevoked:
		return "revoked"
	default:
		return "unset"
	}
}

// DeviceRecord is a known device's identity and trust state. Revoked
// devices are kept forever so a reused device id cannot replay old keys
// as a fresh identity.
type DeviceRecord struct {
	UserID      string
	DeviceID    string
	CurveKey    string // curve25519 identity key, base64
	Ed25519Key  string // ed25519 signing key, base64
	Trust       TrustLevel
	CrossSigned bool
	FirstSeenTS int64
}

// Key returns the registry key for the device.
func (d *DeviceRecord) Key() string { return d.UserID + "|" + d.DeviceID }

// KeyRequestRecord is an outgoing key request awaiting an answer.
type KeyRequestRecord struct {
	RoomID        string
	SessionID     string
	SenderKey     string
	RequestID     string
	RetryCount    int
	LastAttemptTS int64
}

// Store is the durable storage contract the engine depends on. All
// methods may fail with an error wrapping ErrStorageUnavailable.
// Lookups return nil (or empty) with a nil error when the record does
// not exist, matching the convention of the underlying stores.
type Store interface {
	// Account pickle.
	LoadAccount() ([]byte, error)
	SaveAccount(pickle []byte) error

	// Pairwise sessions, keyed by the peer's curve25519 identity key.
	// At most one session per peer is active (preferred for sending);
	// the rest are retained read-only for late-arriving ciphertext.
	SessionsForPeer(senderKey string) (map[string][]byte, error)
	ActiveSessionID(senderKey string) (string, error)
	PutSession(senderKey, sessionID string, pickle []byte, active bool) error

	// Group sessions.
	PutInboundGroupSession(roomID, senderKey, sessionID string, pickle []byte) error
	GetInboundGroupSession(roomID, senderKey, sessionID string) ([]byte, error)
	PutOutboundGroupSession(roomID string, pickle []byte) error
	GetOutboundGroupSession(roomID string) ([]byte, error)

	// Device identities.
	GetDevice(userID, deviceID string) (*DeviceRecord, error)
	UpsertDevice(record *DeviceRecord) error
	DevicesForUser(userID string) ([]*DeviceRecord, error)

	// Set of devices a group session has been shared with, as
	// DeviceRecord.Key() strings.
	SharedWith(roomID, sessionID string) (map[string]bool, error)
	MarkSharedWith(roomID, sessionID string, deviceKeys []string) error

	// Pending outgoing key requests.
	PutKeyRequest(record *KeyRequestRecord) error
	GetKeyRequest(roomID, sessionID string) (*KeyRequestRecord, error)
	DeleteKeyRequest(roomID, sessionID string) error
	ListKeyRequests() ([]*KeyRequestRecord, error)
}
