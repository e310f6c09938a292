// Package crypto implements the encryption engine: device identity
// tracking, pairwise and group session lifecycle, room key
// distribution, and interactive device verification.
//
// All state flows through a single Machine, created per device
// identity. Operations are safe for concurrent use; mutation of any
// one session is serialised internally.
package crypto

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/olm"
	"github.com/gwillem/matrix-go/internal/roomstate"
)

// Sender delivers to-device events to a specific device. Implementations
// may retry; deliveries are idempotent at the protocol layer.
type Sender interface {
	SendToDevice(ctx context.Context, userID, deviceID, eventType string, content any) error
}

// KeyDirectory answers key material queries against the homeserver.
type KeyDirectory interface {
	// ClaimOneTimeKey claims a one-time key for a device. A zero key
	// with nil error means the device has none left.
	ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (olm.Key, error)
}

// SnapshotProvider exposes current room state to the engine.
type SnapshotProvider interface {
	Snapshot(roomID string) *roomstate.Snapshot
}

// RotationPolicy bounds the lifetime of a group outbound session.
// Rooms may tighten these via their encryption state event.
type RotationPolicy struct {
	MaxMessages uint32
	MaxAge      time.Duration
}

// DefaultRotationPolicy mirrors the protocol defaults.
var DefaultRotationPolicy = RotationPolicy{
	MaxMessages: 100,
	MaxAge:      7 * 24 * time.Hour,
}

// DecryptionFailure is surfaced to the application when an event cannot
// be decrypted and the recovery budget is exhausted (or the failure is
// non-retryable).
type DecryptionFailure struct {
	RoomID    string
	SessionID string
	Reason    string
}

// Callbacks are invoked by the engine as it processes traffic. All are
// optional. They are called synchronously; implementations should be
// quick.
type Callbacks struct {
	// RoomKeyReceived fires when a usable group session key arrives,
	// letting the application retry held-back events.
	RoomKeyReceived func(roomID, sessionID string)
	// DecryptionFailed fires for terminally undecryptable events.
	DecryptionFailed func(failure DecryptionFailure)
	// VerificationChanged fires on each verification state transition.
	VerificationChanged func(update VerificationUpdate)
	// TrustChanged fires when a device's trust level changes.
	TrustChanged func(userID, deviceID string, trust TrustLevel)
}

// Config configures a Machine.
type Config struct {
	UserID   string
	DeviceID string

	Store     Store
	Sender    Sender
	Directory KeyDirectory
	Rooms     SnapshotProvider

	// VerificationRequired excludes unverified devices from key
	// distribution.
	VerificationRequired bool

	Rotation RotationPolicy

	// KeyRequestRetryLimit bounds resends of an outgoing key request
	// before giving up.
	KeyRequestRetryLimit int
	// KeyRequestRetryInterval is the minimum time between resends.
	KeyRequestRetryInterval time.Duration
	// KeyShareMinInterval rate-limits answers per requesting device.
	KeyShareMinInterval time.Duration

	// VerificationTimeout cancels flows stuck in any one state.
	VerificationTimeout time.Duration

	Callbacks Callbacks
	Logger    *log.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Machine is the encryption engine for one device identity.
type Machine struct {
	cfg     Config
	account *olm.Account
	logger  *log.Logger
	clock   func() time.Time

	// accountMu guards the account (one-time key pool) and its
	// persistence.
	accountMu sync.Mutex

	// locks serialises ratchet advances per session or peer.
	locks keyedLocks

	// olmMu guards the pairwise session cache.
	olmMu       sync.Mutex
	olmSessions map[string]map[string]*olm.Session // senderKey -> sessionID
	olmActive   map[string]string

	// groupMu guards the group session caches and rotation flags.
	groupMu       sync.Mutex
	inboundGroup  map[string]*olm.InboundGroupSession // roomID|senderKey|sessionID
	outboundGroup map[string]*olm.OutboundGroupSession
	rekeyFlags    map[string]bool

	// shareMu guards the inbound key-request rate limiter.
	shareMu       sync.Mutex
	lastShareSent map[string]time.Time

	verifications *verificationManager
}

// NewMachine creates (or restores) the engine for a device identity.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("crypto: user id and device id are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("crypto: store is required")
	}
	if cfg.Rotation == (RotationPolicy{}) {
		cfg.Rotation = DefaultRotationPolicy
	}
	if cfg.KeyRequestRetryLimit == 0 {
		cfg.KeyRequestRetryLimit = 5
	}
	if cfg.KeyRequestRetryInterval == 0 {
		cfg.KeyRequestRetryInterval = time.Minute
	}
	if cfg.KeyShareMinInterval == 0 {
		cfg.KeyShareMinInterval = 10 * time.Second
	}
	if cfg.VerificationTimeout == 0 {
		cfg.VerificationTimeout = 10 * time.Minute
	}

	m := &Machine{
		cfg:           cfg,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		olmSessions:   map[string]map[string]*olm.Session{},
		olmActive:     map[string]string{},
		inboundGroup:  map[string]*olm.InboundGroupSession{},
		outboundGroup: map[string]*olm.OutboundGroupSession{},
		rekeyFlags:    map[string]bool{},
		lastShareSent: map[string]time.Time{},
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	m.verifications = newVerificationManager(m)

	pickle, err := cfg.Store.LoadAccount()
	if err != nil {
		return nil, fmt.Errorf("crypto: load account: %w", err)
	}
	if pickle != nil {
		m.account, err = olm.UnpickleAccount(pickle)
		if err != nil {
			return nil, fmt.Errorf("crypto: restore account: %w", err)
		}
	} else {
		m.account, err = olm.NewAccount()
		if err != nil {
			return nil, fmt.Errorf("crypto: create account: %w", err)
		}
		if err := m.persistAccount(); err != nil {
			return nil, err
		}
	}

	m.logf("crypto: machine ready user=%s device=%s identity=%s",
		cfg.UserID, cfg.DeviceID, m.account.IdentityKey().B64())
	return m, nil
}

// IdentityKey returns the local device's curve25519 identity key.
func (m *Machine) IdentityKey() olm.Key { return m.account.IdentityKey() }

// SigningKey returns the local device's ed25519 signing key, base64.
func (m *Machine) SigningKey() string { return m.account.SigningKey() }

// DeviceKeys returns the signed device keys document for upload.
func (m *Machine) DeviceKeys() (*event.DeviceKeys, error) {
	keys := &event.DeviceKeys{
		UserID:     m.cfg.UserID,
		DeviceID:   m.cfg.DeviceID,
		Algorithms: []string{event.AlgorithmOlm, event.AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:" + m.cfg.DeviceID: m.account.IdentityKey().B64(),
			"ed25519:" + m.cfg.DeviceID:    m.account.SigningKey(),
		},
	}
	signed, err := keys.SignedJSON()
	if err != nil {
		return nil, fmt.Errorf("crypto: sign device keys: %w", err)
	}
	keys.Signatures = map[string]map[string]string{
		m.cfg.UserID: {"ed25519:" + m.cfg.DeviceID: m.account.Sign(signed)},
	}
	return keys, nil
}

// GenerateOneTimeKeys tops up and returns the unpublished one-time keys
// for upload. Call MarkKeysPublished once the upload succeeds.
func (m *Machine) GenerateOneTimeKeys(target int) (map[string]olm.Key, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	missing := target - m.account.OneTimeKeyCount()
	if missing > 0 {
		if err := m.account.GenerateOneTimeKeys(missing); err != nil {
			return nil, err
		}
		if err := m.persistAccountLocked(); err != nil {
			return nil, err
		}
	}
	return m.account.UnpublishedOneTimeKeys(), nil
}

// MarkKeysPublished marks all one-time keys as uploaded.
func (m *Machine) MarkKeysPublished() error {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	m.account.MarkKeysPublished()
	return m.persistAccountLocked()
}

func (m *Machine) persistAccount() error {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	return m.persistAccountLocked()
}

func (m *Machine) persistAccountLocked() error {
	pickle, err := m.account.Pickle()
	if err != nil {
		return fmt.Errorf("crypto: pickle account: %w", err)
	}
	if err := m.cfg.Store.SaveAccount(pickle); err != nil {
		return fmt.Errorf("crypto: save account: %w", err)
	}
	return nil
}

// RequestRekey forces the room's next send to use a fresh group session.
func (m *Machine) RequestRekey(roomID string) {
	m.groupMu.Lock()
	m.rekeyFlags[roomID] = true
	m.groupMu.Unlock()
}

func (m *Machine) now() time.Time { return m.clock() }

func (m *Machine) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// keyedLocks hands out one mutex per string key, serialising ratchet
// advances per session while letting unrelated sessions proceed in
// parallel.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
