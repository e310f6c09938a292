package crypto

import (
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gwillem/matrix-go/internal/event"
	"golang.org/x/crypto/hkdf"
)

// VerificationState is a verification flow's position in its lifecycle.
type VerificationState int

const (
	VerificationRequested VerificationState = iota
	VerificationReady
	VerificationKeysExchanged
	VerificationMacExchanged
	VerificationDone
	VerificationCancelled
)

func (s VerificationState) String() string {
	switch s {
	case VerificationRequested:
		return "requested"
	case VerificationReady:
		return "ready"
	case VerificationKeysExchanged:
		return "keys-exchanged"
	case VerificationMacExchanged:
		return "mac-exchanged"
	case VerificationDone:
		return "done"
	case VerificationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SASDisplay is the short authentication string to show the user, in
// both renderings. Both devices must display the same values.
type SASDisplay struct {
	Decimals [3]int
	Emojis   []string
}

// VerificationUpdate describes a verification flow state change.
type VerificationUpdate struct {
	TransactionID string
	UserID        string
	DeviceID      string
	State         VerificationState
	// SAS is set once keys are exchanged.
	SAS *SASDisplay
	// Reason is set when the flow was cancelled.
	Reason string
}

const sasMethod = "m.sas.v1"

// sasEmoji is the 64-entry emoji alphabet for SAS display; each entry
// consumes 6 bits of the derived secret.
var sasEmoji = []string{
	"dog", "cat", "lion", "horse", "unicorn", "pig", "elephant", "rabbit",
	"panda", "rooster", "penguin", "turtle", "fish", "octopus", "butterfly", "flower",
	"tree", "cactus", "mushroom", "globe", "moon", "cloud", "fire", "banana",
	"apple", "strawberry", "corn", "pizza", "cake", "heart", "smiley", "robot",
	"hat", "glasses", "spanner", "santa", "thumbs up", "umbrella", "hourglass", "clock",
	"gift", "light bulb", "book", "pencil", "paperclip", "scissors", "lock", "key",
	"hammer", "telephone", "flag", "train", "bicycle", "aeroplane", "rocket", "trophy",
	"ball", "guitar", "trumpet", "bell", "anchor", "headphones", "folder", "pin",
}

// flow is one in-progress verification with a single peer device.
type flow struct {
	txid     string
	userID   string
	deviceID string
	// initiator is true when we sent the request.
	initiator bool
	state     VerificationState
	updatedAt time.Time

	ephPriv *ecdh.PrivateKey
	peerKey []byte
	sas     *SASDisplay
	secret  []byte

	// confirmed is set once the local user approved the SAS.
	confirmed bool
	// macVerified is set once the peer's MAC checked out.
	macVerified bool
}

// verificationManager tracks all in-progress flows for a machine.
type verificationManager struct {
	m     *Machine
	mu    sync.Mutex
	flows map[string]*flow
}

func newVerificationManager(m *Machine) *verificationManager {
	return &verificationManager{
		m:     m,
		flows: map[string]*flow{},
	}
}

func (v *verificationManager) lock() func() {
	v.mu.Lock()
	return v.mu.Unlock
}

// StartVerification begins an interactive verification with a peer
// device and returns the transaction id scoping the flow.
func (m *Machine) StartVerification(ctx context.Context, userID, deviceID string) (string, error) {
	device, err := m.Device(userID, deviceID)
	if err != nil {
		return "", err
	}
	if device == nil {
		return "", fmt.Errorf("crypto: unknown device %s/%s", userID, deviceID)
	}
	if device.Trust == TrustRevoked {
		return "", fmt.Errorf("crypto: device %s/%s is revoked", userID, deviceID)
	}

	txid := uuid.NewString()
	f := &flow{
		txid:      txid,
		userID:    userID,
		deviceID:  deviceID,
		initiator: true,
		state:     VerificationRequested,
		updatedAt: m.now(),
	}

	unlock := m.verifications.lock()
	m.verifications.flows[txid] = f
	unlock()

	err = m.cfg.Sender.SendToDevice(ctx, userID, deviceID, event.TypeVerificationRequest,
		&event.VerificationRequestContent{
			FromDevice:    m.cfg.DeviceID,
			TransactionID: txid,
			Methods:       []string{sasMethod},
			Timestamp:     m.now().UnixMilli(),
		})
	if err != nil {
		unlock := m.verifications.lock()
		delete(m.verifications.flows, txid)
		unlock()
		return "", fmt.Errorf("crypto: send verification request: %w", err)
	}
	m.notifyVerification(f)
	return txid, nil
}

// AcceptVerification accepts an incoming verification request.
func (m *Machine) AcceptVerification(ctx context.Context, txid string) error {
	unlock := m.verifications.lock()
	f := m.verifications.flows[txid]
	if f == nil || f.state != VerificationRequested || f.initiator {
		unlock()
		return fmt.Errorf("crypto: no acceptable verification %s", txid)
	}
	f.state = VerificationReady
	f.updatedAt = m.now()
	unlock()

	err := m.cfg.Sender.SendToDevice(ctx, f.userID, f.deviceID, event.TypeVerificationReady,
		&event.VerificationReadyContent{
			FromDevice:    m.cfg.DeviceID,
			TransactionID: txid,
			Methods:       []string{sasMethod},
		})
	if err != nil {
		return fmt.Errorf("crypto: send verification ready: %w", err)
	}
	m.notifyVerification(f)
	return nil
}

// ConfirmSAS records that the local user compared the short strings and
// they matched. Once both sides confirm and MACs verify, the flow
// completes and the peer device becomes verified.
func (m *Machine) ConfirmSAS(ctx context.Context, txid string) error {
	unlock := m.verifications.lock()
	f := m.verifications.flows[txid]
	if f == nil || (f.state != VerificationKeysExchanged && f.state != VerificationMacExchanged) {
		unlock()
		return fmt.Errorf("crypto: verification %s not awaiting confirmation", txid)
	}
	f.confirmed = true
	f.updatedAt = m.now()
	mac := m.buildMAC(f)
	unlock()

	if err := m.cfg.Sender.SendToDevice(ctx, f.userID, f.deviceID, event.TypeVerificationMac, mac); err != nil {
		return fmt.Errorf("crypto: send verification mac: %w", err)
	}
	return m.maybeFinishVerification(ctx, f)
}

// CancelVerification aborts a flow. Aborts are always allowed.
func (m *Machine) CancelVerification(ctx context.Context, txid, reason string) error {
	unlock := m.verifications.lock()
	f := m.verifications.flows[txid]
	unlock()
	if f == nil {
		return nil
	}
	if m.cfg.Sender != nil {
		_ = m.cfg.Sender.SendToDevice(ctx, f.userID, f.deviceID, event.TypeVerificationCancel,
			&event.VerificationCancelContent{
				TransactionID: txid,
				Code:          "m.user",
				Reason:        reason,
			})
	}
	m.cancelFlow(f, reason)
	return nil
}

// PendingSAS returns the short authentication string for a flow once
// keys are exchanged, or nil.
func (m *Machine) PendingSAS(txid string) *SASDisplay {
	unlock := m.verifications.lock()
	defer unlock()
	f := m.verifications.flows[txid]
	if f == nil {
		return nil
	}
	return f.sas
}

// CheckVerificationTimeouts cancels flows stuck in any one state longer
// than the configured timeout. Call it periodically.
func (m *Machine) CheckVerificationTimeouts() {
	unlock := m.verifications.lock()
	var stale []*flow
	cutoff := m.now().Add(-m.cfg.VerificationTimeout)
	for _, f := range m.verifications.flows {
		if f.updatedAt.Before(cutoff) {
			stale = append(stale, f)
		}
	}
	unlock()
	for _, f := range stale {
		m.logf("crypto: verification %s timed out in state %s", f.txid, f.state)
		m.cancelFlow(f, "timeout")
	}
}

// handleVerificationEvent dispatches one incoming m.key.verification.*
// to-device event. Any message that does not fit the flow's current
// state cancels the flow: fail closed, never fail open.
func (m *Machine) handleVerificationEvent(ctx context.Context, senderUserID, eventType string, content json.RawMessage) error {
	switch eventType {
	case event.TypeVerificationRequest:
		var c event.VerificationRequestContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("crypto: verification request: %w", err)
		}
		return m.onVerificationRequest(senderUserID, &c)
	case event.TypeVerificationReady:
		var c event.VerificationReadyContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("crypto: verification ready: %w", err)
		}
		return m.onVerificationReady(ctx, senderUserID, &c)
	case event.TypeVerificationStart:
		var c event.VerificationStartContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("crypto: verification start: %w", err)
		}
		return m.onVerificationStart(ctx, senderUserID, &c)
	case event.TypeVerificationKey:
		var c event.VerificationKeyContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("crypto: verification key: %w", err)
		}
		return m.onVerificationKey(ctx, senderUserID, &c)
	case event.TypeVerificationMac:
		var c event.VerificationMacContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("crypto: verification mac: %w", err)
		}
		return m.onVerificationMac(ctx, senderUserID, &c)
	case event.TypeVerificationDone:
		var c event.VerificationDoneContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("crypto: verification done: %w", err)
		}
		return m.onVerificationDone(senderUserID, &c)
	case event.TypeVerificationCancel:
		var c event.VerificationCancelContent
		if err := json.Unmarshal(content, &c); err != nil {
			return fmt.Errorf("crypto: verification cancel: %w", err)
		}
		unlock := m.verifications.lock()
		f := m.verifications.flows[c.TransactionID]
		unlock()
		if f != nil && f.userID == senderUserID {
			m.cancelFlow(f, "peer cancelled: "+c.Reason)
		}
		return nil
	}
	return nil
}

func (m *Machine) onVerificationRequest(senderUserID string, c *event.VerificationRequestContent) error {
	device, err := m.Device(senderUserID, c.FromDevice)
	if err != nil {
		return err
	}
	if device == nil || device.Trust == TrustRevoked {
		m.logf("crypto: verification request from unusable device %s/%s dropped", senderUserID, c.FromDevice)
		return nil
	}

	f := &flow{
		txid:      c.TransactionID,
		userID:    senderUserID,
		deviceID:  c.FromDevice,
		state:     VerificationRequested,
		updatedAt: m.now(),
	}
	unlock := m.verifications.lock()
	if _, exists := m.verifications.flows[c.TransactionID]; exists {
		unlock()
		return nil
	}
	m.verifications.flows[c.TransactionID] = f
	unlock()
	m.notifyVerification(f)
	return nil
}

func (m *Machine) onVerificationReady(ctx context.Context, senderUserID string, c *event.VerificationReadyContent) error {
	f, err := m.flowFor(senderUserID, c.TransactionID)
	if f == nil || err != nil {
		return err
	}
	if !f.initiator || f.state != VerificationRequested {
		m.failFlow(ctx, f, "unexpected ready")
		return nil
	}

	unlock := m.verifications.lock()
	f.state = VerificationReady
	f.updatedAt = m.now()
	unlock()

	// We initiated, so we also open the SAS exchange.
	err = m.cfg.Sender.SendToDevice(ctx, f.userID, f.deviceID, event.TypeVerificationStart,
		&event.VerificationStartContent{
			FromDevice:    m.cfg.DeviceID,
			TransactionID: f.txid,
			Method:        sasMethod,
			Hashes:        []string{"sha256"},
			SASMethods:    []string{"decimal", "emoji"},
		})
	if err != nil {
		return fmt.Errorf("crypto: send verification start: %w", err)
	}
	m.notifyVerification(f)
	return nil
}

func (m *Machine) onVerificationStart(ctx context.Context, senderUserID string, c *event.VerificationStartContent) error {
	f, err := m.flowFor(senderUserID, c.TransactionID)
	if f == nil || err != nil {
		return err
	}
	if f.initiator || f.state != VerificationReady {
		m.failFlow(ctx, f, "unexpected start")
		return nil
	}
	if c.Method != sasMethod {
		m.failFlow(ctx, f, "unsupported method "+c.Method)
		return nil
	}

	// The receiver reveals its ephemeral key first.
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("crypto: sas key: %w", err)
	}
	unlock := m.verifications.lock()
	f.ephPriv = priv
	f.updatedAt = m.now()
	unlock()

	err = m.cfg.Sender.SendToDevice(ctx, f.userID, f.deviceID, event.TypeVerificationKey,
		&event.VerificationKeyContent{
			TransactionID: f.txid,
			Key:           base64.RawStdEncoding.EncodeToString(priv.PublicKey().Bytes()),
		})
	if err != nil {
		return fmt.Errorf("crypto: send verification key: %w", err)
	}
	return nil
}

func (m *Machine) onVerificationKey(ctx context.Context, senderUserID string, c *event.VerificationKeyContent) error {
	f, err := m.flowFor(senderUserID, c.TransactionID)
	if f == nil || err != nil {
		return err
	}
	peerKey, err := base64.RawStdEncoding.DecodeString(c.Key)
	if err != nil {
		m.failFlow(ctx, f, "malformed sas key")
		return nil
	}

	if f.initiator {
		// Receiver's key arrived; answer with ours, then derive.
		if f.state != VerificationReady || f.ephPriv != nil {
			m.failFlow(ctx, f, "unexpected key")
			return nil
		}
		priv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("crypto: sas key: %w", err)
		}
		unlock := m.verifications.lock()
		f.ephPriv = priv
		f.peerKey = peerKey
		unlock()
		err = m.cfg.Sender.SendToDevice(ctx, f.userID, f.deviceID, event.TypeVerificationKey,
			&event.VerificationKeyContent{
				TransactionID: f.txid,
				Key:           base64.RawStdEncoding.EncodeToString(priv.PublicKey().Bytes()),
			})
		if err != nil {
			return fmt.Errorf("crypto: send verification key: %w", err)
		}
	} else {
		if f.state != VerificationReady || f.ephPriv == nil {
			m.failFlow(ctx, f, "unexpected key")
			return nil
		}
		unlock := m.verifications.lock()
		f.peerKey = peerKey
		unlock()
	}
	return m.deriveSAS(ctx, f)
}

// deriveSAS computes the shared secret and short authentication string
// once both ephemeral keys are known.
func (m *Machine) deriveSAS(ctx context.Context, f *flow) error {
	pub, err := ecdh.X25519().NewPublicKey(f.peerKey)
	if err != nil {
		m.failFlow(ctx, f, "bad sas key")
		return nil
	}
	secret, err := f.ephPriv.ECDH(pub)
	if err != nil {
		m.failFlow(ctx, f, "sas agreement failed")
		return nil
	}

	// Both sides must derive over the same transcript, so order the
	// parties initiator-first.
	initiatorSide := m.cfg.UserID + "|" + m.cfg.DeviceID
	receiverSide := f.userID + "|" + f.deviceID
	if !f.initiator {
		initiatorSide, receiverSide = receiverSide, initiatorSide
	}
	info := "MATRIX_GO_SAS|" + initiatorSide + "|" + receiverSide + "|" + f.txid

	sasBytes := make([]byte, 6)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), sasBytes); err != nil {
		return fmt.Errorf("crypto: sas kdf: %w", err)
	}

	display := &SASDisplay{}
	// Three 13-bit decimals offset into 1000..9191.
	display.Decimals[0] = int(sasBytes[0])<<5 | int(sasBytes[1])>>3
	display.Decimals[1] = int(sasBytes[1]&0x07)<<10 | int(sasBytes[2])<<2 | int(sasBytes[3])>>6
	display.Decimals[2] = int(sasBytes[3]&0x3f)<<7 | int(sasBytes[4])>>1
	for i := range display.Decimals {
		display.Decimals[i] += 1000
	}
	// Seven 6-bit emoji indices from the first 42 bits.
	var bits uint64
	for _, b := range sasBytes {
		bits = bits<<8 | uint64(b)
	}
	for i := 0; i < 7; i++ {
		display.Emojis = append(display.Emojis, sasEmoji[(bits>>(42-6*(i+1)))&0x3f])
	}

	unlock := m.verifications.lock()
	f.secret = secret
	f.sas = display
	f.state = VerificationKeysExchanged
	f.updatedAt = m.now()
	unlock()
	m.notifyVerification(f)
	return nil
}

// buildMAC authenticates our signing key under the flow's shared secret.
// Caller holds the manager lock.
func (m *Machine) buildMAC(f *flow) *event.VerificationMacContent {
	keyID := "ed25519:" + m.cfg.DeviceID
	macs := map[string]string{
		keyID: m.sasMAC(f, keyID, m.account.SigningKey()),
	}
	ids := make([]string, 0, len(macs))
	for id := range macs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &event.VerificationMacContent{
		TransactionID: f.txid,
		MAC:           macs,
		Keys:          m.sasMAC(f, "KEY_IDS", strings.Join(ids, ",")),
	}
}

// sasMAC keys an HMAC off the shared secret, bound to the flow and the
// item being authenticated.
func (m *Machine) sasMAC(f *flow, item, value string) string {
	info := "MATRIX_GO_SAS_MAC|" + f.txid + "|" + item
	key := make([]byte, 32)
	_, _ = io.ReadFull(hkdf.New(sha256.New, f.secret, nil, []byte(info)), key)
	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

func (m *Machine) onVerificationMac(ctx context.Context, senderUserID string, c *event.VerificationMacContent) error {
	f, err := m.flowFor(senderUserID, c.TransactionID)
	if f == nil || err != nil {
		return err
	}
	if f.state != VerificationKeysExchanged && f.state != VerificationMacExchanged {
		m.failFlow(ctx, f, "unexpected mac")
		return nil
	}
	device, err := m.Device(f.userID, f.deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		m.failFlow(ctx, f, "device vanished")
		return nil
	}

	keyID := "ed25519:" + f.deviceID
	want := m.sasMAC(f, keyID, device.Ed25519Key)
	if !hmac.Equal([]byte(want), []byte(c.MAC[keyID])) {
		m.logf("crypto: SECURITY verification mac mismatch for %s/%s", f.userID, f.deviceID)
		m.failFlow(ctx, f, "key mac mismatch")
		return nil
	}
	ids := make([]string, 0, len(c.MAC))
	for id := range c.MAC {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if !hmac.Equal([]byte(m.sasMAC(f, "KEY_IDS", strings.Join(ids, ","))), []byte(c.Keys)) {
		m.failFlow(ctx, f, "key list mac mismatch")
		return nil
	}

	unlock := m.verifications.lock()
	f.macVerified = true
	f.state = VerificationMacExchanged
	f.updatedAt = m.now()
	unlock()
	m.notifyVerification(f)
	return m.maybeFinishVerification(ctx, f)
}

// maybeFinishVerification completes the flow once the local user has
// confirmed the SAS and the peer's MAC verified.
func (m *Machine) maybeFinishVerification(ctx context.Context, f *flow) error {
	unlock := m.verifications.lock()
	ready := f.confirmed && f.macVerified && f.state != VerificationDone
	if ready {
		f.state = VerificationDone
		f.updatedAt = m.now()
	}
	unlock()
	if !ready {
		return nil
	}

	if err := m.cfg.Sender.SendToDevice(ctx, f.userID, f.deviceID, event.TypeVerificationDone,
		&event.VerificationDoneContent{TransactionID: f.txid}); err != nil {
		m.logf("crypto: send verification done: %v", err)
	}
	if err := m.SetTrust(f.userID, f.deviceID, TrustVerified); err != nil {
		return err
	}
	m.notifyVerification(f)

	unlock = m.verifications.lock()
	delete(m.verifications.flows, f.txid)
	unlock()
	return nil
}

func (m *Machine) onVerificationDone(senderUserID string, c *event.VerificationDoneContent) error {
	f, err := m.flowFor(senderUserID, c.TransactionID)
	if f == nil || err != nil {
		return err
	}
	// The peer finishing before us is fine; our own completion is gated
	// on our user's confirmation and the peer's MAC.
	m.logf("crypto: peer completed verification %s", f.txid)
	return nil
}

// flowFor returns the flow for a transaction id, verifying the sender
// owns it.
func (m *Machine) flowFor(senderUserID, txid string) (*flow, error) {
	unlock := m.verifications.lock()
	defer unlock()
	f := m.verifications.flows[txid]
	if f == nil {
		return nil, nil
	}
	if f.userID != senderUserID {
		m.logf("crypto: SECURITY verification %s message from wrong user %s", txid, senderUserID)
		return nil, nil
	}
	return f, nil
}

// failFlow cancels a flow due to a protocol violation and tells the
// peer.
func (m *Machine) failFlow(ctx context.Context, f *flow, reason string) {
	if m.cfg.Sender != nil {
		_ = m.cfg.Sender.SendToDevice(ctx, f.userID, f.deviceID, event.TypeVerificationCancel,
			&event.VerificationCancelContent{
				TransactionID: f.txid,
				Code:          "m.unexpected_message",
				Reason:        reason,
			})
	}
	m.cancelFlow(f, reason)
}

func (m *Machine) cancelFlow(f *flow, reason string) {
	unlock := m.verifications.lock()
	if f.state == VerificationDone || f.state == VerificationCancelled {
		unlock()
		return
	}
	f.state = VerificationCancelled
	f.updatedAt = m.now()
	delete(m.verifications.flows, f.txid)
	unlock()
	m.logf("crypto: verification %s cancelled: %s", f.txid, reason)
	if m.cfg.Callbacks.VerificationChanged != nil {
		m.cfg.Callbacks.VerificationChanged(VerificationUpdate{
			TransactionID: f.txid,
			UserID:        f.userID,
			DeviceID:      f.deviceID,
			State:         VerificationCancelled,
			Reason:        reason,
		})
	}
}

func (m *Machine) notifyVerification(f *flow) {
	if m.cfg.Callbacks.VerificationChanged == nil {
		return
	}
	unlock := m.verifications.lock()
	update := VerificationUpdate{
		TransactionID: f.txid,
		UserID:        f.userID,
		DeviceID:      f.deviceID,
		State:         f.state,
		SAS:           f.sas,
	}
	unlock()
	m.cfg.Callbacks.VerificationChanged(update)
}

// QRPayload returns the payload this device shows as a QR code for
// out-of-band verification: the scanner checks the embedded signing key
// against the device's published one.
func (m *Machine) QRPayload() string {
	// "|" never appears in user ids, device ids, or base64 keys.
	return strings.Join([]string{
		"MATRIXGO1", m.cfg.UserID, m.cfg.DeviceID, m.account.SigningKey(),
	}, "|")
}

// VerifyScannedQR verifies a device from a scanned QR payload. A key
// match marks the device verified without the interactive exchange.
func (m *Machine) VerifyScannedQR(payload string) error {
	parts := strings.SplitN(payload, "|", 4)
	if len(parts) != 4 || parts[0] != "MATRIXGO1" {
		return fmt.Errorf("crypto: malformed qr payload")
	}
	userID, deviceID, signingKey := parts[1], parts[2], parts[3]

	device, err := m.Device(userID, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("crypto: unknown device %s/%s", userID, deviceID)
	}
	if device.Trust == TrustRevoked {
		return fmt.Errorf("crypto: device %s/%s is revoked", userID, deviceID)
	}
	if device.Ed25519Key != signingKey {
		m.logf("crypto: SECURITY qr key mismatch for %s/%s", userID, deviceID)
		return fmt.Errorf("crypto: signing key mismatch for %s/%s", userID, deviceID)
	}
	return m.SetTrust(userID, deviceID, TrustVerified)
}
