// Package matrix provides a high-level client for end-to-end encrypted
// messaging over a federated homeserver: device identity, pairwise and
// group session management, room key distribution, interactive device
// verification and the sync reconciliation loop behind one facade.
package matrix

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gwillem/matrix-go/internal/crypto"
	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/mxws"
	"github.com/gwillem/matrix-go/internal/roomstate"
	"github.com/gwillem/matrix-go/internal/store"
	"github.com/gwillem/matrix-go/internal/syncer"
)

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

// Message is a timeline event delivered to the application. For
// encrypted events, Type and Content are the decrypted inner payload.
type Message struct {
	RoomID    string
	EventID   string
	Sender    string
	Type      string
	Timestamp time.Time
	Content   json.RawMessage
}

// TextBody extracts the body of an m.room.message, or "".
func (m *Message) TextBody() string {
	var content struct {
		Body string `json:"body"`
	}
	_ = json.Unmarshal(m.Content, &content)
	return content.Body
}

// Device is a known device's identity and trust state.
type Device struct {
	UserID     string
	DeviceID   string
	CurveKey   string // curve25519 identity key, base64
	Ed25519Key string // ed25519 signing key, base64
	Trust      TrustLevel
}

// SAS is the short authentication string both sides compare out of band
// during interactive verification.
type SAS struct {
	Decimals [3]int
	Emojis   []string
}

// VerificationUpdate describes a verification flow state change.
type VerificationUpdate struct {
	TransactionID string
	UserID        string
	DeviceID      string
	State         string
	// SAS is set once keys are exchanged.
	SAS *SAS
	// Reason is set when the flow was cancelled.
	Reason string
}

// DecryptionFailure is surfaced when an event stays undecryptable after
// the key recovery budget is exhausted.
type DecryptionFailure struct {
	RoomID    string
	SessionID string
	Reason    string
}

// Client is the main entry point. Create with NewClient, drive with Run.
type Client struct {
	homeserverURL string
	pushURL       string
	accessToken   string
	userID        string
	deviceID      string
	dbPath        string
	tlsConfig     *tls.Config
	logger        *log.Logger

	verificationRequired bool
	rotation             crypto.RotationPolicy
	oneTimeKeyTarget     int

	onMessage      func(Message)
	onVerification func(VerificationUpdate)
	onTrustChange  func(userID, deviceID string, trust TrustLevel)
	onFailure      func(DecryptionFailure)
	onNotify       func(payload json.RawMessage)

	store   *store.Store
	rooms   *roomstate.Aggregator
	api     *mxws.Client
	machine *crypto.Machine
	loop    *syncer.Loop
	push    *mxws.PersistentConn

	syncedOnce sync.Once
	synced     chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/matrix-go/<user>-<device>.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithPushURL enables the WebSocket push channel. Notifications are
// delivered via OnNotification.
func WithPushURL(url string) Option {
	return func(c *Client) { c.pushURL = url }
}

// WithVerificationRequired excludes unverified devices from key
// distribution.
func WithVerificationRequired() Option {
	return func(c *Client) { c.verificationRequired = true }
}

// WithRotationPolicy bounds group session lifetime. Rooms may tighten
// these via their encryption settings, never loosen them.
func WithRotationPolicy(maxMessages uint32, maxAge time.Duration) Option {
	return func(c *Client) {
		c.rotation = crypto.RotationPolicy{MaxMessages: maxMessages, MaxAge: maxAge}
	}
}

// WithOneTimeKeyTarget sets the one-time key pool size maintained on
// the server.
func WithOneTimeKeyTarget(n int) Option {
	return func(c *Client) { c.oneTimeKeyTarget = n }
}

// OnMessage registers the handler for decrypted timeline events.
func OnMessage(fn func(Message)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// OnVerification registers the handler for verification flow updates.
func OnVerification(fn func(VerificationUpdate)) Option {
	return func(c *Client) { c.onVerification = fn }
}

// OnTrustChange registers the handler for device trust transitions.
func OnTrustChange(fn func(userID, deviceID string, trust TrustLevel)) Option {
	return func(c *Client) { c.onTrustChange = fn }
}

// OnDecryptionFailure registers the handler for terminally
// undecryptable events.
func OnDecryptionFailure(fn func(DecryptionFailure)) Option {
	return func(c *Client) { c.onFailure = fn }
}

// OnNotification registers the handler for push channel notifications.
func OnNotification(fn func(payload json.RawMessage)) Option {
	return func(c *Client) { c.onNotify = fn }
}

// NewClient opens (or creates) the local database and restores the
// device identity for the given account.
func NewClient(homeserverURL, userID, deviceID, accessToken string, opts ...Option) (*Client, error) {
	if homeserverURL == "" || userID == "" || deviceID == "" {
		return nil, fmt.Errorf("matrix: homeserver url, user id and device id are required")
	}
	c := &Client{
		homeserverURL: homeserverURL,
		accessToken:   accessToken,
		userID:        userID,
		deviceID:      deviceID,
		synced:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	if c.dbPath == "" {
		c.dbPath = filepath.Join(store.DefaultDataDir(), dbName(userID, deviceID))
	}
	s, err := store.Open(c.dbPath)
	if err != nil {
		return nil, fmt.Errorf("matrix: open store %s: %w", c.dbPath, err)
	}
	c.store = s

	c.rooms = roomstate.New(c.logger)
	c.api = mxws.NewClient(homeserverURL, accessToken)

	c.machine, err = crypto.NewMachine(crypto.Config{
		UserID:               userID,
		DeviceID:             deviceID,
		Store:                s,
		Sender:               c.api,
		Directory:            c.api,
		Rooms:                c.rooms,
		VerificationRequired: c.verificationRequired,
		Rotation:             c.rotation,
		Callbacks: crypto.Callbacks{
			RoomKeyReceived:     c.handleRoomKey,
			DecryptionFailed:    c.handleFailure,
			VerificationChanged: c.handleVerification,
			TrustChanged:        c.handleTrustChange,
		},
		Logger: c.logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	c.loop, err = syncer.New(syncer.Config{
		Transport:        c.api,
		Machine:          c.machine,
		Rooms:            c.rooms,
		Cursor:           s,
		OnMessage:        c.deliver,
		OnSynced:         c.markSynced,
		OneTimeKeyTarget: c.oneTimeKeyTarget,
		Logger:           c.logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return c, nil
}

// Run publishes the device's keys, then polls and applies sync batches
// until the context is cancelled. If a push URL is configured, the push
// channel is maintained alongside.
func (c *Client) Run(ctx context.Context) error {
	keys, err := c.machine.DeviceKeys()
	if err != nil {
		return err
	}
	if err := c.api.UploadDeviceKeys(ctx, keys); err != nil {
		return fmt.Errorf("matrix: upload device keys: %w", err)
	}
	if err := c.uploadInitialOneTimeKeys(ctx); err != nil {
		return err
	}

	if c.pushURL != "" {
		go c.runPush(ctx)
	}
	return c.loop.Run(ctx)
}

// Close closes the push channel and the database.
func (c *Client) Close() error {
	if c.push != nil {
		c.push.Close()
		c.push = nil
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// UserID returns the account's user id.
func (c *Client) UserID() string { return c.userID }

// DeviceID returns the local device id.
func (c *Client) DeviceID() string { return c.deviceID }

// IdentityKey returns the local device's curve25519 identity key,
// base64.
func (c *Client) IdentityKey() string { return c.machine.IdentityKey().B64() }

// WaitSynced blocks until the first sync batch has been applied, so
// room state and device lists are populated.
func (c *Client) WaitSynced(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send encrypts a text message for the room's current member devices
// and posts it. Returns the event id the server assigned.
func (c *Client) Send(ctx context.Context, roomID, text string) (string, error) {
	content := map[string]string{"msgtype": "m.text", "body": text}
	return c.SendEvent(ctx, roomID, event.TypeRoomMessage, content)
}

// SendEvent encrypts an arbitrary event for the room and posts it.
// Establishing or rotating the group session and distributing its key
// happens transparently.
func (c *Client) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	payload, err := c.machine.SendRoomEvent(ctx, roomID, eventType, content)
	if err != nil {
		return "", err
	}
	return c.api.SendRoomEvent(ctx, roomID, event.TypeRoomEncrypted, payload)
}

// Rekey forces the room's next send to use a fresh group session.
func (c *Client) Rekey(roomID string) {
	c.machine.RequestRekey(roomID)
}

// Devices returns all known devices for a user.
func (c *Client) Devices(userID string) ([]Device, error) {
	records, err := c.machine.UserDevices(userID)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(records))
	for _, r := range records {
		out = append(out, Device{
			UserID:     r.UserID,
			DeviceID:   r.DeviceID,
			CurveKey:   r.CurveKey,
			Ed25519Key: r.Ed25519Key,
			Trust:      TrustLevel(r.Trust),
		})
	}
	return out, nil
}

// SetTrust records an explicit trust decision for a device.
func (c *Client) SetTrust(userID, deviceID string, trust TrustLevel) error {
	return c.machine.SetTrust(userID, deviceID, crypto.TrustLevel(trust))
}

// StartVerification begins an interactive verification with a device.
// Progress arrives via OnVerification; the returned transaction id
// scopes the flow.
func (c *Client) StartVerification(ctx context.Context, userID, deviceID string) (string, error) {
	return c.machine.StartVerification(ctx, userID, deviceID)
}

// AcceptVerification accepts an incoming verification request.
func (c *Client) AcceptVerification(ctx context.Context, txid string) error {
	return c.machine.AcceptVerification(ctx, txid)
}

// ConfirmSAS confirms the short authentication string matches on both
// sides. The flow completes once the peer confirms too.
func (c *Client) ConfirmSAS(ctx context.Context, txid string) error {
	return c.machine.ConfirmSAS(ctx, txid)
}

// CancelVerification aborts a verification flow.
func (c *Client) CancelVerification(ctx context.Context, txid, reason string) error {
	return c.machine.CancelVerification(ctx, txid, reason)
}

// QRPayload returns the local device's out-of-band verification
// payload, for display as a QR code.
func (c *Client) QRPayload() string {
	return c.machine.QRPayload()
}

// VerifyScannedQR verifies a device from a scanned QR payload and marks
// it verified on success.
func (c *Client) VerifyScannedQR(payload string) error {
	return c.machine.VerifyScannedQR(payload)
}

func (c *Client) uploadInitialOneTimeKeys(ctx context.Context) error {
	target := c.oneTimeKeyTarget
	if target == 0 {
		target = 50
	}
	keys, err := c.machine.GenerateOneTimeKeys(target)
	if err != nil {
		return fmt.Errorf("matrix: generate one-time keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.api.UploadOneTimeKeys(ctx, keys); err != nil {
		return fmt.Errorf("matrix: upload one-time keys: %w", err)
	}
	return c.machine.MarkKeysPublished()
}

// runPush maintains the push channel and forwards notifications.
func (c *Client) runPush(ctx context.Context) {
	headers := http.Header{"Authorization": []string{"Bearer " + c.accessToken}}
	pc, err := mxws.DialPersistent(ctx, c.pushURL, c.tlsConfig, mxws.WithHeaders(headers))
	if err != nil {
		c.logf("matrix: push channel: %v", err)
		return
	}
	c.push = pc
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	for {
		frame, err := pc.ReadFrame(ctx)
		if err != nil {
			return
		}
		if frame.Type == mxws.FrameTypeNotify && c.onNotify != nil {
			c.onNotify(frame.Payload)
		}
	}
}

func (c *Client) deliver(msg syncer.Message) {
	if c.onMessage == nil {
		return
	}
	out := Message{
		RoomID:    msg.RoomID,
		EventID:   msg.Event.EventID,
		Sender:    msg.Event.Sender,
		Type:      msg.Event.Type,
		Timestamp: time.UnixMilli(msg.Event.OriginServerTS),
		Content:   msg.Event.Content,
	}
	if msg.Plaintext != nil {
		out.Type = msg.Plaintext.Type
		out.Content = msg.Plaintext.Content
	}
	c.onMessage(out)
}

func (c *Client) markSynced() {
	c.syncedOnce.Do(func() { close(c.synced) })
}

func (c *Client) handleRoomKey(roomID, sessionID string) {
	if c.loop != nil {
		c.loop.OnRoomKey(roomID, sessionID)
	}
}

func (c *Client) handleFailure(failure crypto.DecryptionFailure) {
	if c.loop != nil {
		c.loop.OnDecryptionFailed(failure.RoomID, failure.SessionID)
	}
	if c.onFailure != nil {
		c.onFailure(DecryptionFailure{
			RoomID:    failure.RoomID,
			SessionID: failure.SessionID,
			Reason:    failure.Reason,
		})
	}
}

func (c *Client) handleVerification(update crypto.VerificationUpdate) {
	if c.onVerification == nil {
		return
	}
	out := VerificationUpdate{
		TransactionID: update.TransactionID,
		UserID:        update.UserID,
		DeviceID:      update.DeviceID,
		State:         update.State.String(),
		Reason:        update.Reason,
	}
	if update.SAS != nil {
		out.SAS = &SAS{Decimals: update.SAS.Decimals, Emojis: update.SAS.Emojis}
	}
	c.onVerification(out)
}

func (c *Client) handleTrustChange(userID, deviceID string, trust crypto.TrustLevel) {
	if c.onTrustChange != nil {
		c.onTrustChange(userID, deviceID, TrustLevel(trust))
	}
}

// dbName derives a filesystem-safe database name from the account.
func dbName(userID, deviceID string) string {
	sanitize := func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}
	return strings.Map(sanitize, userID) + "-" + strings.Map(sanitize, deviceID) + ".db"
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
