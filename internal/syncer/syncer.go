// Package syncer drives the reconciliation loop: it long-polls the
// homeserver for batches of deltas and applies them in a fixed order so
// the engine always sees device list changes before the traffic that
// depends on them.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gwillem/matrix-go/internal/crypto"
	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/olm"
	"github.com/gwillem/matrix-go/internal/roomstate"
)

// ErrCursorRejected is returned by a Transport when the server no
// longer accepts the sync cursor. The loop restarts from scratch and
// marks existing snapshots stale until the resynchronisation completes.
var ErrCursorRejected = errors.New("syncer: sync cursor rejected")

// Transport is the homeserver surface the loop needs.
type Transport interface {
	// PollSync long-polls for the next batch after the cursor. An empty
	// cursor requests a full initial sync.
	PollSync(ctx context.Context, since string) (*event.SyncResponse, error)
	// QueryDeviceKeys fetches the published device keys documents for
	// the given users.
	QueryDeviceKeys(ctx context.Context, userIDs []string) ([]event.DeviceKeys, error)
	// UploadOneTimeKeys publishes fresh one-time keys.
	UploadOneTimeKeys(ctx context.Context, keys map[string]olm.Key) error
}

// CursorStore persists the sync position across restarts.
type CursorStore interface {
	GetCursor() (string, error)
	PutCursor(cursor string) error
}

// Message is a decrypted timeline event delivered to the application.
type Message struct {
	RoomID    string
	Event     event.RoomEvent
	Plaintext *event.MegolmPlaintext
}

// Config configures a Loop.
type Config struct {
	Transport Transport
	Machine   *crypto.Machine
	Rooms     *roomstate.Aggregator
	Cursor    CursorStore

	// OnMessage receives each decrypted (or cleartext) timeline event.
	OnMessage func(Message)

	// OnSynced fires after each successfully applied batch.
	OnSynced func()

	// OneTimeKeyTarget is the one-time key pool size to maintain on the
	// server. Default 50.
	OneTimeKeyTarget int

	// BackoffBase and BackoffMax bound the retry delay after transport
	// failures. Defaults 1s and 30s.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger *log.Logger
}

// Loop owns the sync cycle. Create with New, drive with Run.
type Loop struct {
	cfg    Config
	logger *log.Logger

	// heldMu guards events waiting for a room key to arrive.
	heldMu sync.Mutex
	held   map[string][]Message // roomID|sessionID
}

// New creates a sync loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Transport == nil || cfg.Machine == nil || cfg.Rooms == nil || cfg.Cursor == nil {
		return nil, fmt.Errorf("syncer: transport, machine, rooms and cursor are required")
	}
	if cfg.OneTimeKeyTarget == 0 {
		cfg.OneTimeKeyTarget = 50
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Loop{
		cfg:    cfg,
		logger: cfg.Logger,
		held:   map[string][]Message{},
	}, nil
}

// Run polls and applies batches until the context is cancelled. It only
// returns the context's error: transport failures back off and retry,
// a rejected cursor triggers a full resynchronisation.
func (l *Loop) Run(ctx context.Context) error {
	cursor, err := l.cfg.Cursor.GetCursor()
	if err != nil {
		return fmt.Errorf("syncer: load cursor: %w", err)
	}

	backoff := l.cfg.BackoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := l.cfg.Transport.PollSync(ctx, cursor)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, ErrCursorRejected):
			l.logf("syncer: cursor %q rejected, full resync", cursor)
			cursor = ""
			l.cfg.Rooms.SetStale(true)
			continue
		case err != nil:
			l.logf("syncer: poll failed, retrying in %v: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > l.cfg.BackoffMax {
				backoff = l.cfg.BackoffMax
			}
			continue
		}
		backoff = l.cfg.BackoffBase

		if err := l.applyBatch(ctx, resp); err != nil {
			// The cursor was not advanced: the whole batch replays on
			// the next poll, which every apply step tolerates.
			l.logf("syncer: apply batch: %v", err)
			continue
		}

		cursor = resp.NextBatch
		if err := l.cfg.Cursor.PutCursor(cursor); err != nil {
			l.logf("syncer: persist cursor: %v", err)
			continue
		}
		l.cfg.Rooms.SetStale(false)
		if l.cfg.OnSynced != nil {
			l.cfg.OnSynced()
		}

		l.cfg.Machine.RetryPendingRequests(ctx)
		l.cfg.Machine.CheckVerificationTimeouts()
	}
}

// applyBatch folds one sync response in the mandated order: device
// lists first, then room state, then to-device traffic, then timelines.
func (l *Loop) applyBatch(ctx context.Context, resp *event.SyncResponse) error {
	if users := resp.DeviceLists.Changed; len(users) > 0 {
		if err := l.refreshDevices(ctx, users); err != nil {
			return err
		}
	}

	for roomID, delta := range resp.Rooms.Join {
		change := l.cfg.Rooms.Fold(roomID, withRoomID(roomID, delta.State.Events))
		l.cfg.Machine.OnRoomChange(change)
	}

	for i := range resp.ToDevice.Events {
		ev := &resp.ToDevice.Events[i]
		if err := l.cfg.Machine.HandleToDeviceEvent(ctx, ev); err != nil {
			// One bad event never stalls the loop.
			l.logf("syncer: to-device %s from %s: %v", ev.Type, ev.Sender, err)
		}
	}

	for roomID, delta := range resp.Rooms.Join {
		for _, ev := range delta.Timeline.Events {
			ev.RoomID = roomID
			l.deliverTimelineEvent(ctx, roomID, ev)
		}
	}

	l.maintainOneTimeKeys(ctx, resp.DeviceOneTimeKeysCount)
	return nil
}

// refreshDevices pulls fresh device keys for users whose lists changed.
func (l *Loop) refreshDevices(ctx context.Context, users []string) error {
	keys, err := l.cfg.Transport.QueryDeviceKeys(ctx, users)
	if err != nil {
		return fmt.Errorf("syncer: query device keys: %w", err)
	}
	for i := range keys {
		if err := l.cfg.Machine.ApplyDeviceKeys(&keys[i]); err != nil {
			// Bad or changed keys are the engine's call; it has already
			// revoked what needed revoking.
			l.logf("syncer: apply device keys for %s/%s: %v", keys[i].UserID, keys[i].DeviceID, err)
		}
	}
	return nil
}

// deliverTimelineEvent decrypts encrypted events and hands the result
// to the application. Events whose key is missing are held back and
// retried when the key arrives.
func (l *Loop) deliverTimelineEvent(ctx context.Context, roomID string, ev event.RoomEvent) {
	if l.cfg.OnMessage == nil {
		return
	}
	if ev.Type != event.TypeRoomEncrypted {
		l.cfg.OnMessage(Message{RoomID: roomID, Event: ev})
		return
	}

	var payload event.MegolmPayload
	if err := unmarshalPayload(ev.Content, &payload); err != nil {
		l.logf("syncer: bad encrypted event %s: %v", ev.EventID, err)
		return
	}
	plaintext, err := l.cfg.Machine.DecryptRoomEvent(ctx, roomID, &payload)
	if err != nil {
		if crypto.IsMissingKeyMaterial(err) {
			l.holdBack(roomID, payload.SessionID, Message{RoomID: roomID, Event: ev})
			return
		}
		l.logf("syncer: decrypt %s: %v", ev.EventID, err)
		return
	}
	l.cfg.OnMessage(Message{RoomID: roomID, Event: ev, Plaintext: plaintext})
}

func (l *Loop) holdBack(roomID, sessionID string, msg Message) {
	key := roomID + "|" + sessionID
	l.heldMu.Lock()
	l.held[key] = append(l.held[key], msg)
	l.heldMu.Unlock()
	l.logf("syncer: holding %s until key for session %s arrives", msg.Event.EventID, sessionID)
}

// OnRoomKey retries events held back for a session. Wire it to the
// engine's RoomKeyReceived callback.
func (l *Loop) OnRoomKey(roomID, sessionID string) {
	key := roomID + "|" + sessionID
	l.heldMu.Lock()
	msgs := l.held[key]
	delete(l.held, key)
	l.heldMu.Unlock()

	for _, msg := range msgs {
		l.deliverTimelineEvent(context.Background(), roomID, msg.Event)
	}
}

// OnDecryptionFailed drops events held back for a session whose key
// recovery was abandoned. Wire it to the engine's DecryptionFailed
// callback so exhausted sessions do not pin their events forever.
func (l *Loop) OnDecryptionFailed(roomID, sessionID string) {
	key := roomID + "|" + sessionID
	l.heldMu.Lock()
	n := len(l.held[key])
	delete(l.held, key)
	l.heldMu.Unlock()
	if n > 0 {
		l.logf("syncer: dropping %d held events for session %s", n, sessionID)
	}
}

// maintainOneTimeKeys tops up the server-side one-time key pool when
// the server reports it below target.
func (l *Loop) maintainOneTimeKeys(ctx context.Context, counts map[string]int) {
	if counts == nil {
		return
	}
	if counts["curve25519"] >= l.cfg.OneTimeKeyTarget {
		return
	}
	keys, err := l.cfg.Machine.GenerateOneTimeKeys(l.cfg.OneTimeKeyTarget)
	if err != nil {
		l.logf("syncer: generate one-time keys: %v", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := l.cfg.Transport.UploadOneTimeKeys(ctx, keys); err != nil {
		l.logf("syncer: upload one-time keys: %v", err)
		return
	}
	if err := l.cfg.Machine.MarkKeysPublished(); err != nil {
		l.logf("syncer: mark keys published: %v", err)
	}
}

func withRoomID(roomID string, events []event.StateEvent) []event.StateEvent {
	for i := range events {
		events[i].RoomID = roomID
	}
	return events
}

func unmarshalPayload(raw []byte, payload *event.MegolmPayload) error {
	if err := json.Unmarshal(raw, payload); err != nil {
		return err
	}
	if payload.Algorithm != event.AlgorithmMegolm {
		return fmt.Errorf("unexpected algorithm %q", payload.Algorithm)
	}
	return nil
}

func (l *Loop) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}
