package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gwillem/matrix-go/internal/crypto"
	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/olm"
	"github.com/gwillem/matrix-go/internal/roomstate"
)

const testRoom = "!room:example.org"

// fakeTransport serves a scripted sequence of sync responses, then
// blocks until the context is cancelled.
type fakeTransport struct {
	mu        sync.Mutex
	responses []*event.SyncResponse
	polls     []string
	rejectAt  string // reject the poll made with this cursor, once
	keys      []event.DeviceKeys
	uploaded  []map[string]olm.Key
	drained   chan struct{}
	drainOnce sync.Once
}

func newFakeTransport(responses ...*event.SyncResponse) *fakeTransport {
	return &fakeTransport{responses: responses, drained: make(chan struct{})}
}

func (f *fakeTransport) PollSync(ctx context.Context, since string) (*event.SyncResponse, error) {
	f.mu.Lock()
	f.polls = append(f.polls, since)
	if f.rejectAt != "" && since == f.rejectAt {
		f.rejectAt = ""
		f.mu.Unlock()
		return nil, ErrCursorRejected
	}
	if len(f.responses) == 0 {
		f.drainOnce.Do(func() { close(f.drained) })
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	f.mu.Unlock()
	return resp, nil
}

func (f *fakeTransport) QueryDeviceKeys(ctx context.Context, userIDs []string) ([]event.DeviceKeys, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys, nil
}

func (f *fakeTransport) UploadOneTimeKeys(ctx context.Context, keys map[string]olm.Key) error {
	f.mu.Lock()
	f.uploaded = append(f.uploaded, keys)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) pollHistory() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.polls...)
}

func newTestMachine(t *testing.T) *crypto.Machine {
	t.Helper()
	machine, err := crypto.NewMachine(crypto.Config{
		UserID:   "@me:example.org",
		DeviceID: "DEV",
		Store:    crypto.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	return machine
}

// runLoop drives the loop until the transport is drained, then shuts it
// down cleanly.
func runLoop(t *testing.T, l *Loop, transport *fakeTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-transport.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("loop never drained the transport")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}

func stateEvent(t *testing.T, id, sender, evType, stateKey string, ts int64, content any) event.StateEvent {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return event.StateEvent{
		EventID:        id,
		Sender:         sender,
		Type:           evType,
		StateKey:       stateKey,
		OriginServerTS: ts,
		Content:        raw,
	}
}

func syncBatch(next string) *event.SyncResponse {
	resp := &event.SyncResponse{NextBatch: next}
	resp.Rooms.Join = map[string]event.JoinedRoomDelta{}
	return resp
}

func TestBatchAppliedAndCursorPersisted(t *testing.T) {
	machine := newTestMachine(t)
	rooms := roomstate.New(nil)
	cursor := crypto.NewMemoryStore()

	batch := syncBatch("s_1")
	delta := event.JoinedRoomDelta{}
	delta.State.Events = []event.StateEvent{
		stateEvent(t, "$1", "@alice:example.org", event.TypeRoomMember, "@alice:example.org", 1,
			event.MemberContent{Membership: event.MembershipJoin}),
		stateEvent(t, "$2", "@alice:example.org", event.TypeRoomEncryption, "", 2,
			event.EncryptionContent{Algorithm: event.AlgorithmMegolm}),
	}
	raw, _ := json.Marshal(map[string]string{"body": "plain"})
	delta.Timeline.Events = []event.RoomEvent{{
		EventID: "$3", Sender: "@alice:example.org", Type: event.TypeRoomMessage, Content: raw,
	}}
	batch.Rooms.Join[testRoom] = delta

	transport := newFakeTransport(batch)
	var messages []Message
	var syncs int
	loop, err := New(Config{
		Transport: transport,
		Machine:   machine,
		Rooms:     rooms,
		Cursor:    cursor,
		OnMessage: func(m Message) { messages = append(messages, m) },
		OnSynced:  func() { syncs++ },
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	runLoop(t, loop, transport)

	saved, _ := cursor.GetCursor()
	if saved != "s_1" {
		t.Fatalf("cursor = %q, want s_1", saved)
	}
	snapshot := rooms.Snapshot(testRoom)
	if !snapshot.EncryptionEnabled || snapshot.Members["@alice:example.org"] != event.MembershipJoin {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if len(messages) != 1 || messages[0].Event.EventID != "$3" {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[0].Plaintext != nil {
		t.Fatal("cleartext event should carry no plaintext")
	}
	if syncs != 1 {
		t.Fatalf("synced %d times, want 1", syncs)
	}
}

func TestResumeFromPersistedCursor(t *testing.T) {
	machine := newTestMachine(t)
	cursor := crypto.NewMemoryStore()
	if err := cursor.PutCursor("s_42"); err != nil {
		t.Fatal(err)
	}
	transport := newFakeTransport(syncBatch("s_43"))
	loop, err := New(Config{
		Transport: transport,
		Machine:   machine,
		Rooms:     roomstate.New(nil),
		Cursor:    cursor,
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	runLoop(t, loop, transport)

	polls := transport.pollHistory()
	if len(polls) == 0 || polls[0] != "s_42" {
		t.Fatalf("first poll = %v, want s_42", polls)
	}
	saved, _ := cursor.GetCursor()
	if saved != "s_43" {
		t.Fatalf("cursor = %q, want s_43", saved)
	}
}

func TestCursorRejectionTriggersFullResync(t *testing.T) {
	machine := newTestMachine(t)
	cursor := crypto.NewMemoryStore()
	if err := cursor.PutCursor("s_dead"); err != nil {
		t.Fatal(err)
	}
	transport := newFakeTransport(syncBatch("s_new"))
	transport.rejectAt = "s_dead"

	loop, err := New(Config{
		Transport: transport,
		Machine:   machine,
		Rooms:     roomstate.New(nil),
		Cursor:    cursor,
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	runLoop(t, loop, transport)

	polls := transport.pollHistory()
	if len(polls) < 2 || polls[0] != "s_dead" || polls[1] != "" {
		t.Fatalf("polls = %v, want rejection then empty cursor", polls)
	}
	saved, _ := cursor.GetCursor()
	if saved != "s_new" {
		t.Fatalf("cursor = %q, want s_new", saved)
	}
}

func TestDeviceListRefreshBeforeTraffic(t *testing.T) {
	machine := newTestMachine(t)

	peer, err := crypto.NewMachine(crypto.Config{
		UserID:   "@peer:example.org",
		DeviceID: "PDEV",
		Store:    crypto.NewMemoryStore(),
	})
	if err != nil {
		t.Fatal(err)
	}
	peerKeys, err := peer.DeviceKeys()
	if err != nil {
		t.Fatal(err)
	}

	batch := syncBatch("s_1")
	batch.DeviceLists.Changed = []string{"@peer:example.org"}
	transport := newFakeTransport(batch)
	transport.keys = []event.DeviceKeys{*peerKeys}

	loop, err := New(Config{
		Transport: transport,
		Machine:   machine,
		Rooms:     roomstate.New(nil),
		Cursor:    crypto.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	runLoop(t, loop, transport)

	record, err := machine.Device("@peer:example.org", "PDEV")
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if record == nil {
		t.Fatal("device list change not applied")
	}
}

func TestHeldBackEventDeliveredOnKeyArrival(t *testing.T) {
	store := crypto.NewMemoryStore()
	machine, err := crypto.NewMachine(crypto.Config{
		UserID:   "@me:example.org",
		DeviceID: "DEV",
		Store:    store,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A group session this client has never seen.
	group, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	exported := group.SessionKey()
	inner, _ := json.Marshal(&event.MegolmPlaintext{
		Type:    event.TypeRoomMessage,
		RoomID:  testRoom,
		Content: json.RawMessage(`{"body":"held"}`),
	})
	msg, err := group.Encrypt(inner)
	if err != nil {
		t.Fatal(err)
	}
	payload := event.MegolmPayload{
		Algorithm: event.AlgorithmMegolm,
		SenderKey: "remotekey",
		DeviceID:  "RDEV",
		SessionID: group.ID(),
		Message:   *msg,
	}
	rawPayload, _ := json.Marshal(&payload)

	batch := syncBatch("s_1")
	delta := event.JoinedRoomDelta{}
	delta.Timeline.Events = []event.RoomEvent{{
		EventID: "$enc", Sender: "@remote:example.org",
		Type: event.TypeRoomEncrypted, Content: rawPayload,
	}}
	batch.Rooms.Join[testRoom] = delta
	transport := newFakeTransport(batch)

	var mu sync.Mutex
	var messages []Message
	loop, err := New(Config{
		Transport: transport,
		Machine:   machine,
		Rooms:     roomstate.New(nil),
		Cursor:    crypto.NewMemoryStore(),
		OnMessage: func(m Message) {
			mu.Lock()
			messages = append(messages, m)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	runLoop(t, loop, transport)

	mu.Lock()
	if len(messages) != 0 {
		mu.Unlock()
		t.Fatalf("undecryptable event delivered: %+v", messages)
	}
	mu.Unlock()

	// The key arrives; the held event is decrypted and delivered.
	inbound, err := olm.NewInboundGroupSession(exported)
	if err != nil {
		t.Fatal(err)
	}
	pickle, _ := inbound.Pickle()
	if err := store.PutInboundGroupSession(testRoom, "remotekey", group.ID(), pickle); err != nil {
		t.Fatal(err)
	}
	loop.OnRoomKey(testRoom, group.ID())

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	var body struct {
		Body string `json:"body"`
	}
	_ = json.Unmarshal(messages[0].Plaintext.Content, &body)
	if body.Body != "held" {
		t.Fatalf("body = %q", body.Body)
	}
}

func TestHeldBackEventsDroppedOnGiveUp(t *testing.T) {
	store := crypto.NewMemoryStore()
	machine, err := crypto.NewMachine(crypto.Config{
		UserID:   "@me:example.org",
		DeviceID: "DEV",
		Store:    store,
	})
	if err != nil {
		t.Fatal(err)
	}

	group, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	exported := group.SessionKey()
	inner, _ := json.Marshal(&event.MegolmPlaintext{
		Type:    event.TypeRoomMessage,
		RoomID:  testRoom,
		Content: json.RawMessage(`{"body":"held"}`),
	})
	msg, err := group.Encrypt(inner)
	if err != nil {
		t.Fatal(err)
	}
	payload := event.MegolmPayload{
		Algorithm: event.AlgorithmMegolm,
		SenderKey: "remotekey",
		DeviceID:  "RDEV",
		SessionID: group.ID(),
		Message:   *msg,
	}
	rawPayload, _ := json.Marshal(&payload)

	batch := syncBatch("s_1")
	delta := event.JoinedRoomDelta{}
	delta.Timeline.Events = []event.RoomEvent{{
		EventID: "$enc", Sender: "@remote:example.org",
		Type: event.TypeRoomEncrypted, Content: rawPayload,
	}}
	batch.Rooms.Join[testRoom] = delta
	transport := newFakeTransport(batch)

	var mu sync.Mutex
	var messages []Message
	loop, err := New(Config{
		Transport: transport,
		Machine:   machine,
		Rooms:     roomstate.New(nil),
		Cursor:    crypto.NewMemoryStore(),
		OnMessage: func(m Message) {
			mu.Lock()
			messages = append(messages, m)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	runLoop(t, loop, transport)

	// Key recovery gives up on the session; the held events go with it.
	loop.OnDecryptionFailed(testRoom, group.ID())

	// The key arriving afterwards must not resurrect them.
	inbound, err := olm.NewInboundGroupSession(exported)
	if err != nil {
		t.Fatal(err)
	}
	pickle, _ := inbound.Pickle()
	if err := store.PutInboundGroupSession(testRoom, "remotekey", group.ID(), pickle); err != nil {
		t.Fatal(err)
	}
	loop.OnRoomKey(testRoom, group.ID())

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 0 {
		t.Fatalf("dropped events delivered: %+v", messages)
	}
}

func TestOneTimeKeyTopUp(t *testing.T) {
	machine := newTestMachine(t)
	batch := syncBatch("s_1")
	batch.DeviceOneTimeKeysCount = map[string]int{"curve25519": 3}
	transport := newFakeTransport(batch)

	loop, err := New(Config{
		Transport:        transport,
		Machine:          machine,
		Rooms:            roomstate.New(nil),
		Cursor:           crypto.NewMemoryStore(),
		OneTimeKeyTarget: 10,
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	runLoop(t, loop, transport)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.uploaded) != 1 {
		t.Fatalf("uploads = %d, want 1", len(transport.uploaded))
	}
	if len(transport.uploaded[0]) < 7 {
		t.Fatalf("uploaded %d keys, want at least 7", len(transport.uploaded[0]))
	}
}
