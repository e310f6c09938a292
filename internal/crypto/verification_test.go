package crypto

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gwillem/matrix-go/internal/event"
)

type updateLog struct {
	mu      sync.Mutex
	updates []VerificationUpdate
}

func (l *updateLog) add(u VerificationUpdate) {
	l.mu.Lock()
	l.updates = append(l.updates, u)
	l.mu.Unlock()
}

func (l *updateLog) last() *VerificationUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.updates) == 0 {
		return nil
	}
	u := l.updates[len(l.updates)-1]
	return &u
}

func (l *updateLog) findState(s VerificationState) *VerificationUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.updates {
		if l.updates[i].State == s {
			u := l.updates[i]
			return &u
		}
	}
	return nil
}

func verificationNodes(t *testing.T) (*testNode, *testNode, *updateLog, *updateLog) {
	t.Helper()
	net := newTestNet()
	rooms := newFakeRooms("@alice:example.org", "@bob:example.org")
	aliceLog, bobLog := &updateLog{}, &updateLog{}
	alice := newTestNode(t, net, rooms, "@alice:example.org", "DEVA", func(cfg *Config) {
		cfg.Callbacks.VerificationChanged = aliceLog.add
	})
	bob := newTestNode(t, net, rooms, "@bob:example.org", "DEVB", func(cfg *Config) {
		cfg.Callbacks.VerificationChanged = bobLog.add
	})
	introduce(t, alice, bob)
	introduce(t, bob, alice)
	return alice, bob, aliceLog, bobLog
}

func TestSASVerificationEndToEnd(t *testing.T) {
	alice, bob, aliceLog, bobLog := verificationNodes(t)
	ctx := context.Background()

	txid, err := alice.machine.StartVerification(ctx, "@bob:example.org", "DEVB")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if u := bobLog.findState(VerificationRequested); u == nil || u.TransactionID != txid {
		t.Fatalf("bob never saw the request: %+v", u)
	}

	if err := bob.machine.AcceptVerification(ctx, txid); err != nil {
		t.Fatalf("accept: %v", err)
	}

	aliceSAS := alice.machine.PendingSAS(txid)
	bobSAS := bob.machine.PendingSAS(txid)
	if aliceSAS == nil || bobSAS == nil {
		t.Fatal("sas not derived on both sides")
	}
	if !reflect.DeepEqual(aliceSAS.Decimals, bobSAS.Decimals) {
		t.Fatalf("decimal sas differs: %v vs %v", aliceSAS.Decimals, bobSAS.Decimals)
	}
	if !reflect.DeepEqual(aliceSAS.Emojis, bobSAS.Emojis) {
		t.Fatalf("emoji sas differs: %v vs %v", aliceSAS.Emojis, bobSAS.Emojis)
	}
	for _, d := range aliceSAS.Decimals {
		if d < 1000 || d > 9191 {
			t.Fatalf("decimal %d out of range", d)
		}
	}
	if len(aliceSAS.Emojis) != 7 {
		t.Fatalf("emoji count = %d, want 7", len(aliceSAS.Emojis))
	}

	if err := alice.machine.ConfirmSAS(ctx, txid); err != nil {
		t.Fatalf("alice confirm: %v", err)
	}
	if err := bob.machine.ConfirmSAS(ctx, txid); err != nil {
		t.Fatalf("bob confirm: %v", err)
	}

	if u := aliceLog.findState(VerificationDone); u == nil {
		t.Fatal("alice flow never completed")
	}
	if u := bobLog.findState(VerificationDone); u == nil {
		t.Fatal("bob flow never completed")
	}

	record, err := alice.machine.Device("@bob:example.org", "DEVB")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if record.Trust != TrustVerified {
		t.Fatalf("alice's view of bob = %v, want verified", record.Trust)
	}
	record, err = bob.machine.Device("@alice:example.org", "DEVA")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if record.Trust != TrustVerified {
		t.Fatalf("bob's view of alice = %v, want verified", record.Trust)
	}
}

func TestVerificationCancelPropagates(t *testing.T) {
	alice, bob, aliceLog, bobLog := verificationNodes(t)
	ctx := context.Background()

	txid, err := alice.machine.StartVerification(ctx, "@bob:example.org", "DEVB")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := bob.machine.CancelVerification(ctx, txid, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if u := bobLog.last(); u == nil || u.State != VerificationCancelled {
		t.Fatalf("bob state = %+v, want cancelled", u)
	}
	if u := aliceLog.findState(VerificationCancelled); u == nil {
		t.Fatal("cancel did not reach alice")
	}

	// Neither side became verified.
	record, _ := alice.machine.Device("@bob:example.org", "DEVB")
	if record.Trust == TrustVerified {
		t.Fatal("cancelled flow granted trust")
	}
	// The transaction is dead: confirming now fails.
	if err := alice.machine.ConfirmSAS(ctx, txid); err == nil {
		t.Fatal("confirm succeeded on a cancelled flow")
	}
}

func TestVerificationOutOfOrderMacCancels(t *testing.T) {
	alice, bob, _, bobLog := verificationNodes(t)
	ctx := context.Background()

	txid, err := alice.machine.StartVerification(ctx, "@bob:example.org", "DEVB")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if u := bobLog.findState(VerificationRequested); u == nil {
		t.Fatal("bob never saw the request")
	}

	// A mac arriving while the flow is still in the requested state is
	// a protocol violation; the flow fails closed.
	raw, err := json.Marshal(&event.VerificationMacContent{TransactionID: txid})
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.machine.HandleToDeviceEvent(ctx, &event.ToDeviceEvent{
		Sender:  "@alice:example.org",
		Type:    event.TypeVerificationMac,
		Content: raw,
	}); err != nil {
		t.Fatalf("handle mac: %v", err)
	}

	u := bobLog.last()
	if u == nil || u.State != VerificationCancelled || u.TransactionID != txid {
		t.Fatalf("update = %+v, want cancelled %s", u, txid)
	}

	// Trust is untouched on both sides.
	record, _ := bob.machine.Device("@alice:example.org", "DEVA")
	if record.Trust != TrustUnset {
		t.Fatalf("bob's view of alice = %v, want unset", record.Trust)
	}
	record, _ = alice.machine.Device("@bob:example.org", "DEVB")
	if record.Trust != TrustUnset {
		t.Fatalf("alice's view of bob = %v, want unset", record.Trust)
	}
}

func TestVerificationTimeout(t *testing.T) {
	now := time.Now()
	net := newTestNet()
	rooms := newFakeRooms("@alice:example.org", "@bob:example.org")
	log := &updateLog{}
	alice := newTestNode(t, net, rooms, "@alice:example.org", "DEVA", func(cfg *Config) {
		cfg.Clock = func() time.Time { return now }
		cfg.VerificationTimeout = 5 * time.Minute
		cfg.Callbacks.VerificationChanged = log.add
	})
	bob := newTestNode(t, net, rooms, "@bob:example.org", "DEVB", nil)
	introduce(t, alice, bob)
	introduce(t, bob, alice)
	ctx := context.Background()

	txid, err := alice.machine.StartVerification(ctx, "@bob:example.org", "DEVB")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	now = now.Add(time.Minute)
	alice.machine.CheckVerificationTimeouts()
	if u := log.last(); u.State == VerificationCancelled {
		t.Fatal("cancelled before timeout")
	}

	now = now.Add(10 * time.Minute)
	alice.machine.CheckVerificationTimeouts()
	u := log.last()
	if u == nil || u.State != VerificationCancelled || u.TransactionID != txid {
		t.Fatalf("update = %+v, want cancelled %s", u, txid)
	}
}

func TestVerificationRefusesRevokedDevice(t *testing.T) {
	alice, _, _, _ := verificationNodes(t)

	if err := alice.machine.SetTrust("@bob:example.org", "DEVB", TrustRevoked); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := alice.machine.StartVerification(context.Background(), "@bob:example.org", "DEVB"); err == nil {
		t.Fatal("verification started with revoked device")
	}
}

func TestQRVerification(t *testing.T) {
	alice, bob, _, _ := verificationNodes(t)

	if err := alice.machine.VerifyScannedQR(bob.machine.QRPayload()); err != nil {
		t.Fatalf("verify qr: %v", err)
	}
	record, _ := alice.machine.Device("@bob:example.org", "DEVB")
	if record.Trust != TrustVerified {
		t.Fatalf("trust = %v, want verified", record.Trust)
	}

	// A payload advertising the wrong signing key must not verify.
	if err := alice.machine.VerifyScannedQR("MATRIXGO1|@bob:example.org|DEVB|forgedkey"); err == nil {
		t.Fatal("forged qr payload verified")
	}
}
