package olm

import (
	"bytes"
	"errors"
	"testing"
)

// establishPair creates two accounts and a session in each direction,
// delivering the first prekey message so both sides are live.
func establishPair(t *testing.T) (alice, bob *Session) {
	t.Helper()

	accountA, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	accountB, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	if err := accountB.GenerateOneTimeKeys(1); err != nil {
		t.Fatal(err)
	}
	var oneTime Key
	for _, pub := range accountB.UnpublishedOneTimeKeys() {
		oneTime = pub
	}
	accountB.MarkKeysPublished()

	alice, err = NewOutboundSession(accountA, accountB.IdentityKey(), oneTime)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := alice.Encrypt([]byte("session init"))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypePreKey {
		t.Fatalf("first message type = %d, want prekey", msg.Type)
	}

	bob, err = NewInboundSession(accountB, msg)
	if err != nil {
		t.Fatal(err)
	}
	if bob.ID() != alice.ID() {
		t.Fatalf("session ids differ: %s vs %s", bob.ID(), alice.ID())
	}
	plaintext, err := bob.Decrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "session init" {
		t.Fatalf("got %q", plaintext)
	}
	return alice, bob
}

func TestSessionRoundTrip(t *testing.T) {
	alice, bob := establishPair(t)

	// Ping-pong across several DH ratchet steps.
	for i := 0; i < 5; i++ {
		msg, err := bob.Encrypt([]byte("from bob"))
		if err != nil {
			t.Fatal(err)
		}
		if msg.Type != MessageTypeNormal {
			t.Fatalf("bob message type = %d, want normal", msg.Type)
		}
		got, err := alice.Decrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, []byte("from bob")) {
			t.Fatalf("got %q", got)
		}

		msg, err = alice.Encrypt([]byte("from alice"))
		if err != nil {
			t.Fatal(err)
		}
		got, err = bob.Decrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, []byte("from alice")) {
			t.Fatalf("got %q", got)
		}
	}
}

func TestSessionCountersIncrease(t *testing.T) {
	alice, _ := establishPair(t)

	last := int64(-1)
	for i := 0; i < 4; i++ {
		msg, err := alice.Encrypt([]byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		if int64(msg.Counter) <= last {
			t.Fatalf("counter %d not above previous %d", msg.Counter, last)
		}
		last = int64(msg.Counter)
	}
}

func TestSessionOutOfOrder(t *testing.T) {
	alice, bob := establishPair(t)

	first, err := alice.Encrypt([]byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := alice.Encrypt([]byte("two"))
	if err != nil {
		t.Fatal(err)
	}

	// Deliver in reverse order.
	got, err := bob.Decrypt(second)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Fatalf("got %q", got)
	}
	got, err = bob.Decrypt(first)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one" {
		t.Fatalf("got %q", got)
	}
}

func TestSessionReplayRejected(t *testing.T) {
	alice, bob := establishPair(t)

	msg, err := alice.Encrypt([]byte("once"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Decrypt(msg); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Decrypt(msg); !errors.Is(err, ErrMessageKeyNotFound) {
		t.Fatalf("replay error = %v, want ErrMessageKeyNotFound", err)
	}
}

func TestSessionTamperRejected(t *testing.T) {
	alice, bob := establishPair(t)

	msg, err := alice.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	msg.Ciphertext[0] ^= 0xff
	if _, err := bob.Decrypt(msg); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("tamper error = %v, want ErrDecryptFailed", err)
	}
}

func TestSessionPickleRoundTrip(t *testing.T) {
	alice, bob := establishPair(t)

	data, err := bob.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnpickleSession(data)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := alice.Encrypt([]byte("after restore"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := restored.Decrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "after restore" {
		t.Fatalf("got %q", got)
	}
}

func TestInboundSessionRequiresPreKeyMessage(t *testing.T) {
	alice, bob := establishPair(t)
	_ = bob

	msg, err := alice.Encrypt([]byte("normal"))
	if err != nil {
		t.Fatal(err)
	}
	account, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewInboundSession(account, msg); !errors.Is(err, ErrNotPreKeyMessage) {
		t.Fatalf("error = %v, want ErrNotPreKeyMessage", err)
	}
}

func TestAccountSignVerify(t *testing.T) {
	account, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	sig := account.Sign([]byte("device keys"))
	if err := VerifySignature(account.SigningKey(), []byte("device keys"), sig); err != nil {
		t.Fatal(err)
	}
	if err := VerifySignature(account.SigningKey(), []byte("other"), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("error = %v, want ErrBadSignature", err)
	}
}

func TestAccountOneTimeKeyLifecycle(t *testing.T) {
	account, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	if err := account.GenerateOneTimeKeys(3); err != nil {
		t.Fatal(err)
	}
	unpublished := account.UnpublishedOneTimeKeys()
	if len(unpublished) != 3 {
		t.Fatalf("unpublished = %d, want 3", len(unpublished))
	}
	account.MarkKeysPublished()
	if len(account.UnpublishedOneTimeKeys()) != 0 {
		t.Fatal("keys still unpublished after MarkKeysPublished")
	}

	var pub Key
	for _, p := range unpublished {
		pub = p
	}
	if _, err := account.claimOneTimeKey(pub); err != nil {
		t.Fatal(err)
	}
	// A one-time key is consumed by its first claim.
	if _, err := account.claimOneTimeKey(pub); !errors.Is(err, ErrUnknownOneTimeKey) {
		t.Fatalf("error = %v, want ErrUnknownOneTimeKey", err)
	}
	if account.OneTimeKeyCount() != 2 {
		t.Fatalf("remaining = %d, want 2", account.OneTimeKeyCount())
	}
}

func TestAccountPickleRoundTrip(t *testing.T) {
	account, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	if err := account.GenerateOneTimeKeys(2); err != nil {
		t.Fatal(err)
	}
	data, err := account.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnpickleAccount(data)
	if err != nil {
		t.Fatal(err)
	}
	if restored.IdentityKey() != account.IdentityKey() {
		t.Fatal("identity key changed across pickle")
	}
	if restored.SigningKey() != account.SigningKey() {
		t.Fatal("signing key changed across pickle")
	}
	if restored.OneTimeKeyCount() != 2 {
		t.Fatalf("one-time keys = %d, want 2", restored.OneTimeKeyCount())
	}

	sig := restored.Sign([]byte("still works"))
	if err := VerifySignature(account.SigningKey(), []byte("still works"), sig); err != nil {
		t.Fatal(err)
	}
}
