package olm

import (
	"errors"
	"testing"
	"time"
)

func TestGroupSessionRoundTrip(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	for i, text := range []string{"first", "second", "third"} {
		msg, err := outbound.Encrypt([]byte(text))
		if err != nil {
			t.Fatal(err)
		}
		if msg.Index != uint32(i) {
			t.Fatalf("index = %d, want %d", msg.Index, i)
		}
		got, err := inbound.Decrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != text {
			t.Fatalf("got %q, want %q", got, text)
		}
	}
	if outbound.MessageIndex() != 3 {
		t.Fatalf("message index = %d, want 3", outbound.MessageIndex())
	}
}

func TestGroupSessionOutOfOrder(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	first, _ := outbound.Encrypt([]byte("first"))
	second, _ := outbound.Encrypt([]byte("second"))

	if got, err := inbound.Decrypt(second); err != nil || string(got) != "second" {
		t.Fatalf("got %q, %v", got, err)
	}
	// Late arrival at a lower index still decrypts: the import-time
	// ratchet state is retained.
	if got, err := inbound.Decrypt(first); err != nil || string(got) != "first" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestGroupSessionReplay(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := outbound.Encrypt([]byte("once"))
	if _, err := inbound.Decrypt(msg); err != nil {
		t.Fatal(err)
	}
	if _, err := inbound.Decrypt(msg); !errors.Is(err, ErrReplayedIndex) {
		t.Fatalf("replay error = %v, want ErrReplayedIndex", err)
	}
}

func TestGroupSessionLateShareCannotReadHistory(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}

	early, _ := outbound.Encrypt([]byte("before share"))

	// Key shared after the first message: first known index is 1.
	inbound, err := NewInboundGroupSession(outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	if inbound.FirstKnownIndex() != 1 {
		t.Fatalf("first known index = %d, want 1", inbound.FirstKnownIndex())
	}
	if _, err := inbound.Decrypt(early); !errors.Is(err, ErrIndexTooOld) {
		t.Fatalf("error = %v, want ErrIndexTooOld", err)
	}

	late, _ := outbound.Encrypt([]byte("after share"))
	if got, err := inbound.Decrypt(late); err != nil || string(got) != "after share" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestGroupSessionSignatureTamper(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := outbound.Encrypt([]byte("signed"))
	msg.Ciphertext[0] ^= 0xff
	if _, err := inbound.Decrypt(msg); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("error = %v, want ErrBadSignature", err)
	}
}

func TestGroupSessionExportForwarding(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	inbound, err := NewInboundGroupSession(outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	// Forward the inbound session to another device. The copy has the
	// same first known index, no earlier.
	forwarded, err := NewInboundGroupSession(inbound.Export())
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := outbound.Encrypt([]byte("forwarded"))
	if got, err := forwarded.Decrypt(msg); err != nil || string(got) != "forwarded" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestGroupSessionPickleRoundTrip(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := outbound.Encrypt([]byte("advance")); err != nil {
		t.Fatal(err)
	}

	data, err := outbound.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restoredOut, err := UnpickleOutboundGroupSession(data)
	if err != nil {
		t.Fatal(err)
	}
	if restoredOut.ID() != outbound.ID() {
		t.Fatal("outbound id changed across pickle")
	}
	if restoredOut.MessageIndex() != 1 {
		t.Fatalf("message index = %d, want 1", restoredOut.MessageIndex())
	}
	if restoredOut.CreationTime().After(time.Now()) {
		t.Fatal("creation time in the future")
	}

	inbound, err := NewInboundGroupSession(outbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	data, err = inbound.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restoredIn, err := UnpickleInboundGroupSession(data)
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := restoredOut.Encrypt([]byte("post restore"))
	if got, err := restoredIn.Decrypt(msg); err != nil || string(got) != "post restore" {
		t.Fatalf("got %q, %v", got, err)
	}
}
