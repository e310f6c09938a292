package crypto

import "errors"

// Engine error taxonomy. Callers branch on these with errors.Is.
var (
	// ErrNoKeyMaterial: the recipient published no usable one-time key
	// and no session exists. Recoverable by waiting for the device to
	// replenish its keys.
	ErrNoKeyMaterial = errors.New("crypto: no key material for recipient")

	// ErrSessionMismatch: ratchet validation failed on a pairwise
	// message. Tampering or an unrecoverable desync; the message is
	// dropped and never retried.
	ErrSessionMismatch = errors.New("crypto: session mismatch")

	// ErrNoActiveSession: room encryption has never been initialised
	// for this room. The caller must trigger key distribution first.
	ErrNoActiveSession = errors.New("crypto: no active group session")

	// ErrUnknownSession: no inbound group session matches the
	// ciphertext. The key may simply not have arrived yet; a pending
	// key request is raised rather than a hard failure.
	ErrUnknownSession = errors.New("crypto: unknown group session")

	// ErrRatchetRegression: the message index would require moving a
	// ratchet backward. Hard failure, logged as a security event.
	ErrRatchetRegression = errors.New("crypto: ratchet regression")
)

// IsProtocolViolation reports whether an error is a hard cryptographic
// failure that must never be retried.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrSessionMismatch) || errors.Is(err, ErrRatchetRegression)
}

// IsMissingKeyMaterial reports whether an error signals absent key
// material with a bounded recovery flow.
func IsMissingKeyMaterial(err error) bool {
	return errors.Is(err, ErrNoKeyMaterial) || errors.Is(err, ErrUnknownSession)
}
