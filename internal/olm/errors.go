package olm

import "errors"

var (
	// ErrDecryptFailed indicates an AEAD open failure: the ciphertext was
	// tampered with, or the ratchet states have diverged.
	ErrDecryptFailed = errors.New("olm: decryption failed")

	// ErrBadSignature indicates a group message whose ed25519 signature
	// does not verify against the session's signing key.
	ErrBadSignature = errors.New("olm: bad signature")

	// ErrIndexTooOld indicates a group message index below the inbound
	// session's first known index. Decrypting it would require ratchet
	// state this session never had.
	ErrIndexTooOld = errors.New("olm: message index before first known index")

	// ErrReplayedIndex indicates a group message index that was already
	// consumed by this session.
	ErrReplayedIndex = errors.New("olm: message index already consumed")

	// ErrMessageKeyNotFound indicates a pairwise message whose counter is
	// behind the receive chain and whose key is not in the skipped-key
	// cache (already used, or evicted).
	ErrMessageKeyNotFound = errors.New("olm: message key not found")

	// ErrUnknownOneTimeKey indicates a prekey message referencing a
	// one-time key this account no longer holds.
	ErrUnknownOneTimeKey = errors.New("olm: unknown one-time key")

	// ErrNotPreKeyMessage indicates an attempt to create an inbound
	// session from a normal (non-initiation) message.
	ErrNotPreKeyMessage = errors.New("olm: not a prekey message")
)
