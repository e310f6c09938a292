// Package olm implements the cryptographic primitives underneath the
// encryption engine: the device Account (long-term identity and one-time
// keys), pairwise double-ratchet Sessions for to-device traffic, and
// group sessions (a signed hash-ratchet) for room events.
//
// The package deals in keys, counters and ciphertext only. Session
// lifecycle, key distribution and trust decisions live in
// internal/crypto.
//
// Concurrency: none of the types here are safe for concurrent use. A
// ratchet advance is destructive, so callers must serialise access per
// session.
package olm
