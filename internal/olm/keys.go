package olm

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Curve25519 key sizes, and the AEAD key size used throughout.
const (
	keySize     = 32
	aeadKeySize = 32
)

// Key is a 32-byte curve25519 key, public or private depending on
// context. Keys are encoded as unpadded standard base64 on the wire and
// in the store.
type Key [keySize]byte

// B64 returns the unpadded base64 encoding of the key.
func (k Key) B64() string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}

// IsZero reports whether the key is all zero bytes.
func (k Key) IsZero() bool {
	return k == Key{}
}

// KeyFromB64 decodes an unpadded base64 key.
func KeyFromB64(s string) (Key, error) {
	var k Key
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("olm: decode key: %w", err)
	}
	if len(b) != keySize {
		return k, fmt.Errorf("olm: key length %d, want %d", len(b), keySize)
	}
	copy(k[:], b)
	return k, nil
}

// generateKeyPair returns a fresh curve25519 private/public pair.
func generateKeyPair() (priv, pub Key, err error) {
	ecdhPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, fmt.Errorf("olm: generate curve25519 key: %w", err)
	}
	copy(priv[:], ecdhPriv.Bytes())
	copy(pub[:], ecdhPriv.PublicKey().Bytes())
	return priv, pub, nil
}

// dh computes the curve25519 shared secret between a private and a
// public key.
func dh(priv, pub Key) ([]byte, error) {
	p, err := ecdh.X25519().NewPrivateKey(priv[:])
	if err != nil {
		return nil, fmt.Errorf("olm: bad private key: %w", err)
	}
	q, err := ecdh.X25519().NewPublicKey(pub[:])
	if err != nil {
		return nil, fmt.Errorf("olm: bad public key: %w", err)
	}
	shared, err := p.ECDH(q)
	if err != nil {
		return nil, fmt.Errorf("olm: ecdh: %w", err)
	}
	return shared, nil
}

// kdfRoot advances the root KDF chain: given the current root key and a
// fresh DH output, it yields the next root key and a chain key.
func kdfRoot(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	r := hkdf.New(sha256.New, dhOut, rootKey, []byte("MATRIX_GO_RATCHET_ROOT"))
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("olm: root kdf: %w", err)
	}
	return out[:32], out[32:], nil
}

// kdfChain derives the message key for the current chain position and
// the next chain key.
func kdfChain(chainKey []byte) (messageKey, nextChainKey []byte) {
	m := hmac.New(sha256.New, chainKey)
	m.Write([]byte{0x01})
	messageKey = m.Sum(nil)

	c := hmac.New(sha256.New, chainKey)
	c.Write([]byte{0x02})
	nextChainKey = c.Sum(nil)
	return messageKey, nextChainKey
}
