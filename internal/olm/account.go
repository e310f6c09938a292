package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Account holds a device's long-term key material: an ed25519 signing
// pair, a curve25519 identity pair, and a pool of one-time curve25519
// keys that peers claim to establish sessions with us.
type Account struct {
	signingKey  ed25519.PrivateKey
	identityKey Key // private
	identityPub Key

	// oneTimeKeys maps key id to private key. Published ids have been
	// uploaded and may be claimed by peers at any time.
	oneTimeKeys map[string]Key
	oneTimePubs map[string]Key
	published   map[string]bool
	nextKeyID   uint64
}

// NewAccount generates a fresh account.
func NewAccount() (*Account, error) {
	_, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generate signing key: %w", err)
	}
	idPriv, idPub, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Account{
		signingKey:  signPriv,
		identityKey: idPriv,
		identityPub: idPub,
		oneTimeKeys: map[string]Key{},
		oneTimePubs: map[string]Key{},
		published:   map[string]bool{},
	}, nil
}

// IdentityKey returns the public curve25519 identity key.
func (a *Account) IdentityKey() Key { return a.identityPub }

// SigningKey returns the public ed25519 signing key, base64-encoded.
func (a *Account) SigningKey() string {
	return base64.RawStdEncoding.EncodeToString(a.signingKey.Public().(ed25519.PublicKey))
}

// Sign signs a message with the account's ed25519 key, returning the
// unpadded base64 signature.
func (a *Account) Sign(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(a.signingKey, message))
}

// VerifySignature checks an ed25519 signature against a base64 public key.
func VerifySignature(signingKeyB64 string, message []byte, signatureB64 string) error {
	pub, err := base64.RawStdEncoding.DecodeString(signingKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	sig, err := base64.RawStdEncoding.DecodeString(signatureB64)
	if err != nil {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return ErrBadSignature
	}
	return nil
}

// GenerateOneTimeKeys creates count fresh one-time keys. They are not
// considered published until MarkKeysPublished is called.
func (a *Account) GenerateOneTimeKeys(count int) error {
	for i := 0; i < count; i++ {
		priv, pub, err := generateKeyPair()
		if err != nil {
			return err
		}
		a.nextKeyID++
		id := fmt.Sprintf("AAAA%d", a.nextKeyID)
		a.oneTimeKeys[id] = priv
		a.oneTimePubs[id] = pub
	}
	return nil
}

// UnpublishedOneTimeKeys returns the public halves of keys that have not
// yet been marked published, keyed by key id.
func (a *Account) UnpublishedOneTimeKeys() map[string]Key {
	out := map[string]Key{}
	for id, pub := range a.oneTimePubs {
		if !a.published[id] {
			out[id] = pub
		}
	}
	return out
}

// MarkKeysPublished marks every current one-time key as published.
func (a *Account) MarkKeysPublished() {
	for id := range a.oneTimeKeys {
		a.published[id] = true
	}
}

// OneTimeKeyCount returns the number of one-time keys still held.
func (a *Account) OneTimeKeyCount() int { return len(a.oneTimeKeys) }

// claimOneTimeKey looks up the private half of a one-time key by its
// public value and removes it from the pool. A one-time key is consumed
// by exactly one inbound session.
func (a *Account) claimOneTimeKey(pub Key) (Key, error) {
	for id, p := range a.oneTimePubs {
		if p == pub {
			priv := a.oneTimeKeys[id]
			delete(a.oneTimeKeys, id)
			delete(a.oneTimePubs, id)
			delete(a.published, id)
			return priv, nil
		}
	}
	return Key{}, ErrUnknownOneTimeKey
}

// accountPickle is the serialised form of an Account.
type accountPickle struct {
	SigningKey  []byte         `json:"signing_key"`
	IdentityKey Key            `json:"identity_key"`
	IdentityPub Key            `json:"identity_pub"`
	OneTimeKeys map[string]Key `json:"one_time_keys"`
	OneTimePubs map[string]Key `json:"one_time_pubs"`
	Published   map[string]bool `json:"published"`
	NextKeyID   uint64         `json:"next_key_id"`
}

// Pickle serialises the account for storage.
func (a *Account) Pickle() ([]byte, error) {
	return json.Marshal(accountPickle{
		SigningKey:  a.signingKey,
		IdentityKey: a.identityKey,
		IdentityPub: a.identityPub,
		OneTimeKeys: a.oneTimeKeys,
		OneTimePubs: a.oneTimePubs,
		Published:   a.published,
		NextKeyID:   a.nextKeyID,
	})
}

// UnpickleAccount restores an account from its serialised form.
func UnpickleAccount(data []byte) (*Account, error) {
	var p accountPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle account: %w", err)
	}
	a := &Account{
		signingKey:  p.SigningKey,
		identityKey: p.IdentityKey,
		identityPub: p.IdentityPub,
		oneTimeKeys: p.OneTimeKeys,
		oneTimePubs: p.OneTimePubs,
		published:   p.Published,
		nextKeyID:   p.NextKeyID,
	}
	if a.oneTimeKeys == nil {
		a.oneTimeKeys = map[string]Key{}
	}
	if a.oneTimePubs == nil {
		a.oneTimePubs = map[string]Key{}
	}
	if a.published == nil {
		a.published = map[string]bool{}
	}
	return a, nil
}
