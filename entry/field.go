package entry

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"xdao.co/peerlog/keys"
)

// Field is a byte value that is either stored in the clear or sealed in an
// Envelope for one or more receivers. Plaintext recovered by Open is cached
// and never part of the encoding. Copies of a sealed field share the cache,
// which is safe for concurrent use.
type Field struct {
	plain  []byte
	sealed *Envelope
	opened *openedCache
}

type openedCache struct {
	mu sync.Mutex
	b  []byte
}


// Plain wraps b as an unencrypted field.
func Plain(b []byte) Field { return Field{plain: b} }

func (f Field) IsZero() bool { return len(f.plain) == 0 && f.sealed == nil }
func (f Field) IsSealed() bool { return f.sealed != nil }
func (f Field) Envelope() *Envelope { return f.sealed }

// Bytes returns the plaintext if it is available without a keychain.
func (f Field) Bytes() ([]byte, bool) {
	if f.sealed == nil {
		return f.plain, true
	}
	if f.opened == nil {
		return nil, false
	}
	f.opened.mu.Lock()
	defer f.opened.mu.Unlock()
	return f.opened.b, f.opened.b != nil
}

// Open returns the plaintext, decrypting with kc when the field is sealed.
func (f *Field) Open(kc keys.Keychain) ([]byte, error) {
	if f.sealed == nil {
		return f.plain, nil
	}
	if f.opened == nil {
		return f.sealed.Open(kc)
	}
	f.opened.mu.Lock()
	defer f.opened.mu.Unlock()
	if f.opened.b != nil {
		return f.opened.b, nil
	}
	b, err := f.sealed.Open(kc)
	if err != nil {
		return nil, err
	}
	f.opened.b = b
	return b, nil
}

// SealedKey is the symmetric envelope key sealed to one receiver.
type SealedKey struct {
	Receiver keys.BoxPublicKey
	Box      []byte
}

// Envelope is secretbox ciphertext whose key is sealed anonymously to each receiver.
type Envelope struct {
	Nonce      [24]byte
	Ciphertext []byte
	Keys       []SealedKey
}

// Seal encrypts plaintext for receivers. rnd defaults to crypto/rand.
func Seal(plaintext []byte, receivers []keys.BoxPublicKey, rnd io.Reader) (Field, error) {
	if len(receivers) == 0 {
		return Field{}, fmt.Errorf("entry: seal requires at least one receiver")
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	var key [32]byte
	if _, err := io.ReadFull(rnd, key[:]); err != nil {
		return Field{}, err
	}
	env := &Envelope{}
	if _, err := io.ReadFull(rnd, env.Nonce[:]); err != nil {
		return Field{}, err
	}
	env.Ciphertext = secretbox.Seal(nil, plaintext, &env.Nonce, &key)
	for _, r := range receivers {
		pub := [32]byte(r)
		sealed, err := box.SealAnonymous(nil, key[:], &pub, rnd)
		if err != nil {
			return Field{}, err
		}
		env.Keys = append(env.Keys, SealedKey{Receiver: r, Box: sealed})
	}
	return Field{sealed: env, opened: &openedCache{b: plaintext}}, nil
}

// Receivers lists the public keys the envelope is addressed to.
func (e *Envelope) Receivers() []keys.BoxPublicKey {
	out := make([]keys.BoxPublicKey, len(e.Keys))
	for i, k := range e.Keys {
		out[i] = k.Receiver
	}
	return out
}

// Open decrypts the envelope with any matching keypair held by kc.
func (e *Envelope) Open(kc keys.Keychain) ([]byte, error) {
	if kc == nil {
		return nil, ErrAccess
	}
	kp, ok := kc.AnyKeypair(e.Receivers())
	if !ok {
		return nil, ErrAccess
	}
	for _, k := range e.Keys {
		if k.Receiver != kp.Public {
			continue
		}
		pub, priv := [32]byte(kp.Public), kp.Private
		raw, ok := box.OpenAnonymous(nil, k.Box, &pub, &priv)
		if !ok || len(raw) != 32 {
			return nil, fmt.Errorf("%w: sealed key does not open", ErrAccess)
		}
		var key [32]byte
		copy(key[:], raw)
		out, ok := secretbox.Open(nil, e.Ciphertext, &e.Nonce, &key)
		if !ok {
			return nil, fmt.Errorf("%w: ciphertext does not open", ErrAccess)
		}
		if out == nil {
			out = []byte{}
		}
		return out, nil
	}
	return nil, ErrAccess
}
