package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// BoxPublicKey is an X25519 public key used to address encrypted fields.
type BoxPublicKey [32]byte

func (k BoxPublicKey) String() string { return "x25519:" + base64.StdEncoding.EncodeToString(k[:]) }

// BoxKeypair is an X25519 keypair for nacl/box.
type BoxKeypair struct {
	Public  BoxPublicKey
	Private [32]byte
}

// GenerateBoxKeypair creates a random keypair.
func GenerateBoxKeypair(rand io.Reader) (*BoxKeypair, error) {
	pub, priv, err := box.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &BoxKeypair{Public: BoxPublicKey(*pub), Private: *priv}, nil
}

// BoxKeypairFromSeed derives a keypair deterministically from a 32-byte seed.
func BoxKeypairFromSeed(seed []byte) (*BoxKeypair, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("seed must be 32 bytes, got %d", len(seed))
	}
	h := sha256.New()
	_, _ = h.Write([]byte("peerlog-box-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(seed)
	var kp BoxKeypair
	copy(kp.Private[:], h.Sum(nil))
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}
