package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Signature algorithms.
const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// PublicKey identifies a signer.
type PublicKey struct {
	Alg   string
	Bytes []byte
}

// String encodes the key as "<alg>:<base64>".
func (k PublicKey) String() string {
	return k.Alg + ":" + base64.StdEncoding.EncodeToString(k.Bytes)
}

func (k PublicKey) IsZero() bool { return k.Alg == "" && len(k.Bytes) == 0 }

func (k PublicKey) Equal(o PublicKey) bool {
	return k.Alg == o.Alg && bytes.Equal(k.Bytes, o.Bytes)
}

// Compare orders keys by their raw bytes, then by algorithm.
func (k PublicKey) Compare(o PublicKey) int {
	if c := bytes.Compare(k.Bytes, o.Bytes); c != 0 {
		return c
	}
	return strings.Compare(k.Alg, o.Alg)
}

// ParsePublicKey decodes the String form.
func ParsePublicKey(s string) (PublicKey, error) {
	alg, b64, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return PublicKey{}, fmt.Errorf("keys: malformed public key %q", s)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return PublicKey{}, fmt.Errorf("keys: malformed public key: %w", err)
	}
	k := PublicKey{Alg: alg, Bytes: raw}
	if err := k.check(); err != nil {
		return PublicKey{}, err
	}
	return k, nil
}

func (k PublicKey) check() error {
	switch k.Alg {
	case AlgEd25519:
		if len(k.Bytes) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(k.Bytes))
		}
	case AlgDilithium3:
		if len(k.Bytes) != mode3.PublicKeySize {
			return fmt.Errorf("dilithium3 public key must be %d bytes, got %d", mode3.PublicKeySize, len(k.Bytes))
		}
	default:
		return fmt.Errorf("keys: unsupported algorithm %q", k.Alg)
	}
	return nil
}
