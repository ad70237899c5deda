package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidSignature is returned by Verify when a signature does not match.
var ErrInvalidSignature = errors.New("keys: invalid signature")

// Signer produces signatures for a stable public key.
type Signer interface {
	PublicKey() PublicKey
	Sign(message []byte) ([]byte, error)
}

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case "sha256":
		s := sha256.Sum256(message)
		return s[:], nil
	case "sha512":
		s := sha512.Sum512(message)
		return s[:], nil
	case "sha3-256":
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlg)
	}
}

// Ed25519Signer signs sha256(message) with an Ed25519 key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  PublicKey
}

// NewEd25519Signer builds a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{priv: priv, pub: PublicKey{Alg: AlgEd25519, Bytes: []byte(pub)}}, nil
}

// GenerateEd25519Signer creates a signer with a fresh random seed.
func GenerateEd25519Signer(rand io.Reader) (*Ed25519Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, err
	}
	return NewEd25519Signer(seed)
}

func (s *Ed25519Signer) PublicKey() PublicKey { return s.pub }

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ed25519.Sign(s.priv, digest[:]), nil
}

// Dilithium3Signer signs sha3-256(message) with a Dilithium3 key.
type Dilithium3Signer struct {
	priv *mode3.PrivateKey
	pub  PublicKey
}

// GenerateDilithium3Signer returns a signer with a new Dilithium3 keypair.
func GenerateDilithium3Signer(rand io.Reader) (*Dilithium3Signer, error) {
	pk, sk, err := mode3.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &Dilithium3Signer{priv: sk, pub: PublicKey{Alg: AlgDilithium3, Bytes: pk.Bytes()}}, nil
}

func (s *Dilithium3Signer) PublicKey() PublicKey { return s.pub }

func (s *Dilithium3Signer) Sign(message []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, fmt.Errorf("missing private key")
	}
	digest, err := digestFor("sha3-256", message)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, digest, sig)
	return sig, nil
}

// Verify checks sig over message for pub.
func Verify(pub PublicKey, message, sig []byte) error {
	if err := pub.check(); err != nil {
		return err
	}
	switch pub.Alg {
	case AlgEd25519:
		digest := sha256.Sum256(message)
		if !ed25519.Verify(ed25519.PublicKey(pub.Bytes), digest[:], sig) {
			return ErrInvalidSignature
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub.Bytes); err != nil {
			return fmt.Errorf("keys: dilithium3 public key: %w", err)
		}
		digest, err := digestFor("sha3-256", message)
		if err != nil {
			return err
		}
		if !mode3.Verify(&pk, digest, sig) {
			return ErrInvalidSignature
		}
	}
	return nil
}
