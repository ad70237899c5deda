// Package entry defines the immutable, content-addressed unit of a log.
//
// An Entry is identified by the CID of its canonical encoding. Metadata
// (clock, causal links, thread id) is always stored in the clear; the payload,
// the user metadata bytes and each signature may be sealed to receivers.
package entry

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/keys"
)

// Clock is a logical clock. ID is the creating identity's public key bytes.
type Clock struct {
	ID   []byte
	Time uint64
}

// Type marks ordinary entries and cut entries.
type Type uint8

const (
	TypeNormal Type = iota
	// TypeCut entries make their whole ancestry prunable.
	TypeCut
)

func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeCut:
		return "cut"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Meta is the causal metadata of an entry.
type Meta struct {
	LogID string
	Clock Clock
	GID   string
	// Next holds causal predecessors in ascending CID order.
	Next []cid.Cid
	Type Type
	Data Field
}

// Signature is one signer's signature over the signing input.
type Signature struct {
	PublicKey keys.PublicKey
	Bytes     []byte
}

// Entry is immutable once created or decoded.
type Entry struct {
	Meta       Meta
	Payload    Field
	Signatures []Field

	raw  []byte
	hash cid.Cid
}

// Hash is the CID of the canonical encoding.
func (e *Entry) Hash() cid.Cid { return e.hash }

// Bytes returns the canonical encoding. Callers must not modify it.
func (e *Entry) Bytes() []byte { return e.raw }

// Size is the length of the canonical encoding.
func (e *Entry) Size() int { return len(e.raw) }

// PayloadSize is the encoded size of the payload field, sealed or not.
func (e *Entry) PayloadSize() int { return len(appendField(nil, e.Payload)) }

func (e *Entry) String() string {
	return fmt.Sprintf("%s@%d", e.hash, e.Meta.Clock.Time)
}

// HasNext reports whether h is a direct predecessor.
func (e *Entry) HasNext(h cid.Cid) bool {
	for _, n := range e.Meta.Next {
		if n == h {
			return true
		}
	}
	return false
}

// Receivers selects which fields are sealed and to whom.
type Receivers struct {
	Payload    []keys.BoxPublicKey
	Data       []keys.BoxPublicKey
	Signatures []keys.BoxPublicKey
}

// CreateOptions describes a new entry.
type CreateOptions struct {
	LogID     string
	Payload   []byte
	Next      []*Entry
	Signers   []keys.Signer
	Type      Type
	Data      []byte
	Receivers Receivers
	// Rand is used for envelope keys and nonces; nil means crypto/rand.
	Rand io.Reader
}

// Create builds, seals and signs a new entry.
//
// The clock time is one past the highest predecessor time, or 0 for a root.
// A root starts a new thread id; otherwise the thread id is inherited from the
// predecessor with the highest clock time, ties broken by the smallest id.
func Create(opts CreateOptions) (*Entry, error) {
	if len(opts.Signers) == 0 {
		return nil, ErrNoSigners
	}

	meta := Meta{
		LogID: opts.LogID,
		Type:  opts.Type,
		Clock: Clock{ID: append([]byte(nil), opts.Signers[0].PublicKey().Bytes...)},
	}

	if len(opts.Next) == 0 {
		meta.GID = uuid.NewString()
	} else {
		var gidFrom *Entry
		seen := make(map[cid.Cid]struct{}, len(opts.Next))
		for _, n := range opts.Next {
			if n == nil {
				return nil, fmt.Errorf("entry: nil predecessor")
			}
			if _, dup := seen[n.hash]; dup {
				continue
			}
			seen[n.hash] = struct{}{}
			meta.Next = append(meta.Next, n.hash)
			if t := n.Meta.Clock.Time + 1; t > meta.Clock.Time {
				meta.Clock.Time = t
			}
			if gidFrom == nil ||
				n.Meta.Clock.Time > gidFrom.Meta.Clock.Time ||
				(n.Meta.Clock.Time == gidFrom.Meta.Clock.Time && n.Meta.GID < gidFrom.Meta.GID) {
				gidFrom = n
			}
		}
		sortCIDs(meta.Next)
		meta.GID = gidFrom.Meta.GID
	}

	var err error
	if len(opts.Data) > 0 {
		meta.Data = Plain(opts.Data)
		if len(opts.Receivers.Data) > 0 {
			if meta.Data, err = Seal(opts.Data, opts.Receivers.Data, opts.Rand); err != nil {
				return nil, err
			}
		}
	}

	e := &Entry{Meta: meta, Payload: Plain(opts.Payload)}
	if len(opts.Receivers.Payload) > 0 {
		if e.Payload, err = Seal(opts.Payload, opts.Receivers.Payload, opts.Rand); err != nil {
			return nil, err
		}
	}

	input := e.SigningInput()
	for _, s := range opts.Signers {
		sig, err := s.Sign(input)
		if err != nil {
			return nil, fmt.Errorf("entry: sign: %w", err)
		}
		f := Plain(encodeSignature(Signature{PublicKey: s.PublicKey(), Bytes: sig}))
		if len(opts.Receivers.Signatures) > 0 {
			plain, _ := f.Bytes()
			if f, err = Seal(plain, opts.Receivers.Signatures, opts.Rand); err != nil {
				return nil, err
			}
		}
		e.Signatures = append(e.Signatures, f)
	}

	if err := e.seal(); err != nil {
		return nil, err
	}
	return e, nil
}

// seal computes the canonical encoding and hash.
func (e *Entry) seal() error {
	e.raw = e.encode(true)
	h, err := cidutil.CIDv1RawSHA256CID(e.raw)
	if err != nil {
		return err
	}
	e.hash = h
	return nil
}

// SigningInput is the canonical encoding without signatures.
func (e *Entry) SigningInput() []byte { return e.encode(false) }

// OpenSignatures returns all signatures, decrypting sealed ones with kc.
func (e *Entry) OpenSignatures(kc keys.Keychain) ([]Signature, error) {
	out := make([]Signature, 0, len(e.Signatures))
	for i := range e.Signatures {
		b, err := e.Signatures[i].Open(kc)
		if err != nil {
			return nil, err
		}
		sig, err := decodeSignature(b)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// Signers returns the public keys of all signers.
func (e *Entry) Signers(kc keys.Keychain) ([]keys.PublicKey, error) {
	sigs, err := e.OpenSignatures(kc)
	if err != nil {
		return nil, err
	}
	out := make([]keys.PublicKey, len(sigs))
	for i, s := range sigs {
		out[i] = s.PublicKey
	}
	return out, nil
}

// VerifySignatures checks every signature against the signing input.
func (e *Entry) VerifySignatures(kc keys.Keychain) error {
	sigs, err := e.OpenSignatures(kc)
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		return ErrUnsigned
	}
	input := e.SigningInput()
	for _, s := range sigs {
		if err := keys.Verify(s.PublicKey, input, s.Bytes); err != nil {
			return fmt.Errorf("entry %s: signer %s: %w", e.hash, s.PublicKey, err)
		}
	}
	return nil
}

// Less orders entries by clock time, then clock id, then hash.
func Less(a, b *Entry) bool { return Compare(a, b) < 0 }

// Compare is the three-way form of Less.
func Compare(a, b *Entry) int {
	switch {
	case a.Meta.Clock.Time < b.Meta.Clock.Time:
		return -1
	case a.Meta.Clock.Time > b.Meta.Clock.Time:
		return 1
	}
	if c := bytes.Compare(a.Meta.Clock.ID, b.Meta.Clock.ID); c != 0 {
		return c
	}
	return cidutil.Compare(a.hash, b.hash)
}

// Sort orders entries ascending by Less.
func Sort(es []*Entry) {
	sort.Slice(es, func(i, j int) bool { return Less(es[i], es[j]) })
}

func sortCIDs(ids []cid.Cid) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i].Bytes(), ids[j].Bytes()) < 0 })
}
