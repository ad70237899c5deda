package entry

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/internal/pb"
)

// Field numbers of the canonical encoding.
const (
	entryMeta       = 1
	entryPayload    = 2
	entrySignatures = 3

	metaLogID = 1
	metaClock = 2
	metaGID   = 3
	metaNext  = 4
	metaType  = 5
	metaData  = 6

	clockID   = 1
	clockTime = 2

	fieldPlain    = 1
	fieldEnvelope = 2

	envNonce      = 1
	envCiphertext = 2
	envKey        = 3

	keyReceiver = 1
	keyBox      = 2

	sigAlg       = 1
	sigPublicKey = 2
	sigBytes     = 3
)

func (e *Entry) encode(withSignatures bool) []byte {
	b := pb.AppendBytes(nil, entryMeta, encodeMeta(e.Meta))
	b = pb.AppendBytes(b, entryPayload, appendField(nil, e.Payload))
	if withSignatures {
		for _, s := range e.Signatures {
			b = pb.AppendBytes(b, entrySignatures, appendField(nil, s))
		}
	}
	return b
}

func encodeMeta(m Meta) []byte {
	var b []byte
	if m.LogID != "" {
		b = pb.AppendString(b, metaLogID, m.LogID)
	}
	var clock []byte
	if len(m.Clock.ID) > 0 {
		clock = pb.AppendBytes(clock, clockID, m.Clock.ID)
	}
	if m.Clock.Time > 0 {
		clock = pb.AppendVarint(clock, clockTime, m.Clock.Time)
	}
	b = pb.AppendBytes(b, metaClock, clock)
	if m.GID != "" {
		b = pb.AppendString(b, metaGID, m.GID)
	}
	for _, n := range m.Next {
		b = pb.AppendBytes(b, metaNext, n.Bytes())
	}
	if m.Type != TypeNormal {
		b = pb.AppendVarint(b, metaType, uint64(m.Type))
	}
	if !m.Data.IsZero() {
		b = pb.AppendBytes(b, metaData, appendField(nil, m.Data))
	}
	return b
}

func appendField(b []byte, f Field) []byte {
	if f.sealed != nil {
		return pb.AppendBytes(b, fieldEnvelope, encodeEnvelope(f.sealed))
	}
	if len(f.plain) > 0 {
		return pb.AppendBytes(b, fieldPlain, f.plain)
	}
	return b
}

func encodeEnvelope(e *Envelope) []byte {
	b := pb.AppendBytes(nil, envNonce, e.Nonce[:])
	b = pb.AppendBytes(b, envCiphertext, e.Ciphertext)
	for _, k := range e.Keys {
		kb := pb.AppendBytes(nil, keyReceiver, k.Receiver[:])
		kb = pb.AppendBytes(kb, keyBox, k.Box)
		b = pb.AppendBytes(b, envKey, kb)
	}
	return b
}

func encodeSignature(s Signature) []byte {
	b := pb.AppendString(nil, sigAlg, s.PublicKey.Alg)
	b = pb.AppendBytes(b, sigPublicKey, s.PublicKey.Bytes)
	return pb.AppendBytes(b, sigBytes, s.Bytes)
}

func encErr(err error) error {
	return fmt.Errorf("%w: %v", ErrEncoding, err)
}

// Decode parses canonical entry bytes. Non-canonical or structurally invalid
// input returns an error wrapping ErrEncoding.
func Decode(raw []byte) (*Entry, error) {
	e := &Entry{}
	var haveMeta, havePayload bool
	err := pb.Walk(raw, func(f pb.Field) error {
		if err := pb.WantBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case entryMeta:
			m, err := decodeMeta(f.Bytes)
			if err != nil {
				return err
			}
			e.Meta, haveMeta = m, true
		case entryPayload:
			p, err := decodeField(f.Bytes)
			if err != nil {
				return err
			}
			e.Payload, havePayload = p, true
		case entrySignatures:
			s, err := decodeField(f.Bytes)
			if err != nil {
				return err
			}
			if !s.IsSealed() {
				plain, _ := s.Bytes()
				if _, err := decodeSignature(plain); err != nil {
					return err
				}
			}
			e.Signatures = append(e.Signatures, s)
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err != nil {
		return nil, encErr(err)
	}
	if !haveMeta || !havePayload {
		return nil, fmt.Errorf("%w: missing meta or payload", ErrEncoding)
	}
	if err := e.Meta.validate(); err != nil {
		return nil, err
	}
	e.raw = append([]byte(nil), raw...)
	if !bytes.Equal(e.encode(true), e.raw) {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrEncoding)
	}
	h, err := cidutil.CIDv1RawSHA256CID(e.raw)
	if err != nil {
		return nil, err
	}
	e.hash = h
	return e, nil
}

func (m Meta) validate() error {
	if m.Clock.Time == 0 && len(m.Next) > 0 {
		return fmt.Errorf("%w: root clock with predecessors", ErrEncoding)
	}
	if m.Clock.Time > 0 && len(m.Next) == 0 {
		return fmt.Errorf("%w: non-root clock without predecessors", ErrEncoding)
	}
	for i := 1; i < len(m.Next); i++ {
		if bytes.Compare(m.Next[i-1].Bytes(), m.Next[i].Bytes()) >= 0 {
			return fmt.Errorf("%w: next not strictly ascending", ErrEncoding)
		}
	}
	if m.Type > TypeCut {
		return fmt.Errorf("%w: unknown entry type %d", ErrEncoding, m.Type)
	}
	return nil
}

func decodeMeta(b []byte) (Meta, error) {
	var m Meta
	haveClock := false
	err := pb.Walk(b, func(f pb.Field) error {
		switch f.Num {
		case metaLogID:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			m.LogID = string(f.Bytes)
		case metaClock:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			c, err := decodeClock(f.Bytes)
			if err != nil {
				return err
			}
			m.Clock, haveClock = c, true
		case metaGID:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			m.GID = string(f.Bytes)
		case metaNext:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			id, err := cid.Cast(f.Bytes)
			if err != nil {
				return err
			}
			m.Next = append(m.Next, id)
		case metaType:
			if err := pb.WantVarint(f); err != nil {
				return err
			}
			if f.Varint > 255 {
				return fmt.Errorf("entry type out of range: %d", f.Varint)
			}
			m.Type = Type(f.Varint)
		case metaData:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			d, err := decodeField(f.Bytes)
			if err != nil {
				return err
			}
			m.Data = d
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err == nil && !haveClock {
		err = fmt.Errorf("missing clock")
	}
	return m, err
}

func decodeClock(b []byte) (Clock, error) {
	var c Clock
	err := pb.Walk(b, func(f pb.Field) error {
		switch f.Num {
		case clockID:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			c.ID = append([]byte(nil), f.Bytes...)
		case clockTime:
			if err := pb.WantVarint(f); err != nil {
				return err
			}
			c.Time = f.Varint
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	return c, err
}

func decodeField(b []byte) (Field, error) {
	var out Field
	err := pb.Walk(b, func(f pb.Field) error {
		if err := pb.WantBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case fieldPlain:
			out.plain = append([]byte(nil), f.Bytes...)
		case fieldEnvelope:
			env, err := decodeEnvelope(f.Bytes)
			if err != nil {
				return err
			}
			out.sealed, out.opened = env, &openedCache{}
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err == nil && out.sealed != nil && out.plain != nil {
		err = fmt.Errorf("field is both plain and sealed")
	}
	return out, err
}

func decodeEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	haveNonce := false
	err := pb.Walk(b, func(f pb.Field) error {
		if err := pb.WantBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case envNonce:
			if len(f.Bytes) != len(env.Nonce) {
				return fmt.Errorf("nonce must be %d bytes", len(env.Nonce))
			}
			copy(env.Nonce[:], f.Bytes)
			haveNonce = true
		case envCiphertext:
			env.Ciphertext = append([]byte(nil), f.Bytes...)
		case envKey:
			k, err := decodeSealedKey(f.Bytes)
			if err != nil {
				return err
			}
			env.Keys = append(env.Keys, k)
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err == nil && (!haveNonce || len(env.Keys) == 0) {
		err = fmt.Errorf("envelope requires a nonce and at least one key")
	}
	return env, err
}

func decodeSealedKey(b []byte) (SealedKey, error) {
	var k SealedKey
	err := pb.Walk(b, func(f pb.Field) error {
		if err := pb.WantBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case keyReceiver:
			if len(f.Bytes) != len(k.Receiver) {
				return fmt.Errorf("receiver must be %d bytes", len(k.Receiver))
			}
			copy(k.Receiver[:], f.Bytes)
		case keyBox:
			k.Box = append([]byte(nil), f.Bytes...)
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	return k, err
}

func decodeSignature(b []byte) (Signature, error) {
	var s Signature
	err := pb.Walk(b, func(f pb.Field) error {
		if err := pb.WantBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case sigAlg:
			s.PublicKey.Alg = string(f.Bytes)
		case sigPublicKey:
			s.PublicKey.Bytes = append([]byte(nil), f.Bytes...)
		case sigBytes:
			s.Bytes = append([]byte(nil), f.Bytes...)
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err != nil {
		return s, encErr(err)
	}
	if s.PublicKey.Alg == "" || len(s.PublicKey.Bytes) == 0 || len(s.Bytes) == 0 {
		return s, fmt.Errorf("%w: incomplete signature", ErrEncoding)
	}
	return s, nil
}
