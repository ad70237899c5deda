// Package pb holds small protowire helpers shared by the hand-written codecs.
package pb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is wrapped by every decoding error returned from Walk.
var ErrMalformed = errors.New("malformed protobuf")

// Field is one decoded field. Bytes is set for length-delimited fields,
// Varint for varint fields.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Bytes  []byte
	Varint uint64
}

// Walk calls fn for each top-level field in b. Only varint and
// length-delimited wire types are accepted.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f.Bytes = v
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f.Varint = v
			b = b[n:]
		default:
			return fmt.Errorf("%w: field %d: unsupported wire type %d", ErrMalformed, num, typ)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Unknown is the error for a field number a decoder does not recognise.
func Unknown(f Field) error {
	return fmt.Errorf("%w: unknown field %d", ErrMalformed, f.Num)
}

// WantBytes reports a wire type mismatch when f is not length-delimited.
func WantBytes(f Field) error {
	if f.Type != protowire.BytesType {
		return fmt.Errorf("%w: field %d: expected bytes", ErrMalformed, f.Num)
	}
	return nil
}

// WantVarint reports a wire type mismatch when f is not a varint.
func WantVarint(f Field) error {
	if f.Type != protowire.VarintType {
		return fmt.Errorf("%w: field %d: expected varint", ErrMalformed, f.Num)
	}
	return nil
}

// AppendBytes appends a length-delimited field.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendString appends a string field.
func AppendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendVarint appends a varint field.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends a bool field only when v is true.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarint(b, num, 1)
}
