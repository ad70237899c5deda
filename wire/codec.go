package wire

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/internal/pb"
	"xdao.co/peerlog/rangeindex"
	"xdao.co/peerlog/riblt"
)

var (
	// ErrUnknownMessage is returned for a kind this version does not know.
	ErrUnknownMessage = errors.New("wire: unknown message kind")
	// ErrMalformed is returned for bytes that do not decode.
	ErrMalformed = errors.New("wire: malformed message")
)

const (
	envCompat = 1
	envLogID  = 2
	envKind   = 3
	envBody   = 4
)

// Marshal encodes env.
func Marshal(env Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, fmt.Errorf("wire: envelope without message")
	}
	b := pb.AppendVarint(nil, envCompat, uint64(env.Compatibility))
	b = pb.AppendString(b, envLogID, env.LogID)
	b = pb.AppendVarint(b, envKind, uint64(env.Message.Kind()))
	return pb.AppendBytes(b, envBody, env.Message.appendBody(nil)), nil
}

// Unmarshal decodes an envelope written by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	var (
		env  Envelope
		kind Kind
		body []byte
	)
	err := pb.Walk(b, func(f pb.Field) error {
		switch f.Num {
		case envCompat:
			if err := pb.WantVarint(f); err != nil {
				return err
			}
			if f.Varint > math.MaxUint32 {
				return fmt.Errorf("compatibility %d out of range", f.Varint)
			}
			env.Compatibility = uint32(f.Varint)
		case envLogID:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			env.LogID = string(f.Bytes)
		case envKind:
			if err := pb.WantVarint(f); err != nil {
				return err
			}
			if f.Varint > math.MaxUint8 {
				return fmt.Errorf("%w: %d", ErrUnknownMessage, f.Varint)
			}
			kind = Kind(f.Varint)
		case envBody:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			body = f.Bytes
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownMessage) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := newMessage(kind)
	if msg == nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownMessage, kind)
	}
	if err := msg.decodeBody(body); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	env.Message = msg
	return env, nil
}

func newMessage(k Kind) Message {
	switch k {
	case KindAck:
		return &Ack{}
	case KindAddedReplicationSegment:
		return &AddedReplicationSegment{}
	case KindAllReplicatingSegments:
		return &AllReplicatingSegments{}
	case KindStoppedReplicating:
		return &StoppedReplicating{}
	case KindRequestReplicationInfo:
		return &RequestReplicationInfo{}
	case KindResponseRole:
		return &ResponseRole{}
	case KindExchangeHeads:
		return &ExchangeHeads{}
	case KindEntryRequest:
		return &EntryRequest{}
	case KindEntryResponse:
		return &EntryResponse{}
	case KindSimpleSyncRequest:
		return &SimpleSyncRequest{}
	case KindSimpleSyncResponse:
		return &SimpleSyncResponse{}
	case KindIBLTStart:
		return &IBLTStart{}
	case KindIBLTMore:
		return &IBLTMore{}
	case KindIBLTResult:
		return &IBLTResult{}
	default:
		return nil
	}
}

// field helpers

func appendCIDs(b []byte, num protowire.Number, ids []cid.Cid) []byte {
	for _, id := range ids {
		b = pb.AppendBytes(b, num, id.Bytes())
	}
	return b
}

func appendCID(dst []cid.Cid, f pb.Field) ([]cid.Cid, error) {
	if err := pb.WantBytes(f); err != nil {
		return nil, err
	}
	id, err := cid.Cast(f.Bytes)
	if err != nil {
		return nil, err
	}
	return append(dst, id), nil
}

func appendRaw(dst [][]byte, f pb.Field) ([][]byte, error) {
	if err := pb.WantBytes(f); err != nil {
		return nil, err
	}
	return append(dst, append([]byte(nil), f.Bytes...)), nil
}

func appendSegments(b []byte, num protowire.Number, segs []rangeindex.Segment) []byte {
	for _, s := range segs {
		v, _ := s.MarshalBinary()
		b = pb.AppendBytes(b, num, v)
	}
	return b
}

func appendSegment(dst []rangeindex.Segment, f pb.Field) ([]rangeindex.Segment, error) {
	if err := pb.WantBytes(f); err != nil {
		return nil, err
	}
	var s rangeindex.Segment
	if err := s.UnmarshalBinary(f.Bytes); err != nil {
		return nil, err
	}
	return append(dst, s), nil
}

const (
	spanStart = 1
	spanWidth = 2
)

func appendSpans(b []byte, num protowire.Number, spans []domain.Span) []byte {
	for _, s := range spans {
		v := pb.AppendVarint(nil, spanStart, s.Start)
		v = pb.AppendVarint(v, spanWidth, s.Width)
		b = pb.AppendBytes(b, num, v)
	}
	return b
}

func appendSpan(dst []domain.Span, f pb.Field) ([]domain.Span, error) {
	if err := pb.WantBytes(f); err != nil {
		return nil, err
	}
	var s domain.Span
	err := pb.Walk(f.Bytes, func(f pb.Field) error {
		if err := pb.WantVarint(f); err != nil {
			return err
		}
		switch f.Num {
		case spanStart:
			s.Start = f.Varint
		case spanWidth:
			s.Width = f.Varint
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append(dst, s), nil
}

const (
	symSum      = 1
	symChecksum = 2
	symCount    = 3
)

func appendSymbols(b []byte, num protowire.Number, syms []riblt.Symbol) []byte {
	for _, s := range syms {
		v := pb.AppendVarint(nil, symSum, s.Sum)
		v = pb.AppendVarint(v, symChecksum, s.Checksum)
		v = pb.AppendVarint(v, symCount, protowire.EncodeZigZag(s.Count))
		b = pb.AppendBytes(b, num, v)
	}
	return b
}

func appendSymbol(dst []riblt.Symbol, f pb.Field) ([]riblt.Symbol, error) {
	if err := pb.WantBytes(f); err != nil {
		return nil, err
	}
	var s riblt.Symbol
	err := pb.Walk(f.Bytes, func(f pb.Field) error {
		if err := pb.WantVarint(f); err != nil {
			return err
		}
		switch f.Num {
		case symSum:
			s.Sum = f.Varint
		case symChecksum:
			s.Checksum = f.Varint
		case symCount:
			s.Count = protowire.DecodeZigZag(f.Varint)
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append(dst, s), nil
}

func decodeUUID(f pb.Field) (uuid.UUID, error) {
	if err := pb.WantBytes(f); err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(f.Bytes)
}

func varint(f pb.Field, set func(uint64)) error {
	if err := pb.WantVarint(f); err != nil {
		return err
	}
	set(f.Varint)
	return nil
}
