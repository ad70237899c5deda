package rangeindex

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/internal/pb"
	"xdao.co/peerlog/keys"
)

// Mode says whether a segment claims responsibility for its range.
type Mode uint8

const (
	ModeReplicate Mode = iota
	// ModeNoReplicate announces a range the owner will not replicate.
	ModeNoReplicate
)

func (m Mode) String() string {
	switch m {
	case ModeReplicate:
		return "replicate"
	case ModeNoReplicate:
		return "no-replicate"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Segment is a range of the keyspace announced by one owner, in U64 units.
type Segment struct {
	ID        uuid.UUID
	Owner     keys.PublicKey
	Offset    uint64
	Width     uint64
	Mode      Mode
	Timestamp int64
}

// NewSegment returns a replicating segment covering factor of the ring
// starting at offset.
func NewSegment(owner keys.PublicKey, offset uint64, factor float64, now time.Time) Segment {
	return Segment{
		ID:        uuid.New(),
		Owner:     owner,
		Offset:    offset,
		Width:     domain.FactorToWidth(factor, domain.U64),
		Mode:      ModeReplicate,
		Timestamp: now.UnixNano(),
	}
}

func (s Segment) Span() domain.Span { return domain.Span{Start: s.Offset, Width: s.Width} }

// Factor is the fraction of the ring covered by s.
func (s Segment) Factor() float64 { return domain.WidthToFactor(s.Width, domain.U64) }

// Contains reports whether p, a U64 coordinate, lies in s.
func (s Segment) Contains(p uint64) bool { return domain.Contains(s.Span(), p, domain.U64) }

func (s Segment) String() string {
	return fmt.Sprintf("%s[%s %d+%.4f %s]", s.ID, s.Owner, s.Offset, s.Factor(), s.Mode)
}

// ErrMalformed is returned when a segment encoding cannot be decoded.
var ErrMalformed = errors.New("rangeindex: malformed segment")

const (
	segID        = 1
	segOwnerAlg  = 2
	segOwnerKey  = 3
	segOffset    = 4
	segWidth     = 5
	segMode      = 6
	segTimestamp = 7
)

// MarshalBinary encodes s as protobuf wire bytes.
func (s Segment) MarshalBinary() ([]byte, error) {
	b := pb.AppendBytes(nil, segID, s.ID[:])
	b = pb.AppendString(b, segOwnerAlg, s.Owner.Alg)
	b = pb.AppendBytes(b, segOwnerKey, s.Owner.Bytes)
	b = pb.AppendVarint(b, segOffset, s.Offset)
	b = pb.AppendVarint(b, segWidth, s.Width)
	b = pb.AppendVarint(b, segMode, uint64(s.Mode))
	b = pb.AppendVarint(b, segTimestamp, uint64(s.Timestamp))
	return b, nil
}

// UnmarshalBinary decodes bytes written by MarshalBinary.
func (s *Segment) UnmarshalBinary(b []byte) error {
	var out Segment
	var haveID bool
	err := pb.Walk(b, func(f pb.Field) error {
		switch f.Num {
		case segID:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			id, err := uuid.FromBytes(f.Bytes)
			if err != nil {
				return err
			}
			out.ID, haveID = id, true
		case segOwnerAlg:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			out.Owner.Alg = string(f.Bytes)
		case segOwnerKey:
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			out.Owner.Bytes = append([]byte(nil), f.Bytes...)
		case segOffset:
			if err := pb.WantVarint(f); err != nil {
				return err
			}
			out.Offset = f.Varint
		case segWidth:
			if err := pb.WantVarint(f); err != nil {
				return err
			}
			out.Width = f.Varint
		case segMode:
			if err := pb.WantVarint(f); err != nil {
				return err
			}
			if f.Varint > uint64(ModeNoReplicate) {
				return fmt.Errorf("unknown mode %d", f.Varint)
			}
			out.Mode = Mode(f.Varint)
		case segTimestamp:
			if err := pb.WantVarint(f); err != nil {
				return err
			}
			out.Timestamp = int64(f.Varint)
		default:
			return pb.Unknown(f)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !haveID || out.Owner.IsZero() {
		return fmt.Errorf("%w: missing id or owner", ErrMalformed)
	}
	*s = out
	return nil
}
