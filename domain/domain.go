// Package domain maps entries onto a circular keyspace and provides the ring
// arithmetic used to reason about replication ranges.
//
// Coordinates are carried as uint64 in both resolutions. At U32 only the low
// 32 bits are used. At U64 the full width of the ring cannot be represented,
// so FullWidth(U64) is math.MaxUint64 and any width at least that large
// covers every point.
package domain

import (
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"

	"xdao.co/peerlog/entry"
)

// Resolution is the bit width of the keyspace.
type Resolution uint8

const (
	U32 Resolution = 32
	U64 Resolution = 64
)

func (r Resolution) String() string {
	switch r {
	case U32:
		return "u32"
	case U64:
		return "u64"
	default:
		return fmt.Sprintf("Resolution(%d)", uint8(r))
	}
}

// Valid reports whether r is a supported resolution.
func (r Resolution) Valid() bool { return r == U32 || r == U64 }

// Max is the largest coordinate at r.
func (r Resolution) Max() uint64 {
	if r == U32 {
		return math.MaxUint32
	}
	return math.MaxUint64
}

// FullWidth is the width of a segment covering the whole ring.
func FullWidth(r Resolution) uint64 {
	if r == U32 {
		return 1 << 32
	}
	return math.MaxUint64
}

// IsFull reports whether width covers the whole ring at r.
func IsFull(width uint64, r Resolution) bool { return width >= FullWidth(r) }

// Coordinate places e on the ring by its thread id, so every entry of one
// thread shares a coordinate.
func Coordinate(e *entry.Entry, r Resolution) uint64 {
	return CoordinateOfGID(e.Meta.GID, r)
}

// CoordinateOfGID is the coordinate of every entry whose thread id is gid.
func CoordinateOfGID(gid string, r Resolution) uint64 {
	h, _ := murmur3.Sum128([]byte(gid))
	return scale(h, r)
}

// ByHash places e on the ring by its content hash.
func ByHash(e *entry.Entry, r Resolution) uint64 {
	h, _ := murmur3.Sum128(e.Hash().Bytes())
	return scale(h, r)
}

func scale(v uint64, r Resolution) uint64 {
	if r == U32 {
		return v >> 32
	}
	return v
}

// Convert maps a coordinate from one resolution to another.
func Convert(v uint64, from, to Resolution) uint64 {
	switch {
	case from == to:
		return v
	case from == U32 && to == U64:
		return v << 32
	default:
		return v >> 32
	}
}

// ConvertWidth maps a width from one resolution to another. Full widths stay full.
func ConvertWidth(w uint64, from, to Resolution) uint64 {
	if IsFull(w, from) {
		return FullWidth(to)
	}
	return Convert(w, from, to)
}

// FactorToWidth converts a fraction of the ring to a width at r.
func FactorToWidth(f float64, r Resolution) uint64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= 1:
		return FullWidth(r)
	}
	return uint64(math.Ldexp(f, int(r)))
}

// WidthToFactor converts a width at r to a fraction of the ring.
func WidthToFactor(w uint64, r Resolution) float64 {
	if IsFull(w, r) {
		return 1
	}
	return float64(w) / math.Ldexp(1, int(r))
}
