package wire

import (
	"errors"
	"fmt"

	"xdao.co/peerlog/domain"
)

// Compatibility levels. Each level understands the messages of the levels
// below it.
const (
	// CompatRole exchanges legacy roles and 32-bit ranges with exact sync.
	CompatRole uint32 = 7
	// CompatBulk announces all segments at once, still 32-bit with exact sync.
	CompatBulk uint32 = 8
	// CompatIncremental announces segment changes, 64-bit with IBLT sync.
	CompatIncremental uint32 = 9

	MinCompatibility     = CompatRole
	CurrentCompatibility = CompatIncremental
)

// ErrIncompatible is returned when two peers share no compatibility level.
var ErrIncompatible = errors.New("wire: incompatible peer")

// Negotiate returns the level two peers use with each other: the lowest
// level either advertises.
func Negotiate(a, b uint32) (uint32, error) {
	c := min(a, b)
	if c < MinCompatibility {
		return 0, fmt.Errorf("%w: level %d is below %d", ErrIncompatible, c, MinCompatibility)
	}
	return min(c, CurrentCompatibility), nil
}

// ResolutionFor is the keyspace resolution used at level c.
func ResolutionFor(c uint32) domain.Resolution {
	if c >= CompatIncremental {
		return domain.U64
	}
	return domain.U32
}

// UsesIBLT reports whether set reconciliation at level c is rateless IBLT.
func UsesIBLT(c uint32) bool { return c >= CompatIncremental }

// Supported reports whether a peer at level c understands messages of kind k.
func Supported(k Kind, c uint32) bool {
	switch k {
	case KindAddedReplicationSegment, KindIBLTStart, KindIBLTMore, KindIBLTResult:
		return c >= CompatIncremental
	case KindAllReplicatingSegments:
		return c >= CompatBulk
	case KindRequestReplicationInfo, KindResponseRole:
		return c >= CompatRole && c < CompatIncremental
	default:
		return c >= MinCompatibility
	}
}
