package storage

import (
	"context"

	"github.com/ipfs/go-cid"
)

// CAS is a minimal content-addressable block store.
//
// Contract:
// - Put MUST be idempotent.
// - Stored objects MUST be immutable.
// - CIDs MUST be derived from the bytes written (callers are responsible for supplying canonical bytes).
// - Get MUST return ErrNotFound when the CID is absent.
// - Rm of an absent CID is a no-op.
//
// Serialized log entries and announced segments are persisted and fetched
// through this interface. Implementations may be remote; ctx bounds every call.
type CAS interface {
	Put(ctx context.Context, bytes []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) bool
	Rm(ctx context.Context, id cid.Cid) error
}
