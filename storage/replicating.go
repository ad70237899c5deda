package storage

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"

	"xdao.co/peerlog/cidutil"
)

// NamedCAS associates a CAS with a stable backend name.
//
// This is used for multi-backend orchestration where callers need to retain
// per-backend metadata (e.g., for reporting or auditing).
type NamedCAS struct {
	Name string
	CAS  CAS
}

// ReplicatingCAS writes to all configured backends.
//
// Reads fall back in order. Writes go to all backends and require all returned
// CIDs to match (otherwise ErrCIDMismatch is returned).
//
// Use PutAll when you need the per-backend CID mapping.
type ReplicatingCAS struct {
	Backends []NamedCAS
}

var _ CAS = (*ReplicatingCAS)(nil)

// PutAll writes the same bytes to all backends.
//
// It returns:
// - the canonical CID (computed from bytes)
// - a map of backend name -> returned CID
//
// If any backend returns a different CID, ErrCIDMismatch is returned.
func (r ReplicatingCAS) PutAll(ctx context.Context, bytes []byte) (cid.Cid, map[string]cid.Cid, error) {
	want, err := cidutil.CIDv1RawSHA256CID(bytes)
	if err != nil {
		return cid.Undef, nil, err
	}
	if !want.Defined() {
		return cid.Undef, nil, ErrInvalidCID
	}
	if len(r.Backends) == 0 {
		return cid.Undef, nil, ErrNoBackends
	}

	out := make(map[string]cid.Cid, len(r.Backends))
	for _, b := range r.Backends {
		if b.CAS == nil {
			return cid.Undef, nil, fmt.Errorf("storage: nil CAS for backend %q", b.Name)
		}
		got, err := b.CAS.Put(ctx, bytes)
		if err != nil {
			return cid.Undef, nil, fmt.Errorf("storage: put to %q: %w", b.Name, err)
		}
		out[b.Name] = got
		if got != want {
			return cid.Undef, out, ErrCIDMismatch
		}
	}
	return want, out, nil
}

func (r ReplicatingCAS) Put(ctx context.Context, bytes []byte) (cid.Cid, error) {
	id, _, err := r.PutAll(ctx, bytes)
	return id, err
}

func (r ReplicatingCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	for _, b := range r.Backends {
		if b.CAS == nil {
			continue
		}
		out, err := b.CAS.Get(ctx, id)
		if err == nil {
			return out, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrNotFound
}

func (r ReplicatingCAS) Has(ctx context.Context, id cid.Cid) bool {
	for _, b := range r.Backends {
		if b.CAS != nil && b.CAS.Has(ctx, id) {
			return true
		}
	}
	return false
}

func (r ReplicatingCAS) Rm(ctx context.Context, id cid.Cid) error {
	var err error
	for _, b := range r.Backends {
		if b.CAS == nil {
			continue
		}
		if rerr := b.CAS.Rm(ctx, id); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("storage: rm from %q: %w", b.Name, rerr))
		}
	}
	return err
}
