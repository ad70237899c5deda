package storage

import (
	"context"

	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"
)

// MultiCAS provides deterministic, ordered fallback across multiple CAS adapters.
//
// Hydration order is the slice order in Adapters; callers MUST supply a fixed order.
// This avoids map-iteration nondeterminism and makes the retrieval strategy explicit.
//
// Put is defined to write only to the first adapter. Rm removes from all adapters.
type MultiCAS struct {
	Adapters []CAS
}

var _ CAS = MultiCAS{}

func (m MultiCAS) Put(ctx context.Context, bytes []byte) (cid.Cid, error) {
	if len(m.Adapters) == 0 {
		return cid.Undef, ErrNoBackends
	}
	return m.Adapters[0].Put(ctx, bytes)
}

func (m MultiCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	for _, cas := range m.Adapters {
		b, err := cas.Get(ctx, id)
		if err == nil {
			return b, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrNotFound
}

func (m MultiCAS) Has(ctx context.Context, id cid.Cid) bool {
	for _, cas := range m.Adapters {
		if cas.Has(ctx, id) {
			return true
		}
	}
	return false
}

func (m MultiCAS) Rm(ctx context.Context, id cid.Cid) error {
	var err error
	for _, cas := range m.Adapters {
		err = multierr.Append(err, cas.Rm(ctx, id))
	}
	return err
}
