package storage

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/cidutil"
)

// Fetcher retrieves block bytes from somewhere other than local storage,
// typically from peers over the network.
type Fetcher interface {
	Fetch(ctx context.Context, id cid.Cid) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id cid.Cid) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, id cid.Cid) ([]byte, error) { return f(ctx, id) }

// FallbackCAS serves reads from Local and falls back to Remote on a miss.
//
// Remote bytes are verified against the requested CID and cached in Local.
// Timeout, when non-zero, bounds each remote fetch independently of ctx.
// Writes and removals only touch Local.
type FallbackCAS struct {
	Local   CAS
	Remote  Fetcher
	Timeout time.Duration
}

var _ CAS = (*FallbackCAS)(nil)

func (f *FallbackCAS) Put(ctx context.Context, bytes []byte) (cid.Cid, error) {
	return f.Local.Put(ctx, bytes)
}

func (f *FallbackCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	b, err := f.Local.Get(ctx, id)
	if err == nil || !IsNotFound(err) || f.Remote == nil {
		return b, err
	}

	fetchCtx := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	b, err = f.Remote.Fetch(fetchCtx, id)
	if err != nil {
		return nil, err
	}
	got, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, ErrCIDMismatch
	}
	if _, err := f.Local.Put(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *FallbackCAS) Has(ctx context.Context, id cid.Cid) bool {
	return f.Local.Has(ctx, id)
}

func (f *FallbackCAS) Rm(ctx context.Context, id cid.Cid) error {
	return f.Local.Rm(ctx, id)
}
