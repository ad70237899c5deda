// Package memcas is an in-memory content-addressable store.
package memcas

import (
	"bytes"
	"context"
	"flag"
	"sync"

	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:          "memory",
		Description:   "In-memory CAS (lost on exit)",
		Usage:         casregistry.UsageCLI | casregistry.UsageDaemon | casregistry.UsageNode,
		RegisterFlags: func(fs *flag.FlagSet) {},
		Open: func() (storage.CAS, func() error, error) {
			return New(), nil, nil
		},
		OpenConfig: func(map[string]string) (storage.CAS, func() error, error) {
			return New(), nil, nil
		},
	})
}

// CAS keeps blocks in a map. It is safe for concurrent use.
type CAS struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

var _ storage.CAS = (*CAS)(nil)

func New() *CAS {
	return &CAS{blocks: make(map[cid.Cid][]byte)}
}

func (c *CAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.blocks[id]; ok {
		if !bytes.Equal(existing, data) {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	}
	c.blocks[id] = append([]byte(nil), data...)
	return id, nil
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	b, ok := c.blocks[id]
	c.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (c *CAS) Has(ctx context.Context, id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blocks[id]
	return ok
}

func (c *CAS) Rm(ctx context.Context, id cid.Cid) error {
	c.mu.Lock()
	delete(c.blocks, id)
	c.mu.Unlock()
	return nil
}

// Len reports the number of stored blocks.
func (c *CAS) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}
