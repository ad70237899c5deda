// Package badgercas is an embedded content-addressable store backed by
// BadgerDB. Blocks are stored under their CID bytes.
package badgercas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/storage"
)

// Config holds configuration for a badger-backed CAS.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *zap.Logger
}

// DefaultConfig returns production defaults for a database at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration suited to tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// CAS stores blocks in a BadgerDB instance.
type CAS struct {
	db *badger.DB
}

var _ storage.CAS = (*CAS)(nil)

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Infof(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

// Open opens (or creates) a badger database according to cfg.
func Open(cfg Config) (*CAS, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgercas: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badgercas: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgercas: open: %w", err)
	}
	return &CAS{db: db}, nil
}

func (c *CAS) Close() error { return c.db.Close() }

func (c *CAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, err
	}
	key := id.Bytes()
	err = c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == nil:
			return item.Value(func(existing []byte) error {
				if !bytes.Equal(existing, data) {
					return storage.ErrImmutable
				}
				return nil
			})
		case errors.Is(err, badger.ErrKeyNotFound):
			return txn.Set(key, data)
		default:
			return err
		}
	})
	if err != nil {
		return cid.Undef, err
	}
	return id, nil
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(id.Bytes())
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	got, err := cidutil.CIDv1RawSHA256CID(out)
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, storage.ErrCIDMismatch
	}
	return out, nil
}

func (c *CAS) Has(ctx context.Context, id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(id.Bytes())
		return err
	})
	return err == nil
}

func (c *CAS) Rm(ctx context.Context, id cid.Cid) error {
	if !id.Defined() {
		return storage.ErrInvalidCID
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(id.Bytes())
	})
}
