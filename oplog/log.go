// Package oplog implements an append-only, multi-head DAG of entries.
//
// Appends, joins, trims and prunes are serialized by a single writer lock.
// Reads take a shared lock and never wait on block store I/O.
package oplog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/btree"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/peerlog/entry"
	"xdao.co/peerlog/keys"
	"xdao.co/peerlog/logger"
	"xdao.co/peerlog/storage"
)

// tombstone records an entry removed from local storage. Its hash still
// satisfies causal references.
type tombstone struct {
	gid  string
	time uint64
	// sticky tombstones come from trimming and are never re-added by a join.
	sticky bool
}

// Tombstone describes a removed entry.
type Tombstone struct {
	Hash   cid.Cid
	GID    string
	Time   uint64
	Sticky bool
}

// Log is a replica of one logical stream.
type Log struct {
	id           string
	cas          storage.CAS
	identity     keys.Signer
	keychain     keys.Keychain
	trim         TrimPolicy
	logger       *zap.Logger
	fetchTimeout time.Duration
	headStore    HeadStore
	onChange     func(Change)

	// writeMu serializes every mutation.
	writeMu sync.Mutex

	mu         sync.RWMutex
	entries    map[cid.Cid]*entry.Entry
	sorted     *btree.BTreeG[*entry.Entry]
	refs       map[cid.Cid]int
	heads      map[cid.Cid]struct{}
	tombstones map[cid.Cid]tombstone
	pending    map[cid.Cid]*entry.Entry
	missing    map[cid.Cid]struct{}
	byteLen    int64
	closed     bool
}

// Open creates a log over cas and restores persisted heads when a HeadStore is set.
func Open(ctx context.Context, cas storage.CAS, opts Options) (*Log, error) {
	if cas == nil {
		return nil, fmt.Errorf("oplog: nil block store")
	}
	if opts.ID == "" {
		return nil, fmt.Errorf("oplog: empty log id")
	}
	l := &Log{
		id:           opts.ID,
		cas:          cas,
		identity:     opts.Identity,
		keychain:     opts.Keychain,
		trim:         opts.Trim,
		logger:       logger.OrNop(opts.Logger).With(zap.String("log_id", opts.ID)),
		fetchTimeout: opts.FetchTimeout,
		headStore:    opts.Heads,
		onChange:     opts.OnChange,
		entries:      make(map[cid.Cid]*entry.Entry),
		sorted:       btree.NewG[*entry.Entry](32, entry.Less),
		refs:         make(map[cid.Cid]int),
		heads:        make(map[cid.Cid]struct{}),
		tombstones:   make(map[cid.Cid]tombstone),
		pending:      make(map[cid.Cid]*entry.Entry),
		missing:      make(map[cid.Cid]struct{}),
	}
	if l.fetchTimeout <= 0 {
		l.fetchTimeout = DefaultFetchTimeout
	}

	if l.headStore != nil {
		heads, err := l.headStore.LoadHeads(ctx, l.id)
		if err != nil {
			return nil, fmt.Errorf("oplog: load heads: %w", err)
		}
		if len(heads) > 0 {
			res, err := l.Join(ctx, FromHashes(heads), JoinOptions{})
			if err != nil {
				return nil, fmt.Errorf("oplog: restore heads: %w", err)
			}
			l.logger.Info("Restored log",
				zap.Int("heads", len(heads)),
				zap.Int("entries", len(res.Added)),
				zap.Int("missing", len(res.Missing)))
		}
	}
	return l, nil
}

func (l *Log) ID() string { return l.id }

func (l *Log) Identity() keys.Signer { return l.identity }

func (l *Log) Keychain() keys.Keychain { return l.keychain }

func (l *Log) BlockStore() storage.CAS { return l.cas }

// Heads returns the current heads in ascending sort order.
func (l *Log) Heads() []*entry.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headsLocked()
}

func (l *Log) headsLocked() []*entry.Entry {
	out := make([]*entry.Entry, 0, len(l.heads))
	for h := range l.heads {
		out = append(out, l.entries[h])
	}
	entry.Sort(out)
	return out
}

// HeadHashes returns the hashes of Heads.
func (l *Log) HeadHashes() []cid.Cid {
	heads := l.Heads()
	out := make([]cid.Cid, len(heads))
	for i, e := range heads {
		out[i] = e.Hash()
	}
	return out
}

// Values returns every entry in ascending sort order.
func (l *Log) Values() []*entry.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry.Entry, 0, l.sorted.Len())
	l.sorted.Ascend(func(e *entry.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (l *Log) Get(h cid.Cid) (*entry.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[h]
	return e, ok
}

func (l *Log) Has(h cid.Cid) bool {
	_, ok := l.Get(h)
	return ok
}

// Known reports whether h is present or was removed by trimming or pruning.
func (l *Log) Known(h cid.Cid) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.knownLocked(h)
}

func (l *Log) knownLocked(h cid.Cid) bool {
	if _, ok := l.entries[h]; ok {
		return true
	}
	_, ok := l.tombstones[h]
	return ok
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ByteLength is the total encoded payload size of present entries.
func (l *Log) ByteLength() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byteLen
}

// Missing returns ancestors that are referenced but could not be resolved.
func (l *Log) Missing() []cid.Cid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]cid.Cid, 0, len(l.missing))
	for h := range l.missing {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyString() < out[j].KeyString() })
	return out
}

// Pending returns the number of entries held back by missing ancestors.
func (l *Log) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// Tombstones lists removed entries.
func (l *Log) Tombstones() []Tombstone {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Tombstone, 0, len(l.tombstones))
	for h, t := range l.tombstones {
		out = append(out, Tombstone{Hash: h, GID: t.gid, Time: t.time, Sticky: t.sticky})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash.KeyString() < out[j].Hash.KeyString() })
	return out
}

// Payload returns the entry payload, opening it with the log keychain if sealed.
func (l *Log) Payload(e *entry.Entry) ([]byte, error) {
	b, err := e.Payload.Open(l.keychain)
	if err != nil {
		return nil, newError(KindAccess, e.Hash(), "payload is sealed", err)
	}
	return b, nil
}

// Traverse walks entries reachable from the given hashes (all heads when from
// is empty) in descending sort order until fn returns false.
func (l *Log) Traverse(from []cid.Cid, fn func(*entry.Entry) bool) {
	l.mu.RLock()
	if len(from) == 0 {
		for h := range l.heads {
			from = append(from, h)
		}
	}
	seen := make(map[cid.Cid]struct{})
	var visit []*entry.Entry
	stack := append([]cid.Cid(nil), from...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		e, ok := l.entries[h]
		if !ok {
			continue
		}
		visit = append(visit, e)
		stack = append(stack, e.Meta.Next...)
	}
	l.mu.RUnlock()

	sort.Slice(visit, func(i, j int) bool { return entry.Less(visit[j], visit[i]) })
	for _, e := range visit {
		if !fn(e) {
			return
		}
	}
}

// Close persists the head set and rejects further operations.
func (l *Log) Close(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.logger.Debug("Closed log", zap.Int("entries", l.Len()), zap.String("size", humanize.Bytes(uint64(l.ByteLength()))))
	return l.saveHeads(ctx)
}

func (l *Log) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// saveHeads must be called with writeMu held.
func (l *Log) saveHeads(ctx context.Context) error {
	if l.headStore == nil {
		return nil
	}
	if err := l.headStore.SaveHeads(ctx, l.id, l.HeadHashes()); err != nil {
		return fmt.Errorf("oplog: save heads: %w", err)
	}
	return nil
}

// insertLocked adds e to the in-memory indexes. mu must be held for writing.
func (l *Log) insertLocked(e *entry.Entry) {
	h := e.Hash()
	l.entries[h] = e
	l.sorted.ReplaceOrInsert(e)
	l.byteLen += int64(e.PayloadSize())
	delete(l.tombstones, h)
	delete(l.pending, h)
	delete(l.missing, h)
	for _, n := range e.Meta.Next {
		l.refs[n]++
		delete(l.heads, n)
	}
	if l.refs[h] == 0 {
		l.heads[h] = struct{}{}
	}
}

// removeLocked drops a non-head entry and leaves a tombstone. mu must be held.
func (l *Log) removeLocked(e *entry.Entry, sticky bool) {
	h := e.Hash()
	delete(l.entries, h)
	l.sorted.Delete(e)
	l.byteLen -= int64(e.PayloadSize())
	l.tombstones[h] = tombstone{gid: e.Meta.GID, time: e.Meta.Clock.Time, sticky: sticky}
}

func (l *Log) notify(c Change) {
	if l.onChange == nil || (len(c.Added) == 0 && len(c.Removed) == 0) {
		return
	}
	l.onChange(c)
}
