package oplog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/peerlog/compliance"
	"xdao.co/peerlog/entry"
)

// Join merges entries from src into the log.
//
// Ancestors that are neither local nor supplied are fetched from the block
// store. Entries whose ancestry cannot be resolved are held back and the
// unresolved hashes are reported in JoinResult.Missing; a later join retries
// them. Malformed entries and entries of other logs are logged and dropped.
// Signature failures are fatal only when verification was requested.
func (l *Log) Join(ctx context.Context, src JoinSource, opts JoinOptions) (*JoinResult, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	candidates := make(map[cid.Cid]*entry.Entry)
	missing := make(map[cid.Cid]struct{})
	add := func(e *entry.Entry) {
		if e == nil {
			return
		}
		h := e.Hash()
		if l.Has(h) || l.stickyTombstone(h) {
			return
		}
		candidates[h] = e
	}

	switch s := src.(type) {
	case FromLog:
		if s.Log == nil {
			return nil, fmt.Errorf("oplog: join from nil log")
		}
		for _, e := range s.Log.Values() {
			add(e)
		}
	case FromEntries:
		for _, e := range s {
			add(e)
		}
	case FromHashes:
		for _, h := range s {
			if l.Has(h) || l.stickyTombstone(h) {
				continue
			}
			e, err := l.fetch(ctx, h)
			if err != nil {
				l.logger.Debug("Unresolved join hash", zap.Stringer("hash", h), zap.Error(err))
				missing[h] = struct{}{}
				continue
			}
			add(e)
		}
	default:
		return nil, fmt.Errorf("oplog: unsupported join source %T", src)
	}

	l.mu.RLock()
	for h, e := range l.pending {
		if _, ok := candidates[h]; !ok {
			candidates[h] = e
		}
	}
	l.mu.RUnlock()

	l.resolveAncestors(ctx, candidates, missing)

	invalid := make(map[cid.Cid]struct{})
	for h, e := range candidates {
		if e.Meta.LogID != l.id {
			l.logger.Warn("Dropping entry of another log", zap.Stringer("hash", h), zap.String("entry_log_id", e.Meta.LogID))
			invalid[h] = struct{}{}
			continue
		}
		if err := l.verify(e, opts); err != nil {
			return nil, err
		}
	}

	return l.apply(ctx, candidates, missing, invalid)
}

// resolveAncestors fetches every unknown predecessor reachable from candidates.
func (l *Log) resolveAncestors(ctx context.Context, candidates map[cid.Cid]*entry.Entry, missing map[cid.Cid]struct{}) {
	queue := make([]*entry.Entry, 0, len(candidates))
	for _, e := range candidates {
		queue = append(queue, e)
	}
	for len(queue) > 0 {
		e := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if e.Meta.Type == entry.TypeCut {
			continue
		}
		for _, n := range e.Meta.Next {
			if _, ok := candidates[n]; ok {
				continue
			}
			if _, ok := missing[n]; ok {
				continue
			}
			if l.Known(n) {
				continue
			}
			a, err := l.fetch(ctx, n)
			if err != nil {
				l.logger.Debug("Missing ancestor", zap.Stringer("hash", n), zap.Stringer("child", e.Hash()), zap.Error(err))
				missing[n] = struct{}{}
				continue
			}
			candidates[n] = a
			queue = append(queue, a)
		}
	}
}

func (l *Log) verify(e *entry.Entry, opts JoinOptions) error {
	if opts.Mode == compliance.Strict {
		if err := e.VerifySignatures(l.keychain); err != nil {
			if errors.Is(err, entry.ErrAccess) {
				return newError(KindAccess, e.Hash(), "signatures are sealed", err)
			}
			return newError(KindInvalidSignature, e.Hash(), "signature verification failed", err)
		}
	}
	if opts.Verify != nil {
		if err := opts.Verify(e); err != nil {
			return newError(KindInvalidSignature, e.Hash(), "entry rejected", err)
		}
	}
	return nil
}

func (l *Log) apply(ctx context.Context, candidates map[cid.Cid]*entry.Entry, missing, invalid map[cid.Cid]struct{}) (*JoinResult, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return nil, ErrClosed
	}

	order := make([]*entry.Entry, 0, len(candidates))
	for _, e := range candidates {
		order = append(order, e)
	}
	entry.Sort(order)

	res := &JoinResult{}
	merged := make(map[cid.Cid]*entry.Entry)
	held := make(map[cid.Cid]*entry.Entry)
	var cuts []*entry.Entry

	timeOf := func(h cid.Cid) (uint64, bool) {
		if p, ok := l.entries[h]; ok {
			return p.Meta.Clock.Time, true
		}
		if t, ok := l.tombstones[h]; ok {
			return t.time, true
		}
		if p, ok := merged[h]; ok {
			return p.Meta.Clock.Time, true
		}
		return 0, false
	}

	for _, e := range order {
		h := e.Hash()
		if _, ok := l.entries[h]; ok {
			continue
		}
		if _, bad := invalid[h]; bad || l.stickyTombstone(h) {
			continue
		}

		var maxTime uint64
		resolved := true
		for _, n := range e.Meta.Next {
			t, ok := timeOf(n)
			if !ok {
				resolved = false
				continue
			}
			if t > maxTime {
				maxTime = t
			}
		}
		if !resolved && e.Meta.Type != entry.TypeCut {
			held[h] = e
			continue
		}
		if resolved && len(e.Meta.Next) > 0 && e.Meta.Clock.Time != maxTime+1 {
			l.logger.Warn("Dropping entry with inconsistent clock",
				zap.Stringer("hash", h),
				zap.Uint64("clock", e.Meta.Clock.Time),
				zap.Uint64("expected", maxTime+1))
			invalid[h] = struct{}{}
			continue
		}

		if _, err := l.cas.Put(ctx, e.Bytes()); err != nil {
			return res, fmt.Errorf("oplog: store entry %s: %w", h, err)
		}
		l.mu.Lock()
		l.insertLocked(e)
		l.mu.Unlock()
		merged[h] = e
		res.Added = append(res.Added, e)
		if e.Meta.Type == entry.TypeCut {
			cuts = append(cuts, e)
		}
	}

	l.mu.Lock()
	for h, e := range held {
		l.pending[h] = e
	}
	for h := range invalid {
		delete(l.pending, h)
	}
	for h := range missing {
		if !l.knownLocked(h) {
			l.missing[h] = struct{}{}
			res.Missing = append(res.Missing, h)
		}
	}
	l.mu.Unlock()
	sort.Slice(res.Missing, func(i, j int) bool { return res.Missing[i].KeyString() < res.Missing[j].KeyString() })

	for _, c := range cuts {
		res.Removed = append(res.Removed, l.cutLocked(ctx, c)...)
	}
	if len(res.Added) > 0 {
		res.Removed = append(res.Removed, l.trimLocked(ctx, l.trim)...)
		if err := l.saveHeads(ctx); err != nil {
			l.logger.Warn("Failed to persist heads", zap.Error(err))
		}
		l.logger.Debug("Joined entries",
			zap.Int("added", len(res.Added)),
			zap.Int("held", len(held)),
			zap.Int("missing", len(res.Missing)))
	}
	l.notify(Change{Added: res.Added, Removed: res.Removed})
	return res, nil
}

func (l *Log) stickyTombstone(h cid.Cid) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tombstones[h]
	return ok && t.sticky
}

func (l *Log) fetch(ctx context.Context, h cid.Cid) (*entry.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	b, err := l.cas.Get(ctx, h)
	if err != nil {
		return nil, newError(KindMissingAncestor, h, "fetch failed", err)
	}
	e, err := entry.Decode(b)
	if err != nil {
		return nil, newError(KindEncoding, h, "decode failed", err)
	}
	if e.Hash() != h {
		return nil, newError(KindEncoding, h, "block does not match hash", nil)
	}
	return e, nil
}
