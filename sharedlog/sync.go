package sharedlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/oplog"
	"xdao.co/peerlog/rangeindex"
	"xdao.co/peerlog/reconcile"
	"xdao.co/peerlog/transport"
	"xdao.co/peerlog/wire"
)

// entryBatch bounds the entries carried by one request.
const entryBatch = 256

type syncTarget struct {
	peer  transport.PeerID
	spans []domain.Span
}

// hashes returns the hashes of entries whose coordinate lies in spans,
// including trimmed entries so peers do not offer them again.
func (s *SharedLog) hashes(spans []domain.Span) []cid.Cid {
	in := func(p uint64) bool {
		for _, sp := range spans {
			if domain.Contains(sp, p, domain.U64) {
				return true
			}
		}
		return false
	}
	var out []cid.Cid
	for _, e := range s.log.Values() {
		if in(domain.Coordinate(e, domain.U64)) {
			out = append(out, e.Hash())
		}
	}
	for _, t := range s.log.Tombstones() {
		if t.Sticky && in(domain.CoordinateOfGID(t.GID, domain.U64)) {
			out = append(out, t.Hash)
		}
	}
	return out
}

// Sync runs one reconciliation round with the peers whose segments overlap
// the node's own, then retries known-missing ancestors and prunes entries
// other replicators cover. Failures against one peer do not stop the
// others; they are returned together.
func (s *SharedLog) Sync(ctx context.Context) error {
	if !s.isOpen() {
		return ErrClosed
	}

	var (
		mu   sync.Mutex
		errs error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxSyncPeers)
	for _, t := range s.syncTargets() {
		t := t
		g.Go(func() error {
			if err := s.syncPeer(ctx, t.peer, t.spans); err != nil {
				s.metrics.syncFailures.Inc()
				s.logger.Warn("Sync failed", zap.Stringer("peer", t.peer), zap.Error(err))
				s.emit(Event{Type: EventSyncFailed, Peer: t.peer, Err: err})
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if missing := s.log.Missing(); len(missing) > 0 {
		res, err := s.log.Join(ctx, oplog.FromHashes(missing), s.joinOptions())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sharedlog: retry missing: %w", err))
		} else {
			s.recordJoin("", res)
		}
	}

	if err := s.prune(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// syncTargets returns the known peers whose replicating segments overlap
// the node's own, with the overlapping spans. At most MaxSyncPeers are
// returned per round, rotating through the rest on later rounds.
func (s *SharedLog) syncTargets() []syncTarget {
	s.mu.Lock()
	seg, has := s.segment, s.hasSeg
	s.mu.Unlock()
	if !has || seg.Width == 0 {
		return nil
	}

	var targets []syncTarget
	for _, peer := range s.knownPeers() {
		owner, err := parsePeer(peer)
		if err != nil {
			continue
		}
		var spans []domain.Span
		for _, theirs := range s.index.Segments(owner) {
			if theirs.Mode != rangeindex.ModeReplicate {
				continue
			}
			spans = append(spans, domain.Intersect(seg.Span(), theirs.Span(), domain.U64)...)
		}
		if len(spans) == 0 {
			continue
		}
		targets = append(targets, syncTarget{peer: peer, spans: domain.Union(spans, domain.U64)})
	}

	n := s.cfg.MaxSyncPeers
	if len(targets) <= n {
		return targets
	}
	s.mu.Lock()
	start := s.syncCursor % len(targets)
	s.syncCursor = start + n
	s.mu.Unlock()
	out := make([]syncTarget, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, targets[(start+i)%len(targets)])
	}
	return out
}

// syncPeer reconciles spans with peer, fetches what the node lacks and
// pushes what the peer lacks.
func (s *SharedLog) syncPeer(ctx context.Context, peer transport.PeerID, spans []domain.Span) error {
	level, err := s.level(peer)
	if err != nil {
		return err
	}
	var syncer reconcile.Synchronizer = s.simple
	if wire.UsesIBLT(level) {
		syncer = s.iblt
	}
	res, err := syncer.Reconcile(ctx, peer, spans)
	if err != nil {
		return err
	}

	var want []cid.Cid
	for _, h := range res.Theirs {
		if !s.log.Known(h) {
			want = append(want, h)
		}
	}
	added, err := s.fetchEntries(ctx, peer, want)
	if err != nil {
		return err
	}
	pushed, err := s.pushEntries(ctx, peer, res.Mine)
	if err != nil {
		return err
	}

	s.metrics.syncRounds.WithLabelValues(res.Protocol).Inc()
	s.emit(Event{Type: EventSynced, Peer: peer, Protocol: res.Protocol, Count: added + pushed})
	s.logger.Debug("Synced with peer",
		zap.Stringer("peer", peer),
		zap.String("protocol", res.Protocol),
		zap.Int("fetched", added),
		zap.Int("pushed", pushed))
	return nil
}

func (s *SharedLog) fetchEntries(ctx context.Context, peer transport.PeerID, hashes []cid.Cid) (int, error) {
	var added int
	for len(hashes) > 0 {
		n := min(len(hashes), entryBatch)
		resp, err := s.request(ctx, peer, &wire.EntryRequest{Hashes: hashes[:n]})
		if err != nil {
			return added, fmt.Errorf("sharedlog: fetch entries: %w", err)
		}
		r, ok := resp.(*wire.EntryResponse)
		if !ok {
			return added, fmt.Errorf("%w: %s in answer to entry request", ErrUnexpected, resp.Kind())
		}
		k, err := s.joinRaw(ctx, peer, r.Entries)
		added += k
		if err != nil {
			return added, err
		}
		hashes = hashes[n:]
	}
	return added, nil
}

func (s *SharedLog) pushEntries(ctx context.Context, peer transport.PeerID, hashes []cid.Cid) (int, error) {
	var raws [][]byte
	for _, h := range hashes {
		if e, ok := s.log.Get(h); ok {
			raws = append(raws, e.Bytes())
		}
	}
	pushed := len(raws)
	for len(raws) > 0 {
		n := min(len(raws), entryBatch)
		if _, err := s.request(ctx, peer, &wire.ExchangeHeads{Heads: raws[:n]}); err != nil {
			return 0, fmt.Errorf("sharedlog: push entries: %w", err)
		}
		raws = raws[n:]
	}
	return pushed, nil
}

// prune drops entries outside the node's segment that at least MinReplicas
// other replicators cover. Heads are kept by the log.
func (s *SharedLog) prune(ctx context.Context) error {
	s.mu.Lock()
	seg, has := s.segment, s.hasSeg
	s.mu.Unlock()

	var victims []cid.Cid
	for _, e := range s.log.Values() {
		p := domain.Coordinate(e, domain.U64)
		if has && seg.Contains(p) {
			continue
		}
		others := 0
		for _, o := range s.index.CoveringOwners(p) {
			if !o.Equal(s.self) {
				others++
			}
		}
		if others >= s.cfg.MinReplicas {
			victims = append(victims, e.Hash())
		}
	}
	if len(victims) == 0 {
		return nil
	}
	removed, err := s.log.Prune(ctx, victims)
	if err != nil {
		return fmt.Errorf("sharedlog: prune: %w", err)
	}
	if len(removed) > 0 {
		s.metrics.pruned.Add(float64(len(removed)))
		s.emit(Event{Type: EventPruned, Count: len(removed)})
		s.logger.Debug("Pruned entries replicated elsewhere", zap.Int("entries", len(removed)))
	}
	return nil
}
