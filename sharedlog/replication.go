package sharedlog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/entry"
	"xdao.co/peerlog/keys"
	"xdao.co/peerlog/pid"
	"xdao.co/peerlog/rangeindex"
	"xdao.co/peerlog/transport"
	"xdao.co/peerlog/wire"
)

// nextTSLocked returns a strictly increasing announcement timestamp.
func (s *SharedLog) nextTSLocked() int64 {
	ts := s.clock.Now().UnixNano()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

// Factor is the fraction of the keyspace the node currently replicates.
func (s *SharedLog) Factor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSeg {
		return 0
	}
	return s.segment.Factor()
}

// Segment returns the node's own segment.
func (s *SharedLog) Segment() (rangeindex.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segment, s.hasSeg
}

// IsReplicator reports whether e falls within the node's own segment.
func (s *SharedLog) IsReplicator(e *entry.Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasSeg && s.segment.Contains(domain.Coordinate(e, domain.U64))
}

// Leaders returns the owners of every segment covering e, this node included.
func (s *SharedLog) Leaders(e *entry.Entry) []keys.PublicKey {
	idx := s.Index()
	if idx == nil {
		return nil
	}
	return idx.CoveringOwners(domain.Coordinate(e, domain.U64))
}

// Rebalance runs one controller tick and announces the resulting segment
// when it moved by more than the hysteresis.
func (s *SharedLog) Rebalance(ctx context.Context) error {
	return s.rebalance(ctx, false)
}

func (s *SharedLog) rebalance(ctx context.Context, force bool) error {
	if !s.isOpen() {
		return ErrClosed
	}
	s.rebalanceMu.Lock()
	defer s.rebalanceMu.Unlock()

	factor, replicate := s.nextFactor()

	s.mu.Lock()
	ts := s.nextTSLocked()
	var err error
	if replicate {
		seg := rangeindex.Segment{
			ID:        uuid.New(),
			Owner:     s.self,
			Offset:    s.offset,
			Width:     domain.FactorToWidth(factor, domain.U64),
			Mode:      rangeindex.ModeReplicate,
			Timestamp: ts,
		}
		if s.hasSeg {
			seg.ID = s.segment.ID
		}
		s.segment, s.hasSeg = seg, true
		_, err = s.index.Put(seg)
	} else if s.hasSeg {
		s.hasSeg = false
		_, err = s.index.RemoveOwner(s.self, ts)
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("sharedlog: update own segment: %w", err)
	}
	s.metrics.factor.Set(factor)

	changed := !s.announced.once || s.announced.pending ||
		(factor != s.announced.factor && math.Abs(factor-s.announced.factor) >= s.cfg.AnnounceHysteresis)
	if !force {
		if !changed {
			s.mu.Unlock()
			return nil
		}
		if !s.limiter.AllowN(s.clock.Now(), 1) {
			s.announced.pending = true
			s.mu.Unlock()
			s.logger.Debug("Announcement rate limited", zap.Float64("factor", factor))
			return nil
		}
	}
	s.announced.once, s.announced.factor, s.announced.pending = true, factor, false
	levels := s.levelsLocked(force)
	s.mu.Unlock()

	var errs error
	for _, level := range levels {
		errs = multierr.Append(errs, s.publish(ctx, s.announcement(level)))
	}
	s.metrics.announcements.Inc()
	s.emit(Event{Type: EventFactorChanged, Factor: factor})
	s.logger.Debug("Announced segment", zap.Float64("factor", factor), zap.Bool("replicating", replicate))
	return errs
}

// nextFactor returns the next factor and whether the node replicates at all.
func (s *SharedLog) nextFactor() (float64, bool) {
	switch s.cfg.Replicate {
	case ReplicateNone:
		return 0, false
	case ReplicateFixed:
		return s.cfg.Factor, true
	}

	s.mu.Lock()
	current := s.cfg.Factor
	if s.hasSeg {
		current = s.segment.Factor()
	}
	s.mu.Unlock()

	owners := s.index.Owners()
	peers := len(owners)
	if !containsKey(owners, s.self) {
		peers++
	}
	in := pid.Input{
		MemoryUsage:   float64(s.log.ByteLength()),
		CurrentFactor: current,
		TotalFactor:   s.index.TotalFactor(),
		PeerCount:     peers,
	}
	if s.deps.CPU != nil {
		in.CPUUsage, in.HasCPU = s.deps.CPU()
	}
	return s.controller.Step(in), true
}

func containsKey(ks []keys.PublicKey, k keys.PublicKey) bool {
	for _, o := range ks {
		if o.Equal(k) {
			return true
		}
	}
	return false
}

// levelsLocked returns the compatibility levels the announcement must be
// published at: every level down to the minimum when all is set, otherwise
// the node's own level and those negotiated with known peers.
func (s *SharedLog) levelsLocked(all bool) []uint32 {
	set := map[uint32]struct{}{s.cfg.Compatibility: {}}
	if all {
		for c := wire.MinCompatibility; c <= s.cfg.Compatibility; c++ {
			set[c] = struct{}{}
		}
	}
	for _, adv := range s.peers {
		if c, err := wire.Negotiate(s.cfg.Compatibility, adv); err == nil {
			set[c] = struct{}{}
		}
	}
	out := make([]uint32, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// announcement describes the node's segment in the form peers at level
// understand.
func (s *SharedLog) announcement(level uint32) wire.Message {
	s.mu.Lock()
	seg, has, ts := s.segment, s.hasSeg, s.lastTS
	s.mu.Unlock()
	var segs []rangeindex.Segment
	if has {
		segs = []rangeindex.Segment{seg}
		ts = seg.Timestamp
	}

	switch {
	case level >= wire.CompatIncremental:
		if !has {
			return &wire.StoppedReplicating{Timestamp: ts}
		}
		return &wire.AddedReplicationSegment{Segments: segs}
	case level >= wire.CompatBulk:
		return &wire.AllReplicatingSegments{Segments: segs, Timestamp: ts}
	default:
		if !has {
			return &wire.ResponseRole{Role: wire.RoleObserver, Timestamp: ts}
		}
		return &wire.ResponseRole{
			Role:      wire.RoleReplicator,
			Offset:    domain.Convert(seg.Offset, domain.U64, domain.U32),
			Factor:    seg.Factor(),
			Timestamp: ts,
		}
	}
}

// sendAnnouncement delivers the node's segment directly to peer.
func (s *SharedLog) sendAnnouncement(ctx context.Context, peer transport.PeerID) {
	level, err := s.level(peer)
	if err != nil {
		s.logger.Debug("Not announcing to incompatible peer", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	if _, err := s.request(ctx, peer, s.announcement(level)); err != nil {
		s.logger.Debug("Direct announcement failed", zap.Stringer("peer", peer), zap.Error(err))
	}
}

// scheduleRebalance runs a controller tick once the debounce delay passes
// without another call.
func (s *SharedLog) scheduleRebalance() {
	if s.cfg.Replicate != ReplicateDynamic || s.cfg.DistributionDebounce == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	if s.debounce != nil {
		s.debounce.Reset(s.cfg.DistributionDebounce)
		return
	}
	// Mock clocks run the callback while holding their own lock, so the
	// work starts on a fresh goroutine.
	s.debounce = s.clock.AfterFunc(s.cfg.DistributionDebounce, func() {
		go s.goTracked(func(ctx context.Context) {
			s.mu.Lock()
			s.debounce = nil
			s.mu.Unlock()
			if err := s.Rebalance(ctx); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Warn("Debounced rebalance failed", zap.Error(err))
			}
		})
	})
}

// legacySegmentID names the single segment a role announcement describes.
func legacySegmentID(owner keys.PublicKey) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(owner.String()))
}

// applyAnnouncement updates the index with a segment announcement from
// peer. Segments must be owned by the sender.
func (s *SharedLog) applyAnnouncement(peer transport.PeerID, msg wire.Message) error {
	owner, err := parsePeer(peer)
	if err != nil {
		return fmt.Errorf("sharedlog: peer id %s: %w", peer, err)
	}
	checkOwners := func(segs []rangeindex.Segment) error {
		for _, seg := range segs {
			if !seg.Owner.Equal(owner) {
				return fmt.Errorf("%w: %s from %s", ErrForeignSegment, seg.ID, peer)
			}
		}
		return nil
	}

	var (
		changed bool
		left    bool
	)
	switch m := msg.(type) {
	case *wire.AddedReplicationSegment:
		if err := checkOwners(m.Segments); err != nil {
			return err
		}
		for _, seg := range m.Segments {
			ok, err := s.index.Put(seg)
			if err != nil {
				return err
			}
			changed = changed || ok
		}
	case *wire.AllReplicatingSegments:
		if err := checkOwners(m.Segments); err != nil {
			return err
		}
		changed, err = s.index.ReplaceOwner(owner, m.Segments, m.Timestamp)
		if err != nil {
			return err
		}
	case *wire.ResponseRole:
		var segs []rangeindex.Segment
		if m.Role == wire.RoleReplicator {
			segs = append(segs, rangeindex.Segment{
				ID:        legacySegmentID(owner),
				Owner:     owner,
				Offset:    domain.Convert(m.Offset, domain.U32, domain.U64),
				Width:     domain.FactorToWidth(m.Factor, domain.U64),
				Mode:      rangeindex.ModeReplicate,
				Timestamp: m.Timestamp,
			})
		}
		changed, err = s.index.ReplaceOwner(owner, segs, m.Timestamp)
		if err != nil {
			return err
		}
	case *wire.StoppedReplicating:
		removed, err := s.index.RemoveOwner(owner, m.Timestamp)
		if err != nil {
			return err
		}
		changed, left = len(removed) > 0, true
	default:
		return fmt.Errorf("%w: %s", ErrUnexpected, msg.Kind())
	}

	s.mu.Lock()
	greet := !left && !s.greeted[peer]
	if greet {
		s.greeted[peer] = true
	}
	if left {
		delete(s.greeted, peer)
	}
	s.mu.Unlock()

	switch {
	case greet:
		s.logger.Debug("Peer joined", zap.Stringer("peer", peer))
		s.emit(Event{Type: EventPeerJoined, Peer: peer})
		s.goTracked(func(ctx context.Context) { s.sendAnnouncement(ctx, peer) })
	case left && changed:
		s.logger.Debug("Peer left", zap.Stringer("peer", peer))
		s.emit(Event{Type: EventPeerLeft, Peer: peer})
	}
	if changed {
		s.scheduleRebalance()
	}
	return nil
}
