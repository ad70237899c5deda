package sharedlog

import (
	"context"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"xdao.co/peerlog/entry"
	"xdao.co/peerlog/keys"
	"xdao.co/peerlog/oplog"
	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/transport"
	"xdao.co/peerlog/wire"
)

func parsePeer(p transport.PeerID) (keys.PublicKey, error) {
	return keys.ParsePublicKey(string(p))
}

// observe records the level peer advertises and returns the level both
// sides use.
func (s *SharedLog) observe(peer transport.PeerID, advertised uint32) (uint32, error) {
	level, err := wire.Negotiate(s.cfg.Compatibility, advertised)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if s.peers != nil {
		s.peers[peer] = advertised
	}
	s.mu.Unlock()
	return level, nil
}

// level returns the negotiated level with a peer heard from before.
func (s *SharedLog) level(peer transport.PeerID) (uint32, error) {
	s.mu.Lock()
	adv, ok := s.peers[peer]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("sharedlog: unknown peer %s", peer)
	}
	return wire.Negotiate(s.cfg.Compatibility, adv)
}

// knownPeers returns every peer heard from, sorted.
func (s *SharedLog) knownPeers() []transport.PeerID {
	s.mu.Lock()
	out := make([]transport.PeerID, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *SharedLog) envelope(msg wire.Message) ([]byte, error) {
	return wire.Marshal(wire.Envelope{
		Compatibility: s.cfg.Compatibility,
		LogID:         s.cfg.LogID,
		Message:       msg,
	})
}

// publish broadcasts msg on the log topic.
func (s *SharedLog) publish(ctx context.Context, msg wire.Message) error {
	b, err := s.envelope(msg)
	if err != nil {
		return err
	}
	return s.deps.Transport.Publish(ctx, s.topic, b)
}

// request sends msg to peer and returns its answer.
func (s *SharedLog) request(ctx context.Context, peer transport.PeerID, msg wire.Message) (wire.Message, error) {
	level, err := s.level(peer)
	if err != nil {
		return nil, err
	}
	if !wire.Supported(msg.Kind(), level) {
		return nil, fmt.Errorf("sharedlog: %s is not supported at level %d", msg.Kind(), level)
	}
	b, err := s.envelope(msg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	resp, err := s.deps.Transport.Request(ctx, peer, s.rpcTopic, b)
	if err != nil {
		return nil, err
	}
	env, err := wire.Unmarshal(resp)
	if err != nil {
		return nil, err
	}
	if env.LogID != s.cfg.LogID {
		return nil, fmt.Errorf("sharedlog: response for log %q", env.LogID)
	}
	if _, err := s.observe(peer, env.Compatibility); err != nil {
		return nil, err
	}
	return env.Message, nil
}

// decode unwraps an inbound envelope and checks that it belongs to this log
// and is understood at the level negotiated with its sender.
func (s *SharedLog) decode(from transport.PeerID, data []byte) (wire.Message, uint32, error) {
	env, err := wire.Unmarshal(data)
	if err != nil {
		return nil, 0, err
	}
	if env.LogID != s.cfg.LogID {
		return nil, 0, fmt.Errorf("sharedlog: message for log %q", env.LogID)
	}
	level, err := s.observe(from, env.Compatibility)
	if err != nil {
		return nil, 0, err
	}
	if !wire.Supported(env.Message.Kind(), level) {
		return nil, 0, fmt.Errorf("sharedlog: %s is not supported at level %d", env.Message.Kind(), level)
	}
	return env.Message, level, nil
}

func (s *SharedLog) onMessage(ctx context.Context, from transport.PeerID, data []byte) {
	if from == s.peerID || !s.isOpen() {
		return
	}
	msg, level, err := s.decode(from, data)
	if err != nil {
		s.logger.Debug("Dropping message", zap.Stringer("peer", from), zap.Error(err))
		return
	}
	if _, err := s.dispatch(ctx, from, level, msg); err != nil {
		s.logger.Warn("Failed to handle message", zap.Stringer("peer", from), zap.Stringer("kind", msg.Kind()), zap.Error(err))
	}
}

func (s *SharedLog) onRequest(ctx context.Context, from transport.PeerID, data []byte) ([]byte, error) {
	if !s.isOpen() {
		return nil, ErrClosed
	}
	msg, level, err := s.decode(from, data)
	if err != nil {
		return nil, err
	}
	resp, err := s.dispatch(ctx, from, level, msg)
	if err != nil {
		return nil, err
	}
	return s.envelope(resp)
}

func (s *SharedLog) dispatch(ctx context.Context, from transport.PeerID, level uint32, msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case *wire.AddedReplicationSegment, *wire.AllReplicatingSegments, *wire.ResponseRole, *wire.StoppedReplicating:
		// Announcements are published at every level in use. Only the form
		// of the negotiated level is applied.
		if f, ok := announcementLevel(m.Kind()); ok && f != level {
			return &wire.Ack{}, nil
		}
		if err := s.applyAnnouncement(from, m); err != nil {
			return nil, err
		}
		return &wire.Ack{}, nil
	case *wire.RequestReplicationInfo:
		s.goTracked(func(ctx context.Context) { s.sendAnnouncement(ctx, from) })
		return &wire.Ack{}, nil
	case *wire.ExchangeHeads:
		if _, err := s.joinRaw(ctx, from, m.Heads); err != nil {
			return nil, err
		}
		return &wire.Ack{}, nil
	case *wire.EntryRequest:
		return s.serveEntries(ctx, m.Hashes), nil
	case *wire.SimpleSyncRequest:
		if wire.UsesIBLT(level) {
			return s.iblt.Serve(ctx, from, m)
		}
		return s.simple.Serve(ctx, from, m)
	case *wire.IBLTStart, *wire.IBLTMore:
		return s.iblt.Serve(ctx, from, m)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpected, msg.Kind())
	}
}

// announcementLevel is the level whose announcement form k is.
func announcementLevel(k wire.Kind) (uint32, bool) {
	switch k {
	case wire.KindAddedReplicationSegment:
		return wire.CompatIncremental, true
	case wire.KindAllReplicatingSegments:
		return wire.CompatBulk, true
	case wire.KindResponseRole:
		return wire.CompatRole, true
	}
	return 0, false
}

func (s *SharedLog) joinOptions() oplog.JoinOptions {
	return oplog.JoinOptions{Mode: s.cfg.Verify, Verify: s.deps.Verify}
}

// joinRaw decodes entries received from peer and merges them. Ancestors the
// log lacks are fetched from peer first.
func (s *SharedLog) joinRaw(ctx context.Context, peer transport.PeerID, raws [][]byte) (int, error) {
	es := make([]*entry.Entry, 0, len(raws))
	for _, b := range raws {
		e, err := entry.Decode(b)
		if err != nil {
			s.logger.Warn("Dropping malformed entry", zap.Stringer("peer", peer), zap.Error(err))
			continue
		}
		es = append(es, e)
	}
	if len(es) == 0 {
		return 0, nil
	}
	res, err := s.log.Join(withPeer(ctx, peer), oplog.FromEntries(es), s.joinOptions())
	if err != nil {
		return 0, err
	}
	s.recordJoin(peer, res)
	return len(res.Added), nil
}

func (s *SharedLog) recordJoin(peer transport.PeerID, res *oplog.JoinResult) {
	if len(res.Added) == 0 {
		return
	}
	s.metrics.joined.Add(float64(len(res.Added)))
	s.emit(Event{Type: EventJoined, Peer: peer, Count: len(res.Added)})
	s.scheduleRebalance()
}

// serveEntries returns the encoded entries held locally among hashes.
func (s *SharedLog) serveEntries(ctx context.Context, hashes []cid.Cid) *wire.EntryResponse {
	resp := &wire.EntryResponse{}
	for _, h := range hashes {
		if e, ok := s.log.Get(h); ok {
			resp.Entries = append(resp.Entries, e.Bytes())
			continue
		}
		if b, err := s.local.Get(ctx, h); err == nil {
			resp.Entries = append(resp.Entries, b)
		}
	}
	return resp
}

type peerKey struct{}

// withPeer marks peer as the first place to fetch missing blocks from.
func withPeer(ctx context.Context, peer transport.PeerID) context.Context {
	return context.WithValue(ctx, peerKey{}, peer)
}

// fetchBlock resolves a block missing locally from the peers of the log,
// starting with the peer the current operation talks to.
func (s *SharedLog) fetchBlock(ctx context.Context, id cid.Cid) ([]byte, error) {
	var order []transport.PeerID
	if p, ok := ctx.Value(peerKey{}).(transport.PeerID); ok {
		order = append(order, p)
	}
	for _, p := range s.knownPeers() {
		if len(order) > 0 && p == order[0] {
			continue
		}
		order = append(order, p)
	}

	var errs error
	for _, p := range order {
		resp, err := s.request(ctx, p, &wire.EntryRequest{Hashes: []cid.Cid{id}})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if r, ok := resp.(*wire.EntryResponse); ok && len(r.Entries) > 0 {
			return r.Entries[0], nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, multierr.Append(fmt.Errorf("%w: %s", storage.ErrNotFound, id), errs)
}
