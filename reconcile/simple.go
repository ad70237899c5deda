package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/logger"
	"xdao.co/peerlog/transport"
	"xdao.co/peerlog/wire"
)

// Simple reconciles by sending every local hash in the shared ranges.
type Simple struct {
	source     Source
	requester  Requester
	resolution domain.Resolution
	logger     *zap.Logger
}

// NewSimple returns a Simple synchronizer whose spans travel at res.
func NewSimple(src Source, req Requester, res domain.Resolution, log *zap.Logger) *Simple {
	return &Simple{source: src, requester: req, resolution: res, logger: logger.OrNop(log)}
}

func (s *Simple) Protocol() string { return ProtocolSimple }

func (s *Simple) Reconcile(ctx context.Context, peer transport.PeerID, spans []domain.Span) (Result, error) {
	local := s.source.Hashes(spans)
	resp, err := s.requester.Request(ctx, peer, &wire.SimpleSyncRequest{
		Spans:  fromU64(spans, s.resolution),
		Hashes: local,
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: simple request to %s: %w", peer, err)
	}
	r, ok := resp.(*wire.SimpleSyncResponse)
	if !ok {
		return Result{}, unexpected(resp)
	}
	s.logger.Debug("Simple reconciliation finished",
		zap.Stringer("peer", peer),
		zap.Int("local", len(local)),
		zap.Int("mine", len(r.ResponderLacks)),
		zap.Int("theirs", len(r.RequesterLacks)))
	return Result{Mine: r.ResponderLacks, Theirs: r.RequesterLacks, Protocol: ProtocolSimple}, nil
}

func (s *Simple) Serve(_ context.Context, from transport.PeerID, msg wire.Message) (wire.Message, error) {
	req, ok := msg.(*wire.SimpleSyncRequest)
	if !ok {
		return nil, unexpected(msg)
	}
	local := s.source.Hashes(toU64(req.Spans, s.resolution))
	return &wire.SimpleSyncResponse{
		RequesterLacks: difference(local, req.Hashes),
		ResponderLacks: difference(req.Hashes, local),
	}, nil
}
