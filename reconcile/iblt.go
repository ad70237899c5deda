package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/logger"
	"xdao.co/peerlog/riblt"
	"xdao.co/peerlog/transport"
	"xdao.co/peerlog/wire"
)

// IBLT defaults.
const (
	DefaultInitialSymbols = 16
	DefaultMaxSymbols     = 1 << 14
	DefaultSessionTTL     = 30 * time.Second
)

// IBLTOptions tunes RatelessIBLT. Zero values take the defaults.
type IBLTOptions struct {
	// InitialSymbols is the size of the first batch. Each further batch
	// doubles in size.
	InitialSymbols int
	// MaxSymbols bounds the symbols of one session before falling back to
	// explicit hash lists.
	MaxSymbols int
	// SessionTTL bounds how long a responder keeps an idle session.
	SessionTTL time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
}

type session struct {
	peer    transport.PeerID
	decoder *riblt.Decoder
	keyed   map[uint64]cid.Cid
	budget  int
	expires time.Time
}

// RatelessIBLT reconciles with a rateless invertible Bloom lookup table
// stream. Hash sets are mapped to 64-bit keys; if two local hashes collide
// on a key the later one wins and the other is reconciled on a later round.
type RatelessIBLT struct {
	source    Source
	requester Requester
	fallback  *Simple
	opts      IBLTOptions
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// NewRatelessIBLT returns an IBLT synchronizer. Its Simple fallback uses U64 spans.
func NewRatelessIBLT(src Source, req Requester, opts IBLTOptions) *RatelessIBLT {
	if opts.InitialSymbols <= 0 {
		opts.InitialSymbols = DefaultInitialSymbols
	}
	if opts.MaxSymbols <= 0 {
		opts.MaxSymbols = DefaultMaxSymbols
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := logger.OrNop(opts.Logger)
	return &RatelessIBLT{
		source:    src,
		requester: req,
		fallback:  NewSimple(src, req, domain.U64, log),
		opts:      opts,
		logger:    log,
		sessions:  make(map[uuid.UUID]*session),
	}
}

func (r *RatelessIBLT) Protocol() string { return ProtocolIBLT }

func keyed(hashes []cid.Cid) map[uint64]cid.Cid {
	out := make(map[uint64]cid.Cid, len(hashes))
	for _, h := range hashes {
		out[Key(h)] = h
	}
	return out
}

func take(enc *riblt.Encoder, n int) []riblt.Symbol {
	out := make([]riblt.Symbol, n)
	for i := range out {
		out[i] = enc.Next()
	}
	return out
}

func (r *RatelessIBLT) Reconcile(ctx context.Context, peer transport.PeerID, spans []domain.Span) (Result, error) {
	local := keyed(r.source.Hashes(spans))
	enc := riblt.NewEncoder()
	for k := range local {
		enc.Add(k)
	}

	id := uuid.New()
	batch := r.opts.InitialSymbols
	var msg wire.Message = &wire.IBLTStart{
		Session: id,
		Spans:   spans,
		SetSize: uint64(len(local)),
		Symbols: take(enc, batch),
	}
	sent := batch
	for {
		resp, err := r.requester.Request(ctx, peer, msg)
		if err != nil {
			return Result{}, fmt.Errorf("reconcile: iblt request to %s: %w", peer, err)
		}
		res, ok := resp.(*wire.IBLTResult)
		if !ok || res.Session != id {
			return Result{}, unexpected(resp)
		}
		switch res.Status {
		case wire.IBLTDecoded:
			out := Result{Theirs: res.ResponderOnly, Protocol: ProtocolIBLT}
			for _, k := range res.Wanted {
				if h, ok := local[k]; ok {
					out.Mine = append(out.Mine, h)
				}
			}
			sortCIDs(out.Mine)
			r.logger.Debug("IBLT reconciliation finished",
				zap.Stringer("peer", peer),
				zap.Int("symbols", sent),
				zap.Int("mine", len(out.Mine)),
				zap.Int("theirs", len(out.Theirs)))
			return out, nil
		case wire.IBLTNeedMore:
			if sent >= r.opts.MaxSymbols {
				r.logger.Debug("IBLT symbol budget exhausted", zap.Stringer("peer", peer), zap.Int("symbols", sent))
				return r.fallback.Reconcile(ctx, peer, spans)
			}
			batch = min(batch*2, r.opts.MaxSymbols-sent)
			msg = &wire.IBLTMore{Session: id, Symbols: take(enc, batch)}
			sent += batch
		case wire.IBLTFallback:
			r.logger.Debug("Peer requested fallback", zap.Stringer("peer", peer), zap.Int("symbols", sent))
			return r.fallback.Reconcile(ctx, peer, spans)
		default:
			return Result{}, fmt.Errorf("%w: status %s", ErrUnexpected, res.Status)
		}
	}
}

func (r *RatelessIBLT) Serve(ctx context.Context, from transport.PeerID, msg wire.Message) (wire.Message, error) {
	now := r.opts.Clock.Now()
	r.expire(now)

	switch m := msg.(type) {
	case *wire.IBLTStart:
		local := keyed(r.source.Hashes(m.Spans))
		dec := riblt.NewDecoder()
		for k := range local {
			dec.AddLocal(k)
		}
		// The symmetric difference is at most both sets, and about 1.5
		// symbols per differing key are needed to decode it.
		budget := min(r.opts.MaxSymbols, 2*(int(m.SetSize)+len(local))+4*r.opts.InitialSymbols)
		s := &session{peer: from, decoder: dec, keyed: local, budget: budget}
		return r.feed(m.Session, s, m.Symbols, now), nil
	case *wire.IBLTMore:
		r.mu.Lock()
		s, ok := r.sessions[m.Session]
		r.mu.Unlock()
		if !ok || s.peer != from {
			return &wire.IBLTResult{Session: m.Session, Status: wire.IBLTFallback}, nil
		}
		return r.feed(m.Session, s, m.Symbols, now), nil
	case *wire.SimpleSyncRequest:
		return r.fallback.Serve(ctx, from, m)
	default:
		return nil, unexpected(msg)
	}
}

func (r *RatelessIBLT) feed(id uuid.UUID, s *session, symbols []riblt.Symbol, now time.Time) *wire.IBLTResult {
	for _, sym := range symbols {
		if s.decoder.Decoded() {
			break
		}
		s.decoder.AddCoded(sym)
	}

	res := &wire.IBLTResult{Session: id}
	switch {
	case s.decoder.Decoded():
		res.Status = wire.IBLTDecoded
		res.Wanted = s.decoder.RemoteOnly()
		for _, k := range s.decoder.LocalOnly() {
			if h, ok := s.keyed[k]; ok {
				res.ResponderOnly = append(res.ResponderOnly, h)
			}
		}
		sortCIDs(res.ResponderOnly)
		r.drop(id)
	case s.decoder.Received() >= s.budget:
		res.Status = wire.IBLTFallback
		r.drop(id)
	default:
		res.Status = wire.IBLTNeedMore
		s.expires = now.Add(r.opts.SessionTTL)
		r.mu.Lock()
		r.sessions[id] = s
		r.mu.Unlock()
	}
	return res
}

func (r *RatelessIBLT) drop(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *RatelessIBLT) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if now.After(s.expires) {
			delete(r.sessions, id)
		}
	}
}

// Sessions is the number of open responder sessions.
func (r *RatelessIBLT) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
