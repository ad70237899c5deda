// Package reconcile finds the entries two replicas hold differently within
// the keyspace ranges they share.
//
// Simple exchanges explicit hash lists. RatelessIBLT streams coded symbols
// until the responder can decode the difference and falls back to Simple
// when the symbol budget runs out.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/transport"
	"xdao.co/peerlog/wire"
)

// Protocol names.
const (
	ProtocolSimple = "simple"
	ProtocolIBLT   = "iblt"
)

// ErrUnexpected is returned for a message a synchronizer does not handle or
// a response of the wrong kind.
var ErrUnexpected = errors.New("reconcile: unexpected message")

// Source is the local hash set.
type Source interface {
	// Hashes returns the hashes whose coordinate lies in any of spans. Spans
	// are in U64 units.
	Hashes(spans []domain.Span) []cid.Cid
}

// SourceFunc adapts a function to Source.
type SourceFunc func(spans []domain.Span) []cid.Cid

func (f SourceFunc) Hashes(spans []domain.Span) []cid.Cid { return f(spans) }

// Requester sends a message to a peer and returns its answer.
type Requester interface {
	Request(ctx context.Context, peer transport.PeerID, msg wire.Message) (wire.Message, error)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, peer transport.PeerID, msg wire.Message) (wire.Message, error)

func (f RequesterFunc) Request(ctx context.Context, peer transport.PeerID, msg wire.Message) (wire.Message, error) {
	return f(ctx, peer, msg)
}

// Result is the difference found by one reconciliation.
type Result struct {
	// Mine are hashes held locally that the peer lacks.
	Mine []cid.Cid
	// Theirs are hashes the peer holds that are missing locally.
	Theirs []cid.Cid
	// Protocol is the protocol that produced the result.
	Protocol string
}

// Synchronizer is one side of a reconciliation protocol.
type Synchronizer interface {
	// Reconcile runs the protocol against peer over spans, in U64 units.
	Reconcile(ctx context.Context, peer transport.PeerID, spans []domain.Span) (Result, error)
	// Serve answers a protocol message sent by from.
	Serve(ctx context.Context, from transport.PeerID, msg wire.Message) (wire.Message, error)
	Protocol() string
}

// Key maps a hash to the 64-bit key used in coded symbols.
func Key(h cid.Cid) uint64 { return xxhash.Sum64(h.Bytes()) }

// difference returns the members of a that are not in b, sorted.
func difference(a, b []cid.Cid) []cid.Cid {
	in := make(map[cid.Cid]struct{}, len(b))
	for _, h := range b {
		in[h] = struct{}{}
	}
	var out []cid.Cid
	seen := make(map[cid.Cid]struct{}, len(a))
	for _, h := range a {
		if _, ok := in[h]; ok {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sortCIDs(out)
	return out
}

func sortCIDs(ids []cid.Cid) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].KeyString() < ids[j].KeyString() })
}

func unexpected(m wire.Message) error {
	if m == nil {
		return fmt.Errorf("%w: empty response", ErrUnexpected)
	}
	return fmt.Errorf("%w: %s", ErrUnexpected, m.Kind())
}

// toU64 converts spans received at res to U64 units.
func toU64(spans []domain.Span, res domain.Resolution) []domain.Span {
	out := make([]domain.Span, len(spans))
	for i, s := range spans {
		out[i] = domain.Span{
			Start: domain.Convert(s.Start, res, domain.U64),
			Width: domain.ConvertWidth(s.Width, res, domain.U64),
		}
	}
	return out
}

// fromU64 converts U64 spans to res for sending.
func fromU64(spans []domain.Span, res domain.Resolution) []domain.Span {
	out := make([]domain.Span, len(spans))
	for i, s := range spans {
		out[i] = domain.Span{
			Start: domain.Convert(s.Start, domain.U64, res),
			Width: domain.ConvertWidth(s.Width, domain.U64, res),
		}
	}
	return out
}
