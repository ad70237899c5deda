package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/riblt"
	"xdao.co/peerlog/transport"
	"xdao.co/peerlog/wire"
)

func hashes(t *testing.T, prefix string, n int) []cid.Cid {
	t.Helper()
	out := make([]cid.Cid, n)
	for i := range out {
		h, err := cidutil.CIDv1RawSHA256CID([]byte(fmt.Sprintf("%s-%d", prefix, i)))
		require.NoError(t, err)
		out[i] = h
	}
	return out
}

// setSource places each hash at its key, in U64 units.
func setSource(hs []cid.Cid) Source {
	return SourceFunc(func(spans []domain.Span) []cid.Cid {
		var out []cid.Cid
		for _, h := range hs {
			for _, s := range spans {
				if domain.Contains(s, Key(h), domain.U64) {
					out = append(out, h)
					break
				}
			}
		}
		return out
	})
}

// loopback delivers requests to server through the wire codec.
func loopback(t *testing.T, server Synchronizer, from transport.PeerID) RequesterFunc {
	return func(ctx context.Context, _ transport.PeerID, msg wire.Message) (wire.Message, error) {
		b, err := wire.Marshal(wire.Envelope{Compatibility: wire.CurrentCompatibility, LogID: "test", Message: msg})
		require.NoError(t, err)
		env, err := wire.Unmarshal(b)
		require.NoError(t, err)
		resp, err := server.Serve(ctx, from, env.Message)
		if err != nil {
			return nil, err
		}
		b, err = wire.Marshal(wire.Envelope{Compatibility: wire.CurrentCompatibility, LogID: "test", Message: resp})
		require.NoError(t, err)
		env, err = wire.Unmarshal(b)
		require.NoError(t, err)
		return env.Message, nil
	}
}

func sorted(ids []cid.Cid) []cid.Cid {
	out := append([]cid.Cid(nil), ids...)
	sortCIDs(out)
	return out
}

var full = []domain.Span{domain.Full(domain.U64)}

func TestSimple_DisjointHalves(t *testing.T) {
	all := hashes(t, "e", 22)
	a, b := all[:11], all[11:]

	server := NewSimple(setSource(b), nil, domain.U32, nil)
	client := NewSimple(setSource(a), loopback(t, server, "a"), domain.U32, nil)

	res, err := client.Reconcile(context.Background(), "b", full)
	require.NoError(t, err)
	require.Equal(t, ProtocolSimple, res.Protocol)
	require.Equal(t, sorted(a), res.Mine)
	require.Equal(t, sorted(b), res.Theirs)
}

func TestSimple_Overlap(t *testing.T) {
	all := hashes(t, "e", 30)
	a, b := all[:20], all[10:]

	server := NewSimple(setSource(b), nil, domain.U64, nil)
	client := NewSimple(setSource(a), loopback(t, server, "a"), domain.U64, nil)

	res, err := client.Reconcile(context.Background(), "b", full)
	require.NoError(t, err)
	require.Equal(t, sorted(all[:10]), res.Mine)
	require.Equal(t, sorted(all[20:]), res.Theirs)
}

func TestSimple_RestrictedToSpans(t *testing.T) {
	all := hashes(t, "e", 40)
	half := []domain.Span{{Start: 0, Width: 1 << 63}}

	server := NewSimple(setSource(nil), nil, domain.U32, nil)
	client := NewSimple(setSource(all), loopback(t, server, "a"), domain.U32, nil)

	res, err := client.Reconcile(context.Background(), "b", half)
	require.NoError(t, err)
	var want []cid.Cid
	for _, h := range all {
		if Key(h) < 1<<63 {
			want = append(want, h)
		}
	}
	require.NotEmpty(t, want)
	require.Equal(t, sorted(want), res.Mine)
	require.Empty(t, res.Theirs)
}

func TestSimple_RejectsOtherMessages(t *testing.T) {
	s := NewSimple(setSource(nil), nil, domain.U64, nil)
	_, err := s.Serve(context.Background(), "a", &wire.EntryRequest{})
	require.ErrorIs(t, err, ErrUnexpected)
}

func TestIBLT_DisjointHalves(t *testing.T) {
	all := hashes(t, "e", 22)
	a, b := all[:11], all[11:]

	server := NewRatelessIBLT(setSource(b), nil, IBLTOptions{})
	client := NewRatelessIBLT(setSource(a), loopback(t, server, "a"), IBLTOptions{})

	res, err := client.Reconcile(context.Background(), "b", full)
	require.NoError(t, err)
	require.Equal(t, ProtocolIBLT, res.Protocol)
	require.Equal(t, sorted(a), res.Mine)
	require.Equal(t, sorted(b), res.Theirs)
	require.Zero(t, server.Sessions())
}

func TestIBLT_LargeSetsSmallDifference(t *testing.T) {
	all := hashes(t, "e", 1000)
	a := all[:995]
	b := append(append([]cid.Cid(nil), all[:990]...), all[995:]...)

	var rounds int
	server := NewRatelessIBLT(setSource(b), nil, IBLTOptions{})
	next := loopback(t, server, "a")
	client := NewRatelessIBLT(setSource(a), RequesterFunc(func(ctx context.Context, p transport.PeerID, m wire.Message) (wire.Message, error) {
		rounds++
		return next(ctx, p, m)
	}), IBLTOptions{})

	res, err := client.Reconcile(context.Background(), "b", full)
	require.NoError(t, err)
	require.Equal(t, ProtocolIBLT, res.Protocol)
	require.Equal(t, sorted(all[990:995]), res.Mine)
	require.Equal(t, sorted(all[995:]), res.Theirs)
	require.LessOrEqual(t, rounds, 3)
}

func TestIBLT_IdenticalSets(t *testing.T) {
	all := hashes(t, "e", 50)
	server := NewRatelessIBLT(setSource(all), nil, IBLTOptions{})
	client := NewRatelessIBLT(setSource(all), loopback(t, server, "a"), IBLTOptions{})

	res, err := client.Reconcile(context.Background(), "b", full)
	require.NoError(t, err)
	require.Equal(t, ProtocolIBLT, res.Protocol)
	require.Empty(t, res.Mine)
	require.Empty(t, res.Theirs)
}

func TestIBLT_FallsBackWhenBudgetExhausted(t *testing.T) {
	all := hashes(t, "e", 200)
	a, b := all[:100], all[100:]

	opts := IBLTOptions{InitialSymbols: 2, MaxSymbols: 8}
	server := NewRatelessIBLT(setSource(b), nil, opts)
	client := NewRatelessIBLT(setSource(a), loopback(t, server, "a"), opts)

	res, err := client.Reconcile(context.Background(), "b", full)
	require.NoError(t, err)
	require.Equal(t, ProtocolSimple, res.Protocol)
	require.Equal(t, sorted(a), res.Mine)
	require.Equal(t, sorted(b), res.Theirs)
}

func TestIBLT_UnknownSession(t *testing.T) {
	server := NewRatelessIBLT(setSource(nil), nil, IBLTOptions{})
	id := uuid.New()
	resp, err := server.Serve(context.Background(), "a", &wire.IBLTMore{Session: id})
	require.NoError(t, err)
	require.Equal(t, &wire.IBLTResult{Session: id, Status: wire.IBLTFallback}, resp)
}

func TestIBLT_SessionExpires(t *testing.T) {
	mock := clock.NewMock()
	all := hashes(t, "e", 100)
	server := NewRatelessIBLT(setSource(all), nil, IBLTOptions{Clock: mock, SessionTTL: time.Minute})

	enc := riblt.NewEncoder()
	for _, h := range hashes(t, "other", 100) {
		enc.Add(Key(h))
	}
	id := uuid.New()
	resp, err := server.Serve(context.Background(), "a", &wire.IBLTStart{
		Session: id,
		Spans:   full,
		SetSize: 100,
		Symbols: []riblt.Symbol{enc.Next()},
	})
	require.NoError(t, err)
	require.Equal(t, wire.IBLTNeedMore, resp.(*wire.IBLTResult).Status)
	require.Equal(t, 1, server.Sessions())

	// Another peer cannot continue the session.
	resp, err = server.Serve(context.Background(), "b", &wire.IBLTMore{Session: id, Symbols: []riblt.Symbol{enc.Next()}})
	require.NoError(t, err)
	require.Equal(t, wire.IBLTFallback, resp.(*wire.IBLTResult).Status)

	mock.Add(2 * time.Minute)
	resp, err = server.Serve(context.Background(), "a", &wire.IBLTMore{Session: id, Symbols: []riblt.Symbol{enc.Next()}})
	require.NoError(t, err)
	require.Equal(t, wire.IBLTFallback, resp.(*wire.IBLTResult).Status)
	require.Zero(t, server.Sessions())
}

func TestIBLT_ServesSimpleRequests(t *testing.T) {
	all := hashes(t, "e", 10)
	server := NewRatelessIBLT(setSource(all[:5]), nil, IBLTOptions{})
	client := NewSimple(setSource(all[5:]), loopback(t, server, "a"), domain.U64, nil)

	res, err := client.Reconcile(context.Background(), "b", full)
	require.NoError(t, err)
	require.Equal(t, sorted(all[5:]), res.Mine)
	require.Equal(t, sorted(all[:5]), res.Theirs)
}
