package sharedlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"xdao.co/peerlog/entry"
	"xdao.co/peerlog/oplog"
	"xdao.co/peerlog/rangeindex"
	"xdao.co/peerlog/transport"
)

// coverWith announces full-ring segments for the given signers in n's index.
func coverWith(t *testing.T, n *node, signers ...byte) {
	t.Helper()
	for _, b := range signers {
		owner := testSigner(t, b).PublicKey()
		seg := rangeindex.NewSegment(owner, 0, 1, time.Unix(1, 0))
		_, err := n.Index().ReplaceOwner(owner, []rangeindex.Segment{seg}, seg.Timestamp)
		require.NoError(t, err)
	}
}

func isHead(n *node, e *entry.Entry) bool {
	for _, h := range n.Log().HeadHashes() {
		if h.Equals(e.Hash()) {
			return true
		}
	}
	return false
}

func TestSyncTickConverges(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	cfg := quietConfig()
	cfg.SyncInterval = 5 * time.Second
	a := openNode(t, net, testSigner(t, 1), cfg)
	b := openNode(t, net, testSigner(t, 2), quietConfig())
	waitPeers(t, a, b)

	splitLogs(t, net, a, b, 4)

	require.Eventually(t, func() bool {
		a.mock.Add(cfg.SyncInterval)
		net.Wait()
		return a.Log().Len() == 8 && b.Log().Len() == 8
	}, waitFor, tick)
	require.Equal(t, headHashes(a.Log()), headHashes(b.Log()))
}

func TestSyncSurvivesUnreachablePeer(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	a := openNode(t, net, testSigner(t, 1), quietConfig())
	b := openNode(t, net, testSigner(t, 2), quietConfig())
	waitPeers(t, a, b)
	splitLogs(t, net, a, b, 5)

	// A replicator a has heard from that is no longer on the network.
	ghost := testSigner(t, 9).PublicKey()
	ghostID := transport.PeerID(ghost.String())
	_, err := a.observe(ghostID, a.cfg.Compatibility)
	require.NoError(t, err)
	coverWith(t, a, 9)

	err = a.Sync(context.Background())
	require.ErrorIs(t, err, transport.ErrUnreachable)
	net.Wait()

	require.Equal(t, 10, a.Log().Len())
	require.Equal(t, 10, b.Log().Len())
	require.Equal(t, headHashes(a.Log()), headHashes(b.Log()))
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.syncFailures))
}

func TestObserverPrunesAfterSync(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	cfg := quietConfig()
	cfg.Replicate = ReplicateNone
	a := openNode(t, net, testSigner(t, 1), cfg)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := a.Append(ctx, []byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}
	coverWith(t, a, 2, 3)

	require.NoError(t, a.Sync(ctx))
	require.Equal(t, 1, a.Log().Len())
	require.Len(t, a.Log().Tombstones(), 9)
	require.Equal(t, 9.0, testutil.ToFloat64(a.metrics.pruned))
}

func TestFixedReplicatorPrunesOutsideItsSegment(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	cfg := quietConfig()
	cfg.Factor = 0.05
	a := openNode(t, net, testSigner(t, 1), cfg)

	// Independent roots land on different coordinates. The merge entry
	// makes them all non-heads.
	ctx := context.Background()
	const n = 30
	for i := 0; i < n; i++ {
		_, err := a.Append(ctx, []byte(fmt.Sprintf("root%d", i)), oplog.WithNext())
		require.NoError(t, err)
	}
	_, err := a.Append(ctx, []byte("merge"))
	require.NoError(t, err)
	require.Len(t, a.Log().HeadHashes(), 1)
	coverWith(t, a, 2, 3)

	require.NoError(t, a.Sync(ctx))
	kept := a.Log().Len()
	require.Less(t, kept, n+1)
	require.Len(t, a.Log().Tombstones(), n+1-kept)
	for _, e := range a.Log().Values() {
		require.True(t, a.IsReplicator(e) || isHead(a, e), "kept %s outside the segment", e.Hash())
	}
	require.Equal(t, float64(n+1-kept), testutil.ToFloat64(a.metrics.pruned))
}

func TestFixedReplicatorKeepsUnderReplicatedEntries(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	cfg := quietConfig()
	cfg.Factor = 0.05
	a := openNode(t, net, testSigner(t, 1), cfg)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := a.Append(ctx, []byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}
	coverWith(t, a, 2)

	require.NoError(t, a.Sync(ctx))
	require.Equal(t, 10, a.Log().Len())
}
