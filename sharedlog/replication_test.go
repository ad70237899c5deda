package sharedlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"xdao.co/peerlog/transport"
)

// quietConfig disables the timer-driven work so tests drive it explicitly.
func quietConfig() Config {
	cfg := testConfig()
	cfg.ControlInterval = time.Hour
	cfg.SyncInterval = time.Hour
	cfg.DistributionDebounce = 0
	return cfg
}

func segmentTS(n *node) int64 {
	seg, _ := n.Segment()
	return seg.Timestamp
}

func TestControlTickRebalances(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	cfg := quietConfig()
	cfg.Replicate = ReplicateDynamic
	cfg.ControlInterval = 2 * time.Second
	a := openNode(t, net, testSigner(t, 1), cfg)
	b := openNode(t, net, testSigner(t, 2), cfg)
	waitPeers(t, a, b)

	// Both nodes opened alone, so both claim everything until a tick.
	require.Equal(t, 1.0, a.Factor())
	before := testutil.ToFloat64(a.metrics.announcements)

	require.Eventually(t, func() bool {
		a.mock.Add(cfg.ControlInterval)
		return a.Factor() < 1
	}, waitFor, tick)
	require.Greater(t, testutil.ToFloat64(a.metrics.announcements), before)
	require.Equal(t, 1.0, b.Factor())
}

func TestAppendBurstRebalancesOnce(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	cfg := quietConfig()
	cfg.Replicate = ReplicateDynamic
	cfg.DistributionDebounce = 500 * time.Millisecond
	a := openNode(t, net, testSigner(t, 1), cfg)

	ctx := context.Background()
	opened := segmentTS(a)
	for i := 0; i < 5; i++ {
		_, err := a.Append(ctx, []byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		a.mock.Add(100 * time.Millisecond)
	}
	require.Equal(t, opened, segmentTS(a), "appends keep pushing the deadline back")

	a.mock.Add(400 * time.Millisecond)
	require.Eventually(t, func() bool { return segmentTS(a) != opened }, waitFor, tick)
	rebalanced := segmentTS(a)

	a.mock.Add(5 * time.Second)
	require.Never(t, func() bool { return segmentTS(a) != rebalanced }, 50*time.Millisecond, tick)
}

func TestSmallFactorChangeIsNotAnnounced(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	cfg := quietConfig()
	cfg.Factor = 0.5
	cfg.AnnounceHysteresis = 0.1
	a := openNode(t, net, testSigner(t, 1), cfg)
	b := openNode(t, net, testSigner(t, 2), quietConfig())
	waitPeers(t, a, b)
	announced := func() float64 { return testutil.ToFloat64(a.metrics.announcements) }
	theirView := func() float64 {
		segs := b.Index().Segments(a.self)
		if len(segs) == 0 {
			return 0
		}
		return segs[0].Factor()
	}
	require.Equal(t, 1.0, announced())

	ctx := context.Background()
	a.cfg.Factor = 0.55
	require.NoError(t, a.Rebalance(ctx))
	net.Wait()
	require.InDelta(t, 0.55, a.Factor(), 1e-9)
	require.Equal(t, 1.0, announced())
	require.InDelta(t, 0.5, theirView(), 1e-9)

	a.cfg.Factor = 0.7
	require.NoError(t, a.Rebalance(ctx))
	net.Wait()
	require.Equal(t, 2.0, announced())
	require.Eventually(t, func() bool { return theirView() > 0.69 }, waitFor, tick)
}

func TestAnnouncementsAreRateLimited(t *testing.T) {
	net := transport.NewMemNetwork(nil)
	cfg := quietConfig()
	cfg.Factor = 0.5
	cfg.AnnounceRate = 1
	a := openNode(t, net, testSigner(t, 1), cfg)
	announced := func() float64 { return testutil.ToFloat64(a.metrics.announcements) }
	require.Equal(t, 1.0, announced())

	ctx := context.Background()
	a.cfg.Factor = 0.6
	require.NoError(t, a.Rebalance(ctx))
	require.Equal(t, 2.0, announced())

	// Same instant: the token is spent, so the change waits.
	a.cfg.Factor = 0.7
	require.NoError(t, a.Rebalance(ctx))
	require.NoError(t, a.Rebalance(ctx))
	require.Equal(t, 2.0, announced())
	require.InDelta(t, 0.7, a.Factor(), 1e-9)

	// The pending change goes out once a token is available, even though
	// the factor has not moved since.
	a.mock.Add(time.Second)
	require.NoError(t, a.Rebalance(ctx))
	require.Equal(t, 3.0, announced())

	require.NoError(t, a.Rebalance(ctx))
	require.Equal(t, 3.0, announced())
}
