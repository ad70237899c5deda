package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	net := NewMemNetwork(nil)
	a, b, c := net.Join("a"), net.Join("b"), net.Join("c")

	var mu sync.Mutex
	got := map[PeerID][]string{}
	record := func(self PeerID) Handler {
		return func(_ context.Context, from PeerID, data []byte) {
			mu.Lock()
			got[self] = append(got[self], string(from)+":"+string(data))
			mu.Unlock()
		}
	}
	_, err := a.Subscribe("t", record("a"))
	require.NoError(t, err)
	cancelB, err := b.Subscribe("t", record("b"))
	require.NoError(t, err)
	_, err = c.Subscribe("other", record("c"))
	require.NoError(t, err)

	require.Equal(t, []PeerID{"b"}, a.Peers("t"))
	require.Equal(t, []PeerID{"a", "b"}, c.Peers("t"))

	require.NoError(t, a.Publish(context.Background(), "t", []byte("hi")))
	net.Wait()
	mu.Lock()
	require.Equal(t, []string{"a:hi"}, got["b"])
	require.Empty(t, got["a"], "publishers do not receive their own messages")
	require.Empty(t, got["c"])
	mu.Unlock()

	cancelB()
	require.NoError(t, a.Publish(context.Background(), "t", []byte("again")))
	net.Wait()
	mu.Lock()
	require.Len(t, got["b"], 1)
	mu.Unlock()
}

func TestWaitCoversDeliveriesStartedByHandlers(t *testing.T) {
	net := NewMemNetwork(nil)
	a, b, c := net.Join("a"), net.Join("b"), net.Join("c")

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("first", func(ctx context.Context, _ PeerID, data []byte) {
		time.Sleep(5 * time.Millisecond)
		_ = b.Publish(ctx, "second", data)
	})
	require.NoError(t, err)
	_, err = c.Subscribe("second", func(_ context.Context, from PeerID, data []byte) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		got = append(got, string(from)+":"+string(data))
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Publish(context.Background(), "first", []byte("x")))
		var wg sync.WaitGroup
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				net.Wait()
			}()
		}
		wg.Wait()
		mu.Lock()
		require.Len(t, got, i+1)
		mu.Unlock()
	}
}

func TestDropFilter(t *testing.T) {
	net := NewMemNetwork(nil)
	a, b := net.Join("a"), net.Join("b")
	var count int
	var mu sync.Mutex
	_, err := b.Subscribe("t", func(context.Context, PeerID, []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	net.SetDropFilter(func(from, to PeerID, topic string) bool { return to == "b" })
	require.NoError(t, a.Publish(context.Background(), "t", nil))
	net.Wait()
	mu.Lock()
	require.Zero(t, count)
	mu.Unlock()

	_, err = b.HandleRequests("rpc", func(context.Context, PeerID, []byte) ([]byte, error) { return nil, nil })
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Request(ctx, "b", "rpc", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequest(t *testing.T) {
	net := NewMemNetwork(nil)
	a, b := net.Join("a"), net.Join("b")

	boom := errors.New("boom")
	_, err := b.HandleRequests("echo", func(_ context.Context, from PeerID, data []byte) ([]byte, error) {
		if string(data) == "fail" {
			return nil, boom
		}
		return append([]byte(string(from)+">"), data...), nil
	})
	require.NoError(t, err)
	_, err = b.HandleRequests("echo", nil)
	require.Error(t, err)

	resp, err := a.Request(context.Background(), "b", "echo", []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "a>ping", string(resp))

	_, err = a.Request(context.Background(), "b", "echo", []byte("fail"))
	require.ErrorIs(t, err, boom)

	_, err = a.Request(context.Background(), "b", "missing", nil)
	require.ErrorIs(t, err, ErrUnreachable)
	_, err = a.Request(context.Background(), "nobody", "echo", nil)
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestRequestTimeout(t *testing.T) {
	net := NewMemNetwork(nil)
	a, b := net.Join("a"), net.Join("b")
	release := make(chan struct{})
	_, err := b.HandleRequests("slow", func(ctx context.Context, _ PeerID, _ []byte) ([]byte, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Request(ctx, "b", "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	net.Wait()
}

func TestClose(t *testing.T) {
	net := NewMemNetwork(nil)
	a, b := net.Join("a"), net.Join("b")
	_, err := b.Subscribe("t", func(context.Context, PeerID, []byte) {})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	require.Empty(t, a.Peers("t"))
	_, err = a.Request(context.Background(), "b", "t", nil)
	require.ErrorIs(t, err, ErrUnreachable)
	require.ErrorIs(t, b.Publish(context.Background(), "t", nil), ErrClosed)
	_, err = b.Subscribe("t", nil)
	require.ErrorIs(t, err, ErrClosed)
}
