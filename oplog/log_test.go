package oplog

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/peerlog/entry"
	"xdao.co/peerlog/keys"
	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/memcas"
)

func testSigner(t *testing.T, b byte) *keys.Ed25519Signer {
	t.Helper()
	s, err := keys.NewEd25519Signer(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s
}

// orderedSigners returns two signers whose public keys sort lo < hi.
func orderedSigners(t *testing.T) (lo, hi *keys.Ed25519Signer) {
	lo, hi = testSigner(t, 1), testSigner(t, 2)
	if lo.PublicKey().Compare(hi.PublicKey()) > 0 {
		lo, hi = hi, lo
	}
	return lo, hi
}

func newLog(t *testing.T, cas storage.CAS, opts Options) *Log {
	t.Helper()
	if cas == nil {
		cas = memcas.New()
	}
	if opts.ID == "" {
		opts.ID = "test-log"
	}
	if opts.Identity == nil {
		opts.Identity = testSigner(t, 1)
	}
	l, err := Open(context.Background(), cas, opts)
	require.NoError(t, err)
	return l
}

func appendN(t *testing.T, l *Log, prefix string, n int) []*entry.Entry {
	t.Helper()
	var out []*entry.Entry
	for i := 1; i <= n; i++ {
		res, err := l.Append(context.Background(), []byte(fmt.Sprintf("%s%d", prefix, i)))
		require.NoError(t, err)
		out = append(out, res.Entry)
	}
	return out
}

func hashes(es []*entry.Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Hash().String()
	}
	return out
}

func payloads(t *testing.T, l *Log) []string {
	t.Helper()
	var out []string
	for _, e := range l.Values() {
		p, err := l.Payload(e)
		require.NoError(t, err)
		out = append(out, string(p))
	}
	return out
}

// requireCausal checks that every predecessor is present or was removed.
func requireCausal(t *testing.T, l *Log) {
	t.Helper()
	for _, e := range l.Values() {
		for _, n := range e.Meta.Next {
			require.True(t, l.Known(n), "entry %s references unknown %s", e.Hash(), n)
		}
	}
}

func TestAppend_Determinism(t *testing.T) {
	l := newLog(t, nil, Options{})
	es := appendN(t, l, "e", 10)

	require.Equal(t, 10, l.Len())
	heads := l.Heads()
	require.Len(t, heads, 1)
	require.Equal(t, es[9].Hash(), heads[0].Hash())
	for i := 1; i < len(es); i++ {
		require.Greater(t, es[i].Meta.Clock.Time, es[i-1].Meta.Clock.Time)
		require.Equal(t, []cid.Cid{es[i-1].Hash()}, es[i].Meta.Next)
		require.Equal(t, es[0].Meta.GID, es[i].Meta.GID)
	}
	require.Equal(t, hashes(es), hashes(l.Values()))
	requireCausal(t, l)
}

func TestAppend_WithNext(t *testing.T) {
	l := newLog(t, nil, Options{})
	es := appendN(t, l, "e", 2)

	fork, err := l.Append(context.Background(), []byte("fork"), WithNext(es[0]))
	require.NoError(t, err)
	require.EqualValues(t, 1, fork.Entry.Meta.Clock.Time)
	require.ElementsMatch(t, []string{es[1].Hash().String(), fork.Entry.Hash().String()}, hashes(l.Heads()))

	root, err := l.Append(context.Background(), []byte("root"), WithNext())
	require.NoError(t, err)
	require.Zero(t, root.Entry.Meta.Clock.Time)
	require.NotEqual(t, es[0].Meta.GID, root.Entry.Meta.GID)
	require.Len(t, l.Heads(), 3)

	other := newLog(t, nil, Options{ID: "other"})
	foreign := appendN(t, other, "x", 1)
	_, err = l.Append(context.Background(), []byte("bad"), WithNext(foreign[0]))
	require.True(t, IsKind(err, KindMissingAncestor), "got %v", err)
}

func TestAppend_Concurrent(t *testing.T) {
	l := newLog(t, nil, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), []byte(fmt.Sprintf("c%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 8, l.Len())
	require.Len(t, l.Heads(), 1)
	requireCausal(t, l)
}

func TestAppend_EncryptedPayload(t *testing.T) {
	reader, err := keys.GenerateBoxKeypair(bytes.NewReader(bytes.Repeat([]byte{9}, 64)))
	require.NoError(t, err)

	l := newLog(t, nil, Options{})
	res, err := l.Append(context.Background(), []byte("secret"), WithReceivers(entry.Receivers{Payload: []keys.BoxPublicKey{reader.Public}}))
	require.NoError(t, err)

	other := newLog(t, nil, Options{})
	_, err = other.Join(context.Background(), FromLog{Log: l}, JoinOptions{})
	require.NoError(t, err)
	got, ok := other.Get(res.Entry.Hash())
	require.True(t, ok)

	// Decoded copies have no plaintext cache.
	decoded, err := entry.Decode(got.Bytes())
	require.NoError(t, err)
	_, err = other.Payload(decoded)
	require.True(t, IsKind(err, KindAccess))

	withKey := newLog(t, nil, Options{Keychain: keys.NewMemoryKeychain(reader)})
	p, err := withKey.Payload(decoded)
	require.NoError(t, err)
	require.Equal(t, "secret", string(p))
}

func TestPayload_ConcurrentSealedReads(t *testing.T) {
	reader, err := keys.GenerateBoxKeypair(bytes.NewReader(bytes.Repeat([]byte{7}, 64)))
	require.NoError(t, err)
	l := newLog(t, nil, Options{})
	res, err := l.Append(context.Background(), []byte("secret"), WithReceivers(entry.Receivers{Payload: []keys.BoxPublicKey{reader.Public}}))
	require.NoError(t, err)
	decoded, err := entry.Decode(res.Entry.Bytes())
	require.NoError(t, err)

	withKey := newLog(t, nil, Options{Keychain: keys.NewMemoryKeychain(reader)})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := withKey.Payload(decoded)
			assert.NoError(t, err)
			assert.Equal(t, "secret", string(p))
		}()
	}
	wg.Wait()
}

func TestTraverse(t *testing.T) {
	l := newLog(t, nil, Options{})
	es := appendN(t, l, "e", 5)

	var seen []*entry.Entry
	l.Traverse(nil, func(e *entry.Entry) bool {
		seen = append(seen, e)
		return len(seen) < 3
	})
	require.Equal(t, hashes([]*entry.Entry{es[4], es[3], es[2]}), hashes(seen))

	seen = nil
	l.Traverse([]cid.Cid{es[1].Hash()}, func(e *entry.Entry) bool {
		seen = append(seen, e)
		return true
	})
	require.Equal(t, hashes([]*entry.Entry{es[1], es[0]}), hashes(seen))
}

func TestTrim_Length(t *testing.T) {
	l := newLog(t, nil, Options{Trim: TrimLength{From: 3, To: 1}})
	var removed []*entry.Entry
	for i := 1; i <= 10; i++ {
		res, err := l.Append(context.Background(), []byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		removed = append(removed, res.Removed...)
		require.LessOrEqual(t, l.Len(), 3)
		heads := l.Heads()
		require.Len(t, heads, 1)
		require.Equal(t, res.Entry.Hash(), heads[0].Hash())
		requireCausal(t, l)
	}
	require.NotEmpty(t, removed)

	// Trimmed entries stay out.
	res, err := l.Join(context.Background(), FromEntries(removed), JoinOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Added)
	require.LessOrEqual(t, l.Len(), 3)

	// Blocks are gone from the store too.
	require.False(t, l.BlockStore().Has(context.Background(), removed[0].Hash()))
}

func TestTrim_NeverRemovesHeads(t *testing.T) {
	l := newLog(t, nil, Options{})
	for i := 0; i < 4; i++ {
		_, err := l.Append(context.Background(), []byte(fmt.Sprintf("root%d", i)), WithNext())
		require.NoError(t, err)
	}
	removed, err := l.Trim(context.Background(), TrimLength{From: 1, To: 1})
	require.NoError(t, err)
	require.Empty(t, removed)
	require.Equal(t, 4, l.Len())
}

func TestTrim_Bytes(t *testing.T) {
	l := newLog(t, nil, Options{})
	appendN(t, l, "payload-", 6)
	before := l.ByteLength()
	per := before / 6

	removed, err := l.Trim(context.Background(), TrimBytes{Max: per * 2})
	require.NoError(t, err)
	require.NotEmpty(t, removed)
	require.LessOrEqual(t, l.ByteLength(), per*2)
	require.Len(t, l.Heads(), 1)
	requireCausal(t, l)
}

func TestCutEntryPrunesAncestry(t *testing.T) {
	l := newLog(t, nil, Options{})
	es := appendN(t, l, "e", 3)

	res, err := l.Append(context.Background(), []byte("cut"), WithType(entry.TypeCut))
	require.NoError(t, err)
	require.ElementsMatch(t, hashes(es), hashes(res.Removed))
	require.Equal(t, 1, l.Len())

	// A replica that never saw the ancestry accepts the cut on its own.
	fresh := newLog(t, nil, Options{})
	jr, err := fresh.Join(context.Background(), FromEntries{res.Entry}, JoinOptions{})
	require.NoError(t, err)
	require.Len(t, jr.Added, 1)
	require.Empty(t, jr.Missing)
}

func TestPrune_IsReversible(t *testing.T) {
	l := newLog(t, nil, Options{})
	es := appendN(t, l, "e", 3)

	removed, err := l.Prune(context.Background(), []cid.Cid{es[0].Hash(), es[2].Hash()})
	require.NoError(t, err)
	require.Equal(t, hashes(es[:1]), hashes(removed), "heads are never pruned")
	require.Equal(t, 2, l.Len())
	require.True(t, l.Known(es[0].Hash()))

	res, err := l.Join(context.Background(), FromEntries{es[0]}, JoinOptions{})
	require.NoError(t, err)
	require.Len(t, res.Added, 1)
	require.Equal(t, 3, l.Len())
}

type memHeads struct {
	mu    sync.Mutex
	heads map[string][]cid.Cid
}

func (m *memHeads) LoadHeads(_ context.Context, id string) ([]cid.Cid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads[id], nil
}

func (m *memHeads) SaveHeads(_ context.Context, id string, heads []cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heads == nil {
		m.heads = make(map[string][]cid.Cid)
	}
	m.heads[id] = heads
	return nil
}

func TestHeadsPersistence(t *testing.T) {
	ctx := context.Background()
	cas := memcas.New()
	store := &memHeads{}

	l := newLog(t, cas, Options{Heads: store})
	es := appendN(t, l, "e", 3)
	require.NoError(t, l.Close(ctx))

	_, err := l.Append(ctx, []byte("late"))
	require.ErrorIs(t, err, ErrClosed)

	reopened := newLog(t, cas, Options{Heads: store})
	require.Equal(t, 3, reopened.Len())
	if diff := cmp.Diff(hashes(es[2:]), hashes(reopened.Heads())); diff != "" {
		t.Fatalf("heads mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	l := newLog(t, nil, Options{})
	appendN(t, l, "e", 5)

	var buf bytes.Buffer
	require.NoError(t, l.Snapshot(ctx, &buf))

	restored := newLog(t, nil, Options{})
	res, err := restored.Restore(ctx, &buf)
	require.NoError(t, err)
	require.Len(t, res.Added, 5)
	require.Equal(t, hashes(l.Values()), hashes(restored.Values()))
	require.Equal(t, hashes(l.Heads()), hashes(restored.Heads()))
}

func TestOrderingInterleavesIndependentChains(t *testing.T) {
	ctx := context.Background()
	lo, hi := orderedSigners(t)
	a := newLog(t, nil, Options{Identity: lo})
	b := newLog(t, nil, Options{Identity: hi})
	appendN(t, a, "A", 11)
	appendN(t, b, "B", 11)

	agg := newLog(t, nil, Options{Identity: lo})
	_, err := agg.Join(ctx, FromLog{Log: a}, JoinOptions{})
	require.NoError(t, err)
	_, err = agg.Join(ctx, FromLog{Log: b}, JoinOptions{})
	require.NoError(t, err)

	require.Equal(t, 22, agg.Len())
	var want []string
	for i := 1; i <= 11; i++ {
		want = append(want, fmt.Sprintf("A%d", i), fmt.Sprintf("B%d", i))
	}
	require.Equal(t, want, payloads(t, agg))
	require.Len(t, agg.Heads(), 2)
}
