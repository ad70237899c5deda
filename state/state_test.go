package state

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/keys"
	"xdao.co/peerlog/rangeindex"
)

func openDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path, nil)
	require.NoError(t, err)
	return db
}

func TestHeads(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	db := openDB(t, path)

	heads, err := db.LoadHeads(ctx, "log-a")
	require.NoError(t, err)
	require.Empty(t, heads)

	h1, err := cidutil.CIDv1RawSHA256CID([]byte("one"))
	require.NoError(t, err)
	h2, err := cidutil.CIDv1RawSHA256CID([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, db.SaveHeads(ctx, "log-a", []cid.Cid{h1, h2}))
	require.NoError(t, db.SaveHeads(ctx, "log-b", []cid.Cid{h2}))
	require.NoError(t, db.Close())

	db = openDB(t, path)
	defer db.Close()
	heads, err = db.LoadHeads(ctx, "log-a")
	require.NoError(t, err)
	require.Equal(t, []cid.Cid{h1, h2}, heads)
	heads, err = db.LoadHeads(ctx, "log-b")
	require.NoError(t, err)
	require.Equal(t, []cid.Cid{h2}, heads)

	require.NoError(t, db.SaveHeads(ctx, "log-a", nil))
	heads, err = db.LoadHeads(ctx, "log-a")
	require.NoError(t, err)
	require.Empty(t, heads)
}

func TestSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db := openDB(t, path)

	signer, err := keys.NewEd25519Signer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	owner := signer.PublicKey()

	idx, err := rangeindex.Load(db.Segments("log-a"))
	require.NoError(t, err)
	s1 := rangeindex.NewSegment(owner, 0, 0.5, time.Unix(1, 0))
	s2 := rangeindex.NewSegment(owner, 1<<63, 0.25, time.Unix(1, 0))
	for _, s := range []rangeindex.Segment{s1, s2} {
		_, err := idx.Put(s)
		require.NoError(t, err)
	}
	_, err = idx.ReplaceOwner(owner, []rangeindex.Segment{s2}, time.Unix(2, 0).UnixNano())
	require.NoError(t, err)

	other, err := db.Segments("log-b").LoadSegments()
	require.NoError(t, err)
	require.Empty(t, other)
	require.NoError(t, db.Close())

	db = openDB(t, path)
	defer db.Close()
	reloaded, err := rangeindex.Load(db.Segments("log-a"))
	require.NoError(t, err)
	require.Equal(t, []rangeindex.Segment{s2}, reloaded.All())
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("", nil)
	require.Error(t, err)
}
