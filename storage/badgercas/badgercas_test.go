package badgercas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/testkit"
)

func TestBadgerCAS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		cas, err := Open(InMemoryConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = cas.Close() })
		return cas
	})
}

func TestBadgerCAS_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cas, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	id, err := cas.Put(ctx, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, cas.Close())

	cas, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer cas.Close()
	got, err := cas.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "durable", string(got))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}
