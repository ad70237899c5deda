package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryKeychain(t *testing.T) {
	a, err := GenerateBoxKeypair(&deterministicReader{b: 1})
	require.NoError(t, err)
	b, err := GenerateBoxKeypair(&deterministicReader{b: 99})
	require.NoError(t, err)

	kc := NewMemoryKeychain(a)
	require.Equal(t, a, kc.EncryptionKeypair())

	_, ok := kc.AnyKeypair([]BoxPublicKey{b.Public})
	require.False(t, ok)

	kc.Add(b)
	got, ok := kc.AnyKeypair([]BoxPublicKey{b.Public, a.Public})
	require.True(t, ok)
	require.Equal(t, b, got)
	require.Equal(t, a, kc.EncryptionKeypair())
}

func TestFileKeychain(t *testing.T) {
	dir := t.TempDir()
	kc, err := NewFileKeychain(dir)
	require.NoError(t, err)

	require.Nil(t, kc.EncryptionKeypair())

	seed := make([]byte, 32)
	seed[0] = 1
	rootPub, err := kc.Init("node-a", seed, false)
	require.NoError(t, err)

	_, err = kc.Init("node-a", seed, false)
	require.Error(t, err, "existing root must not be overwritten")

	rolePub, err := kc.DeriveRole("node-a", "replicator", false)
	require.NoError(t, err)
	require.False(t, rootPub.Equal(rolePub))

	signer, err := kc.Signer("node-a", "replicator")
	require.NoError(t, err)
	require.True(t, signer.PublicKey().Equal(rolePub))

	info, err := os.Stat(filepath.Join(dir, "node-a", "root.key"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ids, err := kc.Identities()
	require.NoError(t, err)
	require.Equal(t, []string{"replicator"}, ids["node-a"])

	roleBox, err := kc.BoxKeypair("node-a", "replicator")
	require.NoError(t, err)
	got, ok := kc.AnyKeypair([]BoxPublicKey{roleBox.Public})
	require.True(t, ok)
	require.Equal(t, roleBox.Public, got.Public)
	require.NotNil(t, kc.EncryptionKeypair())
}
