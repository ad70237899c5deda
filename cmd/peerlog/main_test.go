package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"xdao.co/peerlog/keys"
	"xdao.co/peerlog/oplog"
	"xdao.co/peerlog/state"
	"xdao.co/peerlog/storage/localfs"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "frobnicate")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "unknown command: frobnicate")
}

func TestKeyLifecycle(t *testing.T) {
	dir := t.TempDir()
	seedHex := strings.Repeat("01", 32)
	seed, err := keys.ParseSeedHex(seedHex)
	require.NoError(t, err)
	signer, err := keys.NewEd25519Signer(seed)
	require.NoError(t, err)

	code, out, errOut := runCLI(t, "key", "init", "--dir", dir, "--name", "node1", "--seed-hex", seedHex)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, signer.PublicKey().String())

	code, _, _ = runCLI(t, "key", "init", "--dir", dir, "--name", "node1", "--seed-hex", seedHex)
	require.Equal(t, 1, code)

	code, _, errOut = runCLI(t, "key", "derive", "--dir", dir, "--from", "node1", "--role", "writer")
	require.Equal(t, 0, code, errOut)

	code, out, _ = runCLI(t, "key", "export", "--dir", dir, "--name", "node1")
	require.Equal(t, 0, code)
	require.Equal(t, signer.PublicKey().String()+"\n", out)

	code, out, _ = runCLI(t, "key", "list", "--dir", dir)
	require.Equal(t, 0, code)
	require.Equal(t, "node1\n  - writer\n", out)

	code, _, _ = runCLI(t, "key", "init", "--dir", dir, "--name", "bad/name")
	require.Equal(t, 2, code)
}

func TestLogSnapshotAndDump(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.db")
	blocksDir := filepath.Join(dir, "blocks")

	db, err := state.Open(statePath, nil)
	require.NoError(t, err)
	cas, err := localfs.New(blocksDir)
	require.NoError(t, err)
	signer, err := keys.NewEd25519Signer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	l, err := oplog.Open(ctx, cas, oplog.Options{ID: "orders", Identity: signer, Heads: db})
	require.NoError(t, err)
	for _, p := range []string{"one", "two", "three"} {
		_, err := l.Append(ctx, []byte(p))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close(ctx))
	require.NoError(t, db.Close())

	snap := filepath.Join(dir, "orders.tar")
	code, out, errOut := runCLI(t, "log", "snapshot",
		"--state", statePath, "--log-id", "orders",
		"--backend", "localfs", "--localfs-dir", blocksDir,
		"--out", snap)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "Wrote 3 entries")
	require.Contains(t, out, "1 heads")

	code, out, errOut = runCLI(t, "log", "dump", "--log-id", "orders", "--payloads", snap)
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	require.Equal(t, `    "one"`, lines[1])
	require.Equal(t, `    "two"`, lines[3])
	require.Equal(t, `    "three"`, lines[5])
	require.True(t, strings.HasPrefix(lines[4], "*"))
	require.Contains(t, errOut, "3 entries, 1 heads")
}
