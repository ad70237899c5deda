package casregistry

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"

	"xdao.co/peerlog/storage"
)

type nopCAS struct{ storage.CAS }

func testBackend(name string, usage Usage) Backend {
	return Backend{
		Name:          name,
		Usage:         usage,
		RegisterFlags: func(fs *flag.FlagSet) { fs.String(name+"-dir", "", "") },
		Open:          func() (storage.CAS, func() error, error) { return nopCAS{}, nil, nil },
	}
}

func TestRegister(t *testing.T) {
	require.Error(t, Register(Backend{}))
	require.Error(t, Register(Backend{Name: "x", Usage: UsageCLI}))

	require.NoError(t, Register(testBackend("test-cli", UsageCLI)))
	require.NoError(t, Register(testBackend("test-node", UsageNode|UsageDaemon)))
	require.Error(t, Register(testBackend("test-cli", UsageCLI)))

	require.Contains(t, Names(UsageCLI), "test-cli")
	require.NotContains(t, Names(UsageCLI), "test-node")

	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	RegisterFlags(fs, UsageNode)
	require.NotNil(t, fs.Lookup("test-node-dir"))
	require.Nil(t, fs.Lookup("test-cli-dir"))

	_, _, err := Open("test-cli", UsageCLI)
	require.NoError(t, err)
	_, _, err = Open("test-cli", UsageNode)
	require.ErrorContains(t, err, "is for cli, not node")
	_, _, err = Open("missing", UsageDaemon)
	require.ErrorContains(t, err, "test-node")
	_, _, err = OpenWithConfig("test-node", UsageNode, nil)
	require.ErrorContains(t, err, "config-driven")
}

func TestUsageString(t *testing.T) {
	require.Equal(t, "none", Usage(0).String())
	require.Equal(t, "cli|node", (UsageCLI | UsageNode).String())
}
