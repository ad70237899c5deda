package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListBackends(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 0, run(context.Background(), []string{"--list-backends"}, &out, &errOut))
	require.Contains(t, out.String(), "memory\t")
	require.Contains(t, out.String(), "badger\t")
	require.NotContains(t, out.String(), "grpc\t")
}

func TestUnknownBackend(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 2, run(context.Background(), []string{"--backend", "nope", "--log-format", "json"}, &out, &errOut))
	require.Contains(t, errOut.String(), "Failed to open block store")
}

func TestBadLogFormat(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 2, run(context.Background(), []string{"--backend", "memory", "--log-format", "xml"}, &out, &errOut))
}
