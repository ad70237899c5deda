package grpccas

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"xdao.co/peerlog/storage"
)

func TestStatusMapping(t *testing.T) {
	for _, err := range []error{
		storage.ErrNotFound,
		storage.ErrInvalidCID,
		storage.ErrCIDMismatch,
		storage.ErrImmutable,
		context.DeadlineExceeded,
		context.Canceled,
	} {
		st, known := toStatus(fmt.Errorf("wrapped: %w", err))
		require.True(t, known, "%v", err)
		require.ErrorIs(t, fromStatus(st), err)
	}

	st, known := toStatus(errors.New("disk on fire"))
	require.False(t, known)
	require.Equal(t, codes.Internal, status.Code(st))
	require.Equal(t, st, fromStatus(st))

	plain := errors.New("not an rpc error")
	require.Equal(t, plain, fromStatus(plain))
	require.NoError(t, fromStatus(nil))
}
