package grpccas

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"xdao.co/peerlog/storage"
)

// statusCodes maps storage sentinels to the codes the server sends.
var statusCodes = []struct {
	code codes.Code
	err  error
}{
	{codes.NotFound, storage.ErrNotFound},
	{codes.InvalidArgument, storage.ErrInvalidCID},
	{codes.DataLoss, storage.ErrCIDMismatch},
	{codes.AlreadyExists, storage.ErrImmutable},
}

// toStatus converts a storage error. ok is false for errors without a code.
func toStatus(err error) (st error, ok bool) {
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return status.Error(sc.code, err.Error()), true
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error()), true
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error()), true
	}
	return status.Error(codes.Internal, err.Error()), false
}

// fromStatus converts an RPC error back into a storage or context error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, sc := range statusCodes {
		if st.Code() == sc.code {
			return sc.err
		}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("grpccas: %s: %w", st.Message(), context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("grpccas: %s: %w", st.Message(), context.Canceled)
	}
	return err
}
