package grpccas

import (
	"context"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/storage"
)

// Server exposes a storage.CAS over the block gRPC service.
type Server struct {
	UnimplementedCASServer
	CAS storage.CAS

	// Logger is optional.
	Logger *zap.Logger
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing CAS")
	}
	b := in.GetValue()
	// Enforce the CID contract on the server side too.
	expected, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return nil, status.Error(codes.Internal, "cid computation failed")
	}
	id, err := s.CAS.Put(ctx, b)
	if err != nil {
		return nil, s.mapErr("put", err)
	}
	if id != expected {
		return nil, status.Error(codes.DataLoss, storage.ErrCIDMismatch.Error())
	}
	return wrapperspb.String(id.String()), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing CAS")
	}
	id, err := decodeCID(in)
	if err != nil {
		return nil, err
	}
	b, err := s.CAS.Get(ctx, id)
	if err != nil {
		return nil, s.mapErr("get", err)
	}
	got, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return nil, status.Error(codes.Internal, "cid computation failed")
	}
	if got != id {
		return nil, status.Error(codes.DataLoss, storage.ErrCIDMismatch.Error())
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Has(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing CAS")
	}
	id, err := decodeCID(in)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bool(s.CAS.Has(ctx, id)), nil
}

func (s *Server) Rm(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s == nil || s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing CAS")
	}
	id, err := decodeCID(in)
	if err != nil {
		return nil, err
	}
	if err := s.CAS.Rm(ctx, id); err != nil {
		return nil, s.mapErr("rm", err)
	}
	return &emptypb.Empty{}, nil
}

func decodeCID(in *wrapperspb.StringValue) (cid.Cid, error) {
	id, err := cidutil.Parse(in.GetValue())
	if err != nil {
		return cid.Undef, status.Error(codes.InvalidArgument, storage.ErrInvalidCID.Error())
	}
	return id, nil
}

func (s *Server) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	st, known := toStatus(err)
	if !known && s.Logger != nil {
		s.Logger.Warn("Block operation failed", zap.String("op", op), zap.Error(err))
	}
	return st
}
