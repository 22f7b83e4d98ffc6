package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/shotkeeper/internal/api"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/dmitrijs2005/shotkeeper/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *GRPCServer) Ping(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (s *GRPCServer) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, ok := userIDFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no user")
	}

	var m models.Mutation
	if err := api.DecodeStruct(req, &m); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rec, err := s.records.Submit(ctx, userID, m)
	if err != nil {
		s.logger.Info(ctx, "mutation refused", "user", userID, "item", m.ItemID, "entity", m.EntityID, "error", err.Error())
		return nil, s.toStatus(ctx, err)
	}

	resp, err := api.EncodeStruct(api.SubmitResponse{Record: rec})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func (s *GRPCServer) Fetch(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	userID, ok := userIDFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no user")
	}

	ds, err := s.records.Fetch(ctx, userID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	resp, err := api.EncodeStruct(ds)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// toStatus maps service errors onto the codes the client adapter classifies.
func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	var conflict *services.ConflictError
	var invalid *common.ValidationError
	switch {
	case errors.As(err, &conflict):
		return api.ConflictError(err.Error(), conflict.Current)
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, common.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		s.logger.Error(ctx, "backend failure", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}
