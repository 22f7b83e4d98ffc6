package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/shotkeeper/internal/api"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// GRPC talks to the reference server's SyncService.
type GRPC struct {
	endpointURL string
	accessToken string
	conn        *grpc.ClientConn
	client      api.SyncServiceClient
}

// NewGRPC prepares a client for endpointURL. The connection is established
// lazily by grpc on first use.
func NewGRPC(endpointURL, accessToken string, opts ...grpc.DialOption) (*GRPC, error) {
	g := &GRPC{endpointURL: endpointURL, accessToken: accessToken}

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(g.accessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(endpointURL, opts...)
	if err != nil {
		return nil, err
	}
	g.conn = conn
	g.client = api.NewSyncServiceClient(conn)
	return g, nil
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)
	return metadata.NewOutgoingContext(ctx, md)
}

func (g *GRPC) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if g.accessToken != "" {
		ctx = withAccessToken(ctx, g.accessToken)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (g *GRPC) Close() error {
	return g.conn.Close()
}

func (g *GRPC) Ping(ctx context.Context) error {
	if _, err := g.client.Ping(ctx, &emptypb.Empty{}); err != nil {
		return mapError(err)
	}
	return nil
}

func (g *GRPC) Submit(ctx context.Context, m models.Mutation) (json.RawMessage, error) {
	req, err := api.EncodeStruct(m)
	if err != nil {
		return nil, &RejectedError{Reason: "unencodable mutation", Err: err}
	}

	resp, err := g.client.Submit(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}

	var out api.SubmitResponse
	if err := api.DecodeStruct(resp, &out); err != nil {
		return nil, unavailable(fmt.Errorf("bad submit response: %w", err))
	}
	if string(out.Record) == "null" {
		return nil, nil
	}
	return out.Record, nil
}

// Fetch returns the dataset of the token's user; userID is only checked
// by the server through the token.
func (g *GRPC) Fetch(ctx context.Context, userID string) (*models.Dataset, error) {
	resp, err := g.client.Fetch(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, mapError(err)
	}
	var ds models.Dataset
	if err := api.DecodeStruct(resp, &ds); err != nil {
		return nil, unavailable(fmt.Errorf("bad fetch response: %w", err))
	}
	return &ds, nil
}

// mapError converts a gRPC status into the backend error classes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return unavailable(err)
	}
	switch st.Code() {
	case codes.Aborted:
		rec, _ := api.ConflictRecord(st)
		return &ConflictError{Current: rec}
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists, codes.OutOfRange:
		return &RejectedError{Reason: st.Message()}
	case codes.PermissionDenied:
		return &RejectedError{Reason: st.Message(), Err: common.ErrForbidden}
	case codes.NotFound:
		return &RejectedError{Reason: st.Message(), Err: common.ErrNotFound}
	default:
		// Unavailable, DeadlineExceeded, ResourceExhausted, Unauthenticated,
		// Internal, Unknown and the rest may succeed on a later pass.
		return unavailable(err)
	}
}
