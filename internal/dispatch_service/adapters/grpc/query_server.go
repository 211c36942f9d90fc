package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
)

// CommunicationReader loads a communication by ID.
type CommunicationReader interface {
	GetByID(ctx context.Context, id string) (*domain.Communication, error)
}

// BulkReader returns a bulk with freshly computed progress.
type BulkReader interface {
	Refresh(ctx context.Context, bulkID string) (*domain.BulkCommunication, error)
}

// ProviderLookup finds a registered adapter by name.
type ProviderLookup interface {
	Get(name string) (provider.Adapter, bool)
}

// ProviderBalance is the GetProviderBalance response body.
type ProviderBalance struct {
	Provider  string                   `json:"provider"`
	Channel   domain.CommunicationType `json:"channel"`
	Balance   float64                  `json:"balance"`
	CheckedAt time.Time                `json:"checkedAt"`
}

// DispatchQueryGRPCServer serves read-only lookups to other services.
type DispatchQueryGRPCServer struct {
	comms     CommunicationReader
	bulks     BulkReader
	providers ProviderLookup
	logger    *slog.Logger
}

func NewDispatchQueryGRPCServer(comms CommunicationReader, bulks BulkReader, providers ProviderLookup, logger *slog.Logger) *DispatchQueryGRPCServer {
	return &DispatchQueryGRPCServer{
		comms:     comms,
		bulks:     bulks,
		providers: providers,
		logger:    logger.With("component", "dispatch_query_grpc_server"),
	}
}

func (s *DispatchQueryGRPCServer) GetCommunication(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, status.Errorf(codes.InvalidArgument, "communication id is required")
	}
	c, err := s.comms.GetByID(ctx, id)
	if err != nil {
		return nil, s.toStatus(ctx, err, "communication", id)
	}
	return s.encode(ctx, c)
}

func (s *DispatchQueryGRPCServer) GetBulk(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, status.Errorf(codes.InvalidArgument, "bulk id is required")
	}
	b, err := s.bulks.Refresh(ctx, id)
	if err != nil {
		return nil, s.toStatus(ctx, err, "bulk", id)
	}
	return s.encode(ctx, b)
}

func (s *DispatchQueryGRPCServer) GetProviderBalance(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	name := req.GetValue()
	a, ok := s.providers.Get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "provider %q is not registered", name)
	}
	bc, ok := a.(provider.BalanceChecker)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "provider %q does not report a balance", name)
	}
	balance, err := bc.GetBalance(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Provider balance lookup failed", "provider", name, "error", err)
		return nil, status.Errorf(codes.Unavailable, "balance lookup failed: %v", err)
	}
	return s.encode(ctx, ProviderBalance{Provider: name, Channel: a.Channel(), Balance: balance, CheckedAt: time.Now().UTC()})
}

func (s *DispatchQueryGRPCServer) toStatus(ctx context.Context, err error, kind, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return status.Errorf(codes.NotFound, "%s %s not found", kind, id)
	}
	s.logger.ErrorContext(ctx, "Query failed", "kind", kind, "id", id, "error", err)
	return status.Errorf(codes.Internal, "failed to load %s", kind)
}

func (s *DispatchQueryGRPCServer) encode(ctx context.Context, v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode query response", "error", err)
		return nil, status.Errorf(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.InfoContext(ctx, "gRPC call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}
