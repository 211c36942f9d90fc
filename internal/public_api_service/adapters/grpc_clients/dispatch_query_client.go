package grpc_clients

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	dispatchgrpc "github.com/rentdesk/comms_services/internal/dispatch_service/adapters/grpc"
)

// DispatchQueryClient reads records and provider balances from the dispatch service.
type DispatchQueryClient struct {
	conn   *grpc.ClientConn
	client *dispatchgrpc.QueryClient
	logger *slog.Logger
}

func NewDispatchQueryClient(targetURL string, logger *slog.Logger) (*DispatchQueryClient, error) {
	conn, err := grpc.NewClient(targetURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch query client for %s: %w", targetURL, err)
	}
	logger.Info("Dispatch query client configured", "target", targetURL)
	return NewDispatchQueryClientFromConn(conn, logger), nil
}

// NewDispatchQueryClientFromConn wraps an existing connection. Close closes it.
func NewDispatchQueryClientFromConn(conn *grpc.ClientConn, logger *slog.Logger) *DispatchQueryClient {
	return &DispatchQueryClient{
		conn:   conn,
		client: dispatchgrpc.NewQueryClient(conn),
		logger: logger.With("client", "dispatch_query"),
	}
}

func (c *DispatchQueryClient) GetProviderBalance(ctx context.Context, providerName string) (*dispatchgrpc.ProviderBalance, error) {
	var out dispatchgrpc.ProviderBalance
	if err := c.client.Call(ctx, "GetProviderBalance", providerName, &out); err != nil {
		c.logger.WarnContext(ctx, "GetProviderBalance failed", "provider", providerName, "error", err)
		return nil, err
	}
	return &out, nil
}

func (c *DispatchQueryClient) GetCommunication(ctx context.Context, id string) (*domain.Communication, error) {
	var out domain.Communication
	if err := c.client.Call(ctx, "GetCommunication", id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *DispatchQueryClient) Close() error {
	return c.conn.Close()
}
