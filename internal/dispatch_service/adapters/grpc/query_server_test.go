package grpc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository/memory"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
)

type staticBulks struct {
	bulks map[string]*domain.BulkCommunication
}

func (s staticBulks) Refresh(_ context.Context, id string) (*domain.BulkCommunication, error) {
	b, ok := s.bulks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

type noBalance struct{}

func (noBalance) Name() string                      { return "plain" }
func (noBalance) Channel() domain.CommunicationType { return domain.TypePush }
func (noBalance) Send(context.Context, *provider.OutboundMessage) (*provider.SendResult, error) {
	return &provider.SendResult{}, nil
}

func startServer(t *testing.T) (*QueryClient, *memory.CommunicationRepository) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	comms := memory.NewCommunicationRepository()
	registry := provider.NewRegistry()
	registry.Register(provider.NewMockProvider(logger, "mock-sms", domain.TypeSMS, 0))
	registry.Register(noBalance{})
	bulks := staticBulks{bulks: map[string]*domain.BulkCommunication{
		"bulk-1": {ID: "bulk-1", Type: domain.TypeSMS, Status: domain.BulkStatusSending, Progress: domain.Progress{Total: 4, Sent: 1, Pending: 3, Percentage: 25}},
	}}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger)))
	RegisterQueryServer(srv, NewDispatchQueryGRPCServer(comms, bulks, registry, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewQueryClient(conn), comms
}

func TestDispatchQueryGRPCServer_GetCommunication(t *testing.T) {
	client, comms := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, comms.Create(ctx, &domain.Communication{
		ID:       "comm-1",
		Type:     domain.TypeSMS,
		Status:   domain.StatusSent,
		Priority: domain.PriorityHigh,
		To:       []domain.Recipient{{Address: "+15551230001"}},
		Content:  domain.Content{Body: "hello"},
		Provider: "mock-sms",
		SentAt:   &now,
	}))

	var got domain.Communication
	require.NoError(t, client.Call(ctx, "GetCommunication", "comm-1", &got))
	assert.Equal(t, "comm-1", got.ID)
	assert.Equal(t, domain.StatusSent, got.Status)
	assert.Equal(t, "+15551230001", got.To[0].Address)
	require.NotNil(t, got.SentAt)
	assert.True(t, now.Equal(*got.SentAt))

	err := client.Call(ctx, "GetCommunication", "missing", &got)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = client.Call(ctx, "GetCommunication", "", &got)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDispatchQueryGRPCServer_GetBulk(t *testing.T) {
	client, _ := startServer(t)
	ctx := context.Background()

	var got domain.BulkCommunication
	require.NoError(t, client.Call(ctx, "GetBulk", "bulk-1", &got))
	assert.Equal(t, domain.BulkStatusSending, got.Status)
	assert.Equal(t, 25, got.Progress.Percentage)

	err := client.Call(ctx, "GetBulk", "nope", &got)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestDispatchQueryGRPCServer_GetProviderBalance(t *testing.T) {
	client, _ := startServer(t)
	ctx := context.Background()

	var got ProviderBalance
	require.NoError(t, client.Call(ctx, "GetProviderBalance", "mock-sms", &got))
	assert.Equal(t, "mock-sms", got.Provider)
	assert.Equal(t, domain.TypeSMS, got.Channel)
	assert.Equal(t, float64(1000), got.Balance)

	err := client.Call(ctx, "GetProviderBalance", "plain", &got)
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	err = client.Call(ctx, "GetProviderBalance", "ghost", &got)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
