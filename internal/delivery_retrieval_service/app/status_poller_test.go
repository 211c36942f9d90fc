package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository/memory"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
)

func TestStatusPoller_ResolvesFromProvider(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCommunicationRepository()
	seedSent(t, repo, "c1", "mock-email", "pm-1")
	seedSent(t, repo, "c2", "mock-email", "pm-2")
	seedSent(t, repo, "c3", "mock-email", "pm-3")
	seedSent(t, repo, "c5", "retired", "pm-5")
	seedSent(t, repo, "c4", "mock-email", "pm-4")
	c4 := get(t, repo, "c4")
	c4.ID = "c4-unconfirmed"
	c4.ProviderMessageID = "pm-4u"
	c4.DeliveryStatus.State = domain.DeliveryUnconfirmed
	require.NoError(t, repo.Create(ctx, c4))

	mock := provider.NewMockProvider(testLogger(), "mock-email", domain.TypeEmail, 0)
	mock.SetStatus("pm-1", domain.DeliveryDelivered)
	mock.SetStatus("pm-2", domain.DeliveryBounced)
	mock.SetStatus("pm-4u", domain.DeliveryDelivered)
	registry := provider.NewRegistry()
	registry.Register(mock)

	poller := NewStatusPoller(repo, registry, NewReconciler(repo, nil, testLogger()), StatusPollerConfig{}, testLogger())
	applied, err := poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	c1 := get(t, repo, "c1")
	assert.Equal(t, domain.StatusDelivered, c1.Status)
	assert.NotNil(t, c1.DeliveredAt)
	assert.Equal(t, domain.StatusBounced, get(t, repo, "c2").Status)
	assert.Equal(t, domain.StatusSent, get(t, repo, "c3").Status, "unknown state stays sent")
	assert.Equal(t, domain.StatusSent, get(t, repo, "c4").Status)
	assert.Equal(t, domain.StatusSent, get(t, repo, "c4-unconfirmed").Status, "unconfirmed records are not polled")
	assert.Equal(t, domain.StatusSent, get(t, repo, "c5").Status)

	applied, err = poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestStatusPoller_UnresolvedRecordsDoNotStarveTheBatch(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCommunicationRepository()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("unconfirmed-%d", i)
		seedSent(t, repo, id, "mock-email", "pm-"+id)
		require.NoError(t, repo.UpdateDeliveryStatus(ctx, id, []domain.Status{domain.StatusSent},
			domain.DeliveryStatus{State: domain.DeliveryUnconfirmed}))
	}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("pending-%d", i)
		seedSent(t, repo, id, "mock-email", "pm-"+id)
	}
	seedSent(t, repo, "target", "mock-email", "pm-target")

	mock := provider.NewMockProvider(testLogger(), "mock-email", domain.TypeEmail, 0)
	mock.SetStatus("pm-target", domain.DeliveryDelivered)
	registry := provider.NewRegistry()
	registry.Register(mock)

	poller := NewStatusPoller(repo, registry, NewReconciler(repo, nil, testLogger()),
		StatusPollerConfig{BatchSize: 2}, testLogger())
	clock := sentAt.Add(time.Hour)
	poller.now = func() time.Time { return clock }

	total := 0
	for i := 0; i < 3; i++ {
		applied, err := poller.Poll(ctx)
		require.NoError(t, err)
		total += applied
		clock = clock.Add(time.Minute)
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, domain.StatusDelivered, get(t, repo, "target").Status)

	pending := get(t, repo, "pending-0")
	require.NotNil(t, pending.DeliveryStatus.CheckedAt)
	assert.True(t, pending.DeliveryStatus.CheckedAt.Equal(sentAt.Add(time.Hour)))
	assert.Nil(t, get(t, repo, "unconfirmed-0").DeliveryStatus.CheckedAt, "unconfirmed records are never listed")
}
