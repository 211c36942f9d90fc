package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository/memory"
	dispatchapp "github.com/rentdesk/comms_services/internal/dispatch_service/app"
)

type MockRecoverer struct {
	mock.Mock
}

func (m *MockRecoverer) Recover(ctx context.Context, c *domain.Communication) (domain.JobHandle, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(domain.JobHandle), args.Error(1)
}

func stalled(id string, status domain.Status, updatedAt time.Time, retryCount int, nextRetryAt *time.Time) *domain.Communication {
	return &domain.Communication{
		ID:          id,
		Type:        domain.TypeSMS,
		Status:      status,
		Priority:    domain.PriorityNormal,
		To:          []domain.Recipient{{Address: "+15551230001"}},
		Content:     domain.Content{Body: "Inspection on Monday"},
		RetryCount:  retryCount,
		NextRetryAt: nextRetryAt,
		CreatedAt:   updatedAt.Add(-time.Hour),
		UpdatedAt:   updatedAt,
	}
}

func byID(id string) interface{} {
	return mock.MatchedBy(func(c *domain.Communication) bool { return c.ID == id })
}

func TestStalledSendPoller_SelectsOnlyStalledRecords(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCommunicationRepository()
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	later := now.Add(time.Hour)

	for _, c := range []*domain.Communication{
		stalled("retry-due", domain.StatusFailed, now.Add(-5*time.Minute), 1, &due),
		stalled("retry-later", domain.StatusFailed, now.Add(-5*time.Minute), 1, &later),
		stalled("failed-final", domain.StatusFailed, now.Add(-time.Hour), 3, nil),
		stalled("queued-lost", domain.StatusQueued, now.Add(-30*time.Minute), 0, nil),
		stalled("queued-raced", domain.StatusQueued, now.Add(-20*time.Minute), 0, nil),
		stalled("queued-fresh", domain.StatusQueued, now.Add(-time.Minute), 0, nil),
		stalled("sending", domain.StatusSending, now.Add(-time.Hour), 0, nil),
	} {
		require.NoError(t, repo.Create(ctx, c))
	}

	recoverer := new(MockRecoverer)
	recoverer.On("Recover", mock.Anything, byID("retry-due")).Return(domain.JobHandle{ID: "retry-due:2"}, nil).Once()
	recoverer.On("Recover", mock.Anything, byID("queued-lost")).Return(domain.JobHandle{ID: "queued-lost:0"}, nil).Once()
	recoverer.On("Recover", mock.Anything, byID("queued-raced")).
		Return(domain.JobHandle{}, &domain.ConflictError{ID: "queued-raced", Current: domain.StatusSending, To: domain.StatusQueued}).Once()

	poller := NewStalledSendPoller(repo, recoverer, RecoveryConfig{VisibilityTimeout: 10 * time.Minute}, testLogger())
	poller.now = func() time.Time { return now }

	res, err := poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{Retried: 1, Requeued: 1}, res)
	recoverer.AssertExpectations(t)
}

func TestStalledSendPoller_CountsRecoveryErrors(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCommunicationRepository()
	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, stalled("queued-lost", domain.StatusQueued, now.Add(-time.Hour), 0, nil)))

	recoverer := new(MockRecoverer)
	recoverer.On("Recover", mock.Anything, byID("queued-lost")).Return(domain.JobHandle{}, errors.New("broker unavailable")).Once()

	poller := NewStalledSendPoller(repo, recoverer, RecoveryConfig{}, testLogger())
	res, err := poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	recoverer.AssertExpectations(t)
}

func TestStalledSendPoller_BatchLargerThanLimitDrainsAcrossSweeps(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCommunicationRepository()
	queue := dispatchapp.NewMemoryQueue(16)
	now := time.Now().UTC()
	due := now.Add(-time.Minute)

	require.NoError(t, repo.Create(ctx, stalled("a", domain.StatusQueued, now.Add(-time.Hour), 0, nil)))
	require.NoError(t, repo.Create(ctx, stalled("b", domain.StatusFailed, now.Add(-50*time.Minute), 1, &due)))
	require.NoError(t, repo.Create(ctx, stalled("c", domain.StatusQueued, now.Add(-40*time.Minute), 0, nil)))

	dispatcher := dispatchapp.NewDispatcher(repo, queue, testLogger())
	poller := NewStalledSendPoller(repo, dispatcher, RecoveryConfig{VisibilityTimeout: 10 * time.Minute, BatchSize: 2}, testLogger())

	res, err := poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{Retried: 1, Requeued: 1}, res)
	assert.Equal(t, 2, queue.Len())

	res, err = poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{Requeued: 1}, res, "touched records are not picked up again until they go stale")
	assert.Equal(t, 3, queue.Len())

	b, err := repo.GetByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, b.Status)
	assert.Equal(t, 2, b.RetryCount)

	res, err = poller.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{}, res)
}
