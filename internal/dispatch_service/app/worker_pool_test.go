package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
)

func sendEmail(t *testing.T, env *testEnv, settings domain.Settings) string {
	t.Helper()
	res, err := env.service.Send(context.Background(), SendRequest{
		Type:     domain.TypeEmail,
		To:       domain.SingleRecipient("tenant@example.com"),
		Content:  domain.Content{Subject: "Lease renewal", Text: "Your lease renews soon."},
		Settings: settings,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, res.Status)
	return res.CommunicationID
}

func TestWorkerPool_SendSuccess(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	cost := 0.002
	env.mock.Cost = &cost
	id := sendEmail(t, env, domain.Settings{})

	env.drain(t)

	c := env.get(t, id)
	assert.Equal(t, domain.StatusSent, c.Status)
	assert.Equal(t, "mock", c.Provider)
	assert.NotEmpty(t, c.ProviderMessageID)
	require.NotNil(t, c.SentAt)
	require.NotNil(t, c.Cost)
	assert.Equal(t, cost, *c.Cost)
	assert.Equal(t, domain.DeliveryAccepted, c.DeliveryStatus.State)
	assert.Nil(t, c.Error)
	assert.Equal(t, 0, c.RetryCount)
}

func TestWorkerPool_UnconfirmedWithoutDeliveryReports(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	id := sendEmail(t, env, domain.Settings{EnableDeliveryReports: boolPtr(false)})
	env.drain(t)
	assert.Equal(t, domain.DeliveryUnconfirmed, env.get(t, id).DeliveryStatus.State)

	env2 := newTestEnv(t, domain.TypeEmail)
	env2.mock.DeliveryReports = false
	id2 := sendEmail(t, env2, domain.Settings{})
	env2.drain(t)
	assert.Equal(t, domain.DeliveryUnconfirmed, env2.get(t, id2).DeliveryStatus.State)
}

func TestWorkerPool_FailTwiceThenSucceed(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	env.mock.FailTimes = 2
	id := sendEmail(t, env, domain.Settings{MaxRetries: intPtr(3), RetryInterval: intPtr(1)})

	ctx, cancel := context.WithCancel(context.Background())
	env.pool.Start(ctx)
	defer func() {
		cancel()
		env.pool.Stop()
	}()

	require.Eventually(t, func() bool {
		return env.get(t, id).Status == domain.StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	c := env.get(t, id)
	assert.Equal(t, 2, c.RetryCount)
	assert.Nil(t, c.Error)
	assert.Nil(t, c.NextRetryAt)
	assert.Equal(t, 3, env.mock.Calls())
	for i, msg := range env.mock.Sent() {
		assert.Equal(t, i, msg.Attempt)
	}
}

func TestWorkerPool_RetriesNeverExceedMaxRetries(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	env.mock.FailSend = true
	id := sendEmail(t, env, domain.Settings{MaxRetries: intPtr(2), RetryInterval: intPtr(1)})

	ctx, cancel := context.WithCancel(context.Background())
	env.pool.Start(ctx)
	defer func() {
		cancel()
		env.pool.Stop()
	}()

	require.Eventually(t, func() bool {
		c := env.get(t, id)
		return c.Status == domain.StatusFailed && c.NextRetryAt == nil
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	c := env.get(t, id)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, 2, c.RetryCount)
	require.NotNil(t, c.Error)
	assert.Equal(t, "MOCK_UNAVAILABLE", c.Error.Code)
	assert.Equal(t, 3, env.mock.Calls())
	assert.Zero(t, env.pool.PendingRetries())
}

func TestWorkerPool_PermanentErrorNotRetried(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	env.mock.FailSend = true
	env.mock.FailPermanently = true
	id := sendEmail(t, env, domain.Settings{})

	env.drain(t)

	c := env.get(t, id)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Nil(t, c.NextRetryAt)
	assert.Equal(t, "MOCK_REJECTED", c.Error.Code)
	assert.Zero(t, env.pool.PendingRetries())
	assert.True(t, c.Status.IsTerminal(c.RetryPending()))
}

func TestWorkerPool_TemplateNotFoundNotRetried(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	res, err := env.service.Send(context.Background(), SendRequest{
		Type:     domain.TypeEmail,
		To:       domain.SingleRecipient("tenant@example.com"),
		Template: &domain.TemplateRef{ID: "missing"},
	})
	require.NoError(t, err)

	env.drain(t)

	c := env.get(t, res.CommunicationID)
	assert.Equal(t, domain.StatusFailed, c.Status)
	require.NotNil(t, c.Error)
	assert.Equal(t, CodeTemplateNotFound, c.Error.Code)
	assert.Nil(t, c.NextRetryAt)
	assert.Zero(t, env.mock.Calls())
}

func TestWorkerPool_StoredTemplateApplied(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	env.templates.Put(&domain.Template{ID: "rent-due", Type: domain.TypeEmail, Subject: "Rent due {{ month }}", Body: "Hi {{name}}, rent is due."})
	res, err := env.service.Send(context.Background(), SendRequest{
		Type:     domain.TypeEmail,
		To:       domain.SingleRecipient("tenant@example.com"),
		Template: &domain.TemplateRef{ID: "rent-due"},
		Content:  domain.Content{Data: map[string]interface{}{"name": "Ana", "month": "May"}},
	})
	require.NoError(t, err)

	env.drain(t)

	assert.Equal(t, domain.StatusSent, env.get(t, res.CommunicationID).Status)
	sent := env.mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Rent due May", sent[0].Content.Subject)
	assert.Equal(t, "Hi Ana, rent is due.", sent[0].Content.Body)
}

func TestWorkerPool_UnknownProviderNotRetried(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	id := sendEmail(t, env, domain.Settings{Provider: "nonexistent"})

	env.drain(t)

	c := env.get(t, id)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, CodeUnknownProvider, c.Error.Code)
	assert.Nil(t, c.NextRetryAt)
}

func TestWorkerPool_TimeoutCountsAsTransientFailure(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	env.mock.SimulatedDelay = 200 * time.Millisecond
	id := sendEmail(t, env, domain.Settings{Timeout: intPtr(1), MaxRetries: intPtr(1), RetryInterval: intPtr(1000)})

	env.drain(t)

	c := env.get(t, id)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, CodeTimeout, c.Error.Code)
	assert.NotNil(t, c.NextRetryAt)
	assert.Equal(t, 1, env.pool.PendingRetries())
	env.pool.Stop()
	assert.Zero(t, env.pool.PendingRetries())
}

func TestWorkerPool_CancelWhileRetryPendingWins(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	env.mock.FailTimes = 1
	id := sendEmail(t, env, domain.Settings{RetryInterval: intPtr(30)})

	env.drain(t)
	require.True(t, env.get(t, id).RetryPending())

	ok, err := env.service.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	env.drain(t)
	c := env.get(t, id)
	assert.Equal(t, domain.StatusCancelled, c.Status)
	assert.Nil(t, c.Error)
	assert.Equal(t, 1, env.mock.Calls())
}

func TestWorkerPool_SkipsRecordsNotQueued(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	id := sendEmail(t, env, domain.Settings{})
	ok, err := env.service.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	env.drain(t)

	assert.Equal(t, domain.StatusCancelled, env.get(t, id).Status)
	assert.Zero(t, env.mock.Calls())

	require.NoError(t, env.pool.Process(context.Background(), domain.Job{CommunicationID: "missing", Type: domain.TypeEmail}))
}

func TestWorkerPool_CancelInFlightKeepsCancelled(t *testing.T) {
	env := newTestEnv(t, domain.TypeEmail)
	env.mock.SimulatedDelay = 50 * time.Millisecond
	id := sendEmail(t, env, domain.Settings{})

	next, err := env.queue.Next(context.Background())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- env.pool.Process(context.Background(), next) }()

	require.Eventually(t, func() bool {
		return env.get(t, id).Status == domain.StatusSending
	}, time.Second, time.Millisecond)
	ok, err := env.service.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, <-done)
	c := env.get(t, id)
	assert.Equal(t, domain.StatusCancelled, c.Status)
	assert.Empty(t, c.ProviderMessageID)
	assert.Equal(t, 1, env.mock.Calls())
}

func TestCommErrorFrom(t *testing.T) {
	ce := commErrorFrom(provider.Transient("smtp", "SMTP_421", assert.AnError))
	assert.Equal(t, "SMTP_421", ce.Code)
	assert.Equal(t, "PROVIDER_ERROR", commErrorFrom(assert.AnError).Code)
}
