package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

func sendLost(t *testing.T, env *testEnv) string {
	t.Helper()
	ctx := context.Background()
	res, err := env.service.Send(ctx, SendRequest{
		Type:    domain.TypeSMS,
		To:      domain.SingleRecipient("+15551230001"),
		Content: domain.Content{Body: "Rent is due on Friday."},
	})
	require.NoError(t, err)
	_, err = env.queue.Next(ctx)
	require.NoError(t, err)
	require.Zero(t, env.queue.Len())
	return res.CommunicationID
}

func failWithDueRetry(t *testing.T, env *testEnv, id string, attempt int) {
	t.Helper()
	due := time.Now().Add(-time.Minute)
	_, err := env.comms.Transition(context.Background(), id, repository.StatusUpdate{
		From:        []domain.Status{domain.StatusQueued},
		To:          domain.StatusFailed,
		Error:       &domain.CommError{Code: "PROVIDER_TIMEOUT", Message: "gateway timed out"},
		RetryCount:  &attempt,
		NextRetryAt: &due,
	})
	require.NoError(t, err)
}

func TestDispatcher_RecoverLostQueuedJob(t *testing.T) {
	env := newTestEnv(t, domain.TypeSMS)
	ctx := context.Background()
	id := sendLost(t, env)

	_, err := env.dispatcher.Recover(ctx, env.get(t, id))
	require.NoError(t, err)

	job, err := env.queue.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, job.Attempt)
	require.NoError(t, env.pool.Process(ctx, job))

	got := env.get(t, id)
	assert.Equal(t, domain.StatusSent, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, env.mock.Calls())
}

func TestDispatcher_RecoverDueRetryAfterRestart(t *testing.T) {
	env := newTestEnv(t, domain.TypeSMS)
	ctx := context.Background()
	id := sendLost(t, env)
	failWithDueRetry(t, env, id, 1)
	snapshot := env.get(t, id)

	_, err := env.dispatcher.Recover(ctx, snapshot)
	require.NoError(t, err)

	requeued := env.get(t, id)
	assert.Equal(t, domain.StatusQueued, requeued.Status)
	assert.Equal(t, 2, requeued.RetryCount)
	assert.Nil(t, requeued.Error)
	assert.Nil(t, requeued.NextRetryAt)

	job, err := env.queue.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt)
	require.NoError(t, env.pool.Process(ctx, job))
	assert.Equal(t, domain.StatusSent, env.get(t, id).Status)

	_, err = env.dispatcher.Recover(ctx, snapshot)
	assert.ErrorIs(t, err, domain.ErrTransitionConflict, "a second sweep over the same snapshot loses the conditional update")
	assert.Zero(t, env.queue.Len())
}

func TestDispatcher_RecoverEnqueueFailureLeavesRecordQueued(t *testing.T) {
	env := newTestEnv(t, domain.TypeSMS)
	ctx := context.Background()
	id := sendLost(t, env)
	failWithDueRetry(t, env, id, 1)

	flaky := &flakyQueue{inner: env.queue, failOn: map[int]bool{0: true}}
	d := NewDispatcher(env.comms, flaky, discardLogger())

	_, err := d.Recover(ctx, env.get(t, id))
	require.Error(t, err)
	stuck := env.get(t, id)
	assert.Equal(t, domain.StatusQueued, stuck.Status)
	assert.Equal(t, 2, stuck.RetryCount)

	_, err = d.Recover(ctx, stuck)
	require.NoError(t, err)
	job, err := env.queue.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt, "the stale queued record is resent as the same attempt")
}

func TestDispatcher_RecoverRejectsSettledRecords(t *testing.T) {
	env := newTestEnv(t, domain.TypeSMS)
	ctx := context.Background()
	id := sendLost(t, env)

	final := 3
	_, err := env.comms.Transition(ctx, id, repository.StatusUpdate{
		From:       []domain.Status{domain.StatusQueued},
		To:         domain.StatusFailed,
		Error:      &domain.CommError{Code: "INVALID_RECIPIENT", Message: "unreachable"},
		RetryCount: &final,
	})
	require.NoError(t, err)

	_, err = env.dispatcher.Recover(ctx, env.get(t, id))
	assert.ErrorIs(t, err, domain.ErrTransitionConflict, "failed without a pending retry is final")

	c := env.get(t, id)
	c.Status = domain.StatusSent
	_, err = env.dispatcher.Recover(ctx, c)
	assert.ErrorIs(t, err, domain.ErrTransitionConflict)
	assert.Zero(t, env.queue.Len())
}
