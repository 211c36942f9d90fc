package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
)

func job(id string, p domain.Priority) domain.Job {
	return domain.Job{JobName: "sendEmail", CommunicationID: id, Type: domain.TypeEmail, Priority: p}
}

func TestMemoryQueue_PrefersElevatedLane(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(8)
	_, err := q.Enqueue(ctx, job("n1", domain.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job("l1", domain.PriorityLow))
	require.NoError(t, err)
	h, err := q.Enqueue(ctx, job("u1", domain.PriorityUrgent))
	require.NoError(t, err)
	assert.Equal(t, "u1:0", h.ID)

	var order []string
	for i := 0; i < 3; i++ {
		j, err := q.Next(ctx)
		require.NoError(t, err)
		order = append(order, j.CommunicationID)
	}
	assert.Equal(t, []string{"u1", "n1", "l1"}, order)
}

func TestMemoryQueue_NormalLaneNotStarved(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(32)
	for i := 0; i < elevatedBurst+2; i++ {
		_, err := q.Enqueue(ctx, job("h", domain.PriorityHigh))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, job("n", domain.PriorityNormal))
	require.NoError(t, err)

	for i := 0; i < elevatedBurst; i++ {
		j, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "h", j.CommunicationID)
	}
	j, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n", j.CommunicationID)
}

func TestMemoryQueue_FullDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(1)
	_, err := q.Enqueue(ctx, job("a", domain.PriorityNormal))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, job("b", domain.PriorityNormal))
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestMemoryQueue_CloseAndContext(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = q.Enqueue(context.Background(), job("a", domain.PriorityNormal))
	require.NoError(t, err)
	q.Close()
	_, err = q.Enqueue(context.Background(), job("b", domain.PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueClosed)

	j, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", j.CommunicationID)
	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestNATSQueue_BridgeDeliversToLocalQueue(t *testing.T) {
	ctx := context.Background()
	broker := messagebroker.NewInMemoryBroker()
	local := NewMemoryQueue(4)

	bridge := NewJobBridge(broker, local, "comms.jobs", "dispatch-workers", discardLogger())
	require.NoError(t, bridge.Start(ctx))
	defer bridge.Stop()

	var published []messagebroker.Message
	_, err := broker.SubscribeToSubjectWithQueue(ctx, "comms.jobs.>", "", func(m messagebroker.Message) {
		published = append(published, m)
	})
	require.NoError(t, err)

	nq := NewNATSQueue(broker, "comms.jobs", discardLogger())
	in := domain.Job{
		JobName:         domain.JobNameFor(domain.TypeSMS, true, false),
		CommunicationID: "c-1",
		BulkID:          "b-1",
		Type:            domain.TypeSMS,
		To:              []domain.Recipient{{Address: "+15551234567"}},
		Content:         domain.Content{Body: "hi"},
		Attempt:         2,
	}
	h, err := nq.Enqueue(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "c-1:2", h.ID)

	require.Len(t, published, 1)
	assert.Equal(t, "comms.jobs.sendBulkSms", published[0].Subject)
	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(published[0].Data, &wire))
	assert.Equal(t, "c-1", wire["communicationId"])
	assert.EqualValues(t, 2, wire["attempt"])

	require.Equal(t, 1, local.Len())
	out, err := local.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, in.CommunicationID, out.CommunicationID)
	assert.Equal(t, in.Attempt, out.Attempt)
	assert.Equal(t, "+15551234567", out.To[0].Address)
}
