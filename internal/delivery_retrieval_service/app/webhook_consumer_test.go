package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository/memory"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
)

type memoryDeduper struct {
	seen map[string]bool
}

func (d *memoryDeduper) FirstSeen(_ context.Context, key string) bool {
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

func (d *memoryDeduper) Forget(_ context.Context, key string) {
	delete(d.seen, key)
}

func publishRaw(t *testing.T, broker *messagebroker.InMemoryBroker, providerName, contentType, body string) {
	t.Helper()
	data, err := json.Marshal(domain.RawWebhook{
		ContentType: contentType,
		Body:        []byte(body),
		ReceivedAt:  time.Now().UTC(),
		RequestID:   "req-1",
	})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), "comms.webhooks.raw."+providerName, data))
}

func newConsumer(t *testing.T, repo *memory.CommunicationRepository, dedupe Deduper) (*WebhookConsumer, *messagebroker.InMemoryBroker) {
	t.Helper()
	broker := messagebroker.NewInMemoryBroker()
	c := NewWebhookConsumer(broker, NewTranslators(), NewReconciler(repo, nil, testLogger()), dedupe,
		"comms.webhooks.raw", "delivery-retrieval", testLogger())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, broker
}

func TestWebhookConsumer_AppliesGenericWebhook(t *testing.T) {
	repo := memory.NewCommunicationRepository()
	seedSent(t, repo, "c1", "generic", "m-1")
	dedupe := &memoryDeduper{seen: map[string]bool{}}
	_, broker := newConsumer(t, repo, dedupe)

	body := `{"messageId":"m-1","event_type":"delivery","timestamp":"2026-05-04T09:05:00Z"}`
	publishRaw(t, broker, "generic", "application/json", body)

	c := get(t, repo, "c1")
	assert.Equal(t, domain.StatusDelivered, c.Status)
	require.NotNil(t, c.DeliveredAt)
	assert.True(t, sentAt.Add(5*time.Minute).Equal(*c.DeliveredAt))

	publishRaw(t, broker, "generic", "application/json", body)
	assert.Len(t, dedupe.seen, 1)
	assert.Equal(t, c.UpdatedAt, get(t, repo, "c1").UpdatedAt)
}

func TestWebhookConsumer_SendGridBatch(t *testing.T) {
	repo := memory.NewCommunicationRepository()
	seedSent(t, repo, "c1", "sendgrid", "abc")
	seedSent(t, repo, "c2", "sendgrid", "def")
	_, broker := newConsumer(t, repo, nil)

	publishRaw(t, broker, "sendgrid", "application/json", `[
		{"event":"processed","sg_message_id":"abc.filter1"},
		{"event":"delivered","sg_message_id":"abc.filter1"},
		{"event":"dropped","sg_message_id":"def.filter1","reason":"Bounced Address"},
		{"event":"delivered","sg_message_id":"unknown.filter1"}
	]`)

	assert.Equal(t, domain.StatusDelivered, get(t, repo, "c1").Status)
	c2 := get(t, repo, "c2")
	assert.Equal(t, domain.StatusBounced, c2.Status)
	assert.Equal(t, "Bounced Address", c2.Error.Message)
}

func TestWebhookConsumer_BadPayloadsAreDropped(t *testing.T) {
	repo := memory.NewCommunicationRepository()
	seedSent(t, repo, "c1", "twilio", "SM1")
	_, broker := newConsumer(t, repo, nil)

	require.NoError(t, broker.Publish(context.Background(), "comms.webhooks.raw.twilio", []byte("not json")))
	publishRaw(t, broker, "twilio", "application/x-www-form-urlencoded", "MessageStatus=delivered")
	assert.Equal(t, domain.StatusSent, get(t, repo, "c1").Status)

	publishRaw(t, broker, "twilio", "application/x-www-form-urlencoded", "MessageSid=SM1&MessageStatus=delivered")
	assert.Equal(t, domain.StatusDelivered, get(t, repo, "c1").Status)
}

func TestWebhookConsumer_UncorrelatedEventIsRetriedOnRedelivery(t *testing.T) {
	repo := memory.NewCommunicationRepository()
	dedupe := &memoryDeduper{seen: map[string]bool{}}
	_, broker := newConsumer(t, repo, dedupe)

	body := `{"messageId":"m-early","event_type":"delivery","timestamp":"2026-05-04T09:05:00Z"}`
	publishRaw(t, broker, "generic", "application/json", body)
	assert.Empty(t, dedupe.seen, "an event that matched nothing is not remembered")

	seedSent(t, repo, "c-early", "generic", "m-early")
	publishRaw(t, broker, "generic", "application/json", body)
	assert.Equal(t, domain.StatusDelivered, get(t, repo, "c-early").Status)
	assert.Len(t, dedupe.seen, 1)

	publishRaw(t, broker, "generic", "application/json", body)
	assert.Len(t, dedupe.seen, 1)
}

func TestWebhookConsumer_StaleEventStaysDeduplicated(t *testing.T) {
	repo := memory.NewCommunicationRepository()
	seedSent(t, repo, "c1", "generic", "m-1")
	dedupe := &memoryDeduper{seen: map[string]bool{}}
	_, broker := newConsumer(t, repo, dedupe)

	publishRaw(t, broker, "generic", "application/json",
		`{"messageId":"m-1","event_type":"delivery","timestamp":"2026-05-04T09:05:00Z"}`)
	require.Equal(t, domain.StatusDelivered, get(t, repo, "c1").Status)

	publishRaw(t, broker, "generic", "application/json",
		`{"messageId":"m-1","event_type":"bounce","timestamp":"2026-05-04T09:06:00Z"}`)
	assert.Len(t, dedupe.seen, 2, "a stale event is remembered")
	assert.Equal(t, domain.StatusDelivered, get(t, repo, "c1").Status)
}
