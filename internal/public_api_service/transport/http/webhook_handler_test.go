package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
	httptransport "github.com/rentdesk/comms_services/internal/public_api_service/transport/http"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("nats: connection closed")
}

func newWebhookServer(t *testing.T, pub httptransport.Publisher, maxBody int64) *httptest.Server {
	t.Helper()
	fwd := httptransport.NewWebhookForwarder(pub, "comms.webhooks.raw", maxBody, testLogger())
	srv := httptest.NewServer(httptransport.NewRouter(testLogger(), nil, fwd, nil))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookForwarder_PublishesRawBody(t *testing.T) {
	broker := messagebroker.NewInMemoryBroker()
	var got []messagebroker.Message
	_, err := broker.SubscribeToSubjectWithQueue(context.Background(), "comms.webhooks.raw.*", "", func(m messagebroker.Message) {
		got = append(got, m)
	})
	require.NoError(t, err)
	srv := newWebhookServer(t, broker, 0)

	form := "MessageSid=SM1&MessageStatus=delivered"
	resp, err := http.Post(srv.URL+"/v1/webhooks/Twilio", "application/x-www-form-urlencoded", strings.NewReader(form))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, got, 1)
	assert.Equal(t, "comms.webhooks.raw.twilio", got[0].Subject)
	var raw domain.RawWebhook
	require.NoError(t, json.Unmarshal(got[0].Data, &raw))
	assert.Equal(t, "twilio", raw.Provider)
	assert.Equal(t, "application/x-www-form-urlencoded", raw.ContentType)
	assert.Equal(t, form, string(raw.Body))
	assert.NotEmpty(t, raw.RequestID)
	assert.False(t, raw.ReceivedAt.IsZero())
}

func TestWebhookForwarder_AlwaysAcknowledges(t *testing.T) {
	broker := messagebroker.NewInMemoryBroker()
	var published int
	_, err := broker.SubscribeToSubjectWithQueue(context.Background(), "comms.webhooks.raw.>", "", func(messagebroker.Message) {
		published++
	})
	require.NoError(t, err)

	srv := newWebhookServer(t, broker, 16)
	resp, err := http.Post(srv.URL+"/v1/webhooks/generic", "application/json", strings.NewReader(`{"messageId":"m-1","event_type":"delivery"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "oversized body")

	resp, err = http.Post(srv.URL+"/v1/webhooks/bad.name", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "invalid provider")
	assert.Zero(t, published)

	srv = newWebhookServer(t, failingPublisher{}, 0)
	resp, err = http.Post(srv.URL+"/v1/webhooks/generic", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "broker down")
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	checks := map[string]httptransport.HealthCheck{
		"nats":     func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}
	srv := httptest.NewServer(httptransport.NewRouter(testLogger(), nil, nil, checks))
	defer srv.Close()

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "ok", body["checks"].(map[string]any)["nats"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
