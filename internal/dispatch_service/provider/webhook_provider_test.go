package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/config"
)

func TestWebhookProvider_Send_SignsBody(t *testing.T) {
	secret := []byte("s3cret")
	var gotSig string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewWebhookProvider(logger, config.WebhookConfig{SigningSecret: string(secret)}, server.Client())

	res, err := p.Send(context.Background(), &OutboundMessage{
		CommunicationID: "c-9",
		Channel:         domain.TypeWebhook,
		Recipients:      []domain.Recipient{{Address: server.URL + "/hooks"}},
		Content:         domain.Content{Data: map[string]interface{}{"event": "lease.signed"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProviderMessageID)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "lease.signed", body["event"])

	claims, err := VerifySignature(secret, gotSig, gotBody)
	require.NoError(t, err)
	assert.Equal(t, "c-9", claims.CommunicationID)

	_, err = VerifySignature(secret, gotSig, []byte(`{"tampered":true}`))
	assert.Error(t, err)
	_, err = VerifySignature([]byte("other"), gotSig, gotBody)
	assert.Error(t, err)
}

func TestWebhookProvider_Send_Classification(t *testing.T) {
	status := http.StatusGone
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewWebhookProvider(logger, config.WebhookConfig{}, server.Client())
	msg := &OutboundMessage{Recipients: []domain.Recipient{{Address: server.URL}}, Content: domain.Content{Body: "x"}}

	_, err := p.Send(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	status = http.StatusServiceUnavailable
	_, err = p.Send(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	_, err = p.Send(context.Background(), &OutboundMessage{Recipients: []domain.Recipient{{Address: "ftp://nope"}}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestHTTPPushProvider_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "high", req.Priority)
		assert.Equal(t, []string{"tok-1"}, req.Tokens)
		if req.Tokens[0] == "tok-1" {
			_ = json.NewEncoder(w).Encode(PushResponseBody{ID: "push-1", Success: 1})
		}
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewHTTPPushProvider(logger, config.HTTPPushConfig{BaseURL: server.URL}, server.Client())
	res, err := p.Send(context.Background(), &OutboundMessage{
		Recipients: []domain.Recipient{{Address: "tok-1"}},
		Priority:   domain.PriorityUrgent,
		Content:    domain.Content{Title: "Maintenance", Body: "Water off at 2pm"},
	})
	require.NoError(t, err)
	assert.Equal(t, "push-1", res.ProviderMessageID)

	_, err = p.Send(context.Background(), &OutboundMessage{Recipients: []domain.Recipient{{Address: "tok-1"}}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
