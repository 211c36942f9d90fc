package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/config"
)

func TestRegistry_Select(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry()
	first := NewMockProvider(logger, "sms-a", domain.TypeSMS, 0)
	second := NewMockProvider(logger, "sms-b", domain.TypeSMS, 0)
	reg.Register(first)
	reg.Register(second)
	reg.Register(NewMockProvider(logger, "mail", domain.TypeEmail, 0))

	a, err := reg.Select(domain.TypeSMS, "")
	require.NoError(t, err)
	assert.Equal(t, "sms-a", a.Name())

	require.NoError(t, reg.SetDefault(domain.TypeSMS, "sms-b"))
	a, err = reg.Select(domain.TypeSMS, "")
	require.NoError(t, err)
	assert.Equal(t, "sms-b", a.Name())

	a, err = reg.Select(domain.TypeSMS, "sms-a")
	require.NoError(t, err)
	assert.Equal(t, "sms-a", a.Name())

	_, err = reg.Select(domain.TypeSMS, "mail")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
	_, err = reg.Select(domain.TypePush, "")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Error(t, reg.SetDefault(domain.TypePush, "mail"))

	assert.Equal(t, []string{"mail", "sms-a", "sms-b"}, reg.Names())
}

func TestNewRegistryFromConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := NewRegistryFromConfig(logger, config.ProvidersConfig{
		DefaultSMS:     "sms-gateway",
		DefaultWebhook: "webhook",
		SMS:            config.HTTPSMSConfig{Enabled: true, Name: "sms-gateway", BaseURL: "http://sms.local", Rate: config.RateLimit{PerSecond: 5, Burst: 5}},
		Webhook:        config.WebhookConfig{Enabled: true, Name: "webhook"},
		Mock:           config.MockConfig{Enabled: true},
	}, http.DefaultClient)
	require.NoError(t, err)

	sms, err := reg.Select(domain.TypeSMS, "")
	require.NoError(t, err)
	assert.Equal(t, "sms-gateway", sms.Name())
	_, isLimited := sms.(*RateLimited)
	assert.True(t, isLimited)
	_, isChecker := sms.(StatusChecker)
	assert.True(t, isChecker)

	email, err := reg.Select(domain.TypeEmail, "")
	require.NoError(t, err)
	assert.Equal(t, "mock-email", email.Name())
}

func TestRateLimited_PassesThroughAndHonoursContext(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := NewMockProvider(logger, "mock", domain.TypeSMS, 0)
	mock.DeliveryReports = false
	limited := WithRateLimit(mock, 1, 1)

	_, err := limited.Send(context.Background(), &OutboundMessage{})
	require.NoError(t, err)
	assert.False(t, SupportsDeliveryReports(limited))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.Send(ctx, &OutboundMessage{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, mock.Calls())

	assert.Same(t, mock, WithRateLimit(mock, 0, 0))
}

func TestProviderError_Classification(t *testing.T) {
	assert.True(t, IsPermanent(Permanent("p", "X", errors.New("bad"))))
	assert.False(t, IsPermanent(Transient("p", "X", errors.New("later"))))
	assert.False(t, IsPermanent(errors.New("unclassified")))
	assert.True(t, IsPermanent(FromHTTPStatus("p", http.StatusUnprocessableEntity, nil)))
	assert.False(t, IsPermanent(FromHTTPStatus("p", http.StatusTooManyRequests, nil)))
	assert.False(t, IsPermanent(FromHTTPStatus("p", http.StatusBadGateway, nil)))

	ce := Permanent("p", "", errors.New("rejected")).CommError()
	assert.Equal(t, "PROVIDER_ERROR", ce.Code)
	assert.Equal(t, "rejected", ce.Message)
}

func TestMockProvider_FailTimes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := NewMockProvider(logger, "mock", domain.TypeEmail, 0)
	mock.FailTimes = 2

	for i := 0; i < 2; i++ {
		_, err := mock.Send(context.Background(), &OutboundMessage{})
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	}
	res, err := mock.Send(context.Background(), &OutboundMessage{})
	require.NoError(t, err)

	st, err := mock.GetStatus(context.Background(), res.ProviderMessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryAccepted, st.State)
	mock.SetStatus(res.ProviderMessageID, domain.DeliveryDelivered)
	st, _ = mock.GetStatus(context.Background(), res.ProviderMessageID)
	assert.Equal(t, domain.DeliveryDelivered, st.State)
}
