package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

const defaultMaxWebhookBody = 1 << 20

// Publisher is the broker operation the forwarder needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// WebhookForwarder acknowledges provider callbacks immediately and hands the
// raw body to the delivery retrieval service over the broker.
type WebhookForwarder struct {
	publisher     Publisher
	subjectPrefix string
	maxBodyBytes  int64
	logger        *slog.Logger
	now           func() time.Time
}

func NewWebhookForwarder(publisher Publisher, subjectPrefix string, maxBodyBytes int64, logger *slog.Logger) *WebhookForwarder {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxWebhookBody
	}
	return &WebhookForwarder{
		publisher:     publisher,
		subjectPrefix: subjectPrefix,
		maxBodyBytes:  maxBodyBytes,
		logger:        logger.With("handler", "webhook"),
		now:           time.Now,
	}
}

func (f *WebhookForwarder) RegisterRoutes(r chi.Router) {
	r.Post("/v1/webhooks/{provider}", f.handleWebhook)
}

// handleWebhook always answers 200 so providers do not retry callbacks the
// system has already seen or cannot use.
func (f *WebhookForwarder) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := strings.ToLower(chi.URLParam(r, "provider"))
	requestID := chi_middleware.GetReqID(ctx)
	logger := f.logger.With("provider", providerName, "request_id", requestID)
	defer writeJSON(w, http.StatusOK, WebhookAck{Received: true})

	if !validProviderName(providerName) {
		logger.WarnContext(ctx, "Webhook for invalid provider name dropped")
		webhooksForwardedTotal.WithLabelValues("invalid", "rejected").Inc()
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, f.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.WarnContext(ctx, "Webhook body too large; dropped", "limit", tooLarge.Limit)
			webhooksForwardedTotal.WithLabelValues(providerName, "too_large").Inc()
			return
		}
		logger.ErrorContext(ctx, "Failed to read webhook body", "error", err)
		webhooksForwardedTotal.WithLabelValues(providerName, "read_error").Inc()
		return
	}

	data, err := json.Marshal(domain.RawWebhook{
		Provider:    providerName,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
		ReceivedAt:  f.now().UTC(),
		RequestID:   requestID,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to encode raw webhook", "error", err)
		webhooksForwardedTotal.WithLabelValues(providerName, "encode_error").Inc()
		return
	}

	subject := f.subjectPrefix + "." + providerName
	if err := f.publisher.Publish(ctx, subject, data); err != nil {
		logger.ErrorContext(ctx, "Failed to forward webhook", "subject", subject, "error", err)
		webhooksForwardedTotal.WithLabelValues(providerName, "publish_error").Inc()
		return
	}
	logger.DebugContext(ctx, "Webhook forwarded", "subject", subject, "bytes", len(body))
	webhooksForwardedTotal.WithLabelValues(providerName, "forwarded").Inc()
}

// validProviderName accepts names that form a single broker subject token.
func validProviderName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
