package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/config"
)

// HTTPPushProvider sends notifications through a push gateway that fans a
// payload out to device tokens.
type HTTPPushProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	name       string
	baseURL    string
	apiKey     string
}

func NewHTTPPushProvider(logger *slog.Logger, cfg config.HTTPPushConfig, httpClient *http.Client) *HTTPPushProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	name := cfg.Name
	if name == "" {
		name = "push-gateway"
	}
	return &HTTPPushProvider{
		logger:     logger.With("provider", name),
		httpClient: httpClient,
		name:       name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}
}

type PushRequestBody struct {
	Tokens       []string               `json:"tokens"`
	Notification PushNotification       `json:"notification"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Priority     string                 `json:"priority,omitempty"`
}

type PushNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type PushResponseBody struct {
	ID      string `json:"id"`
	Success int    `json:"success"`
	Failure int    `json:"failure"`
	Error   string `json:"error,omitempty"`
}

func (p *HTTPPushProvider) Name() string                      { return p.name }
func (p *HTTPPushProvider) Channel() domain.CommunicationType { return domain.TypePush }

// SupportsDeliveryReports is false; the gateway only confirms acceptance.
func (p *HTTPPushProvider) SupportsDeliveryReports() bool { return false }

func (p *HTTPPushProvider) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	providerTimer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name))
	defer providerTimer.ObserveDuration()

	if msg.Content.Title == "" && msg.Content.Body == "" {
		return nil, Permanent(p.name, "EMPTY_NOTIFICATION", errors.New("push needs a title or body"))
	}
	priority := "normal"
	if msg.Priority.Elevated() {
		priority = "high"
	}
	payload, err := json.Marshal(PushRequestBody{
		Tokens:       msg.Addresses(),
		Notification: PushNotification{Title: msg.Content.Title, Body: msg.Content.Body},
		Data:         msg.Content.Data,
		Priority:     priority,
	})
	if err != nil {
		return nil, Permanent(p.name, "ENCODE", fmt.Errorf("marshal push request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent(p.name, "REQUEST", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, Transient(p.name, "NETWORK", fmt.Errorf("request to push gateway: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.WarnContext(ctx, "Push send failed", "status_code", resp.StatusCode, "communication_id", msg.CommunicationID)
		return nil, FromHTTPStatus(p.name, resp.StatusCode, fmt.Errorf("push gateway returned %d", resp.StatusCode))
	}

	var pr PushResponseBody
	if err := json.Unmarshal(body, &pr); err != nil {
		p.logger.WarnContext(ctx, "Push accepted but response body unparsed", "error", err)
		return &SendResult{ProviderStatus: fmt.Sprintf("SENT_%d_UNPARSED_RESP", resp.StatusCode)}, nil
	}
	if pr.Success == 0 && pr.Failure > 0 {
		msgText := pr.Error
		if msgText == "" {
			msgText = "all device tokens rejected"
		}
		return nil, Permanent(p.name, "INVALID_TOKENS", errors.New(msgText))
	}
	p.logger.InfoContext(ctx, "Push sent", "communication_id", msg.CommunicationID, "provider_msg_id", pr.ID, "failures", pr.Failure)
	return &SendResult{ProviderMessageID: pr.ID, ProviderStatus: fmt.Sprintf("SENT_%d", resp.StatusCode)}, nil
}
