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
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/config"
)

// HTTPSMSProvider talks to a JSON SMS gateway:
//
//	POST {base}/messages   send
//	GET  {base}/messages/{id}   delivery status
//	GET  {base}/balance   account balance
type HTTPSMSProvider struct {
	logger         *slog.Logger
	httpClient     *http.Client
	name           string
	baseURL        string
	apiKey         string
	sender         string
	costPerSegment float64
}

func NewHTTPSMSProvider(logger *slog.Logger, cfg config.HTTPSMSConfig, httpClient *http.Client) *HTTPSMSProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	name := cfg.Name
	if name == "" {
		name = "sms-gateway"
	}
	return &HTTPSMSProvider{
		logger:         logger.With("provider", name),
		httpClient:     httpClient,
		name:           name,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		sender:         cfg.Sender,
		costPerSegment: cfg.CostPerSegment,
	}
}

// SMSSendRequestBody is the gateway's send request.
type SMSSendRequestBody struct {
	Messages []SMSMessage `json:"messages"`
}

type SMSMessage struct {
	Sender     string   `json:"sender"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	Encoding   string   `json:"encoding"`
	Reference  string   `json:"reference,omitempty"`
}

type SMSSendSuccessResponse struct {
	Messages []SMSSentMessageDetail `json:"messages"`
	Status   int                    `json:"status"`
	Message  string                 `json:"message"`
}

type SMSSentMessageDetail struct {
	ID        int64    `json:"id"`
	Recipient string   `json:"recipient"`
	Status    int      `json:"status"`
	Cost      *float64 `json:"cost,omitempty"`
}

type SMSErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type smsStatusResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type smsBalanceResponse struct {
	Balance float64 `json:"balance"`
}

func (p *HTTPSMSProvider) Name() string                      { return p.name }
func (p *HTTPSMSProvider) Channel() domain.CommunicationType { return domain.TypeSMS }

func (p *HTTPSMSProvider) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	providerTimer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name))
	defer providerTimer.ObserveDuration()

	if strings.TrimSpace(msg.Content.Body) == "" {
		return nil, Permanent(p.name, "EMPTY_BODY", errors.New("sms body is empty"))
	}
	encoding, segments := SMSEncoding(msg.Content.Body)
	msg.Content.Encoding = encoding
	msg.Content.Segments = segments

	reqBody := SMSSendRequestBody{
		Messages: []SMSMessage{{
			Sender:     p.sender,
			Body:       msg.Content.Body,
			Recipients: msg.Addresses(),
			Encoding:   encoding,
			Reference:  msg.CommunicationID,
		}},
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, Permanent(p.name, "ENCODE", fmt.Errorf("marshal request: %w", err))
	}

	p.logger.DebugContext(ctx, "Sending SMS request", "communication_id", msg.CommunicationID, "segments", segments, "encoding", encoding)
	respBody, status, err := p.do(ctx, http.MethodPost, p.baseURL+"/messages", reqBytes)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		errMsg := fmt.Sprintf("gateway error: status %d", status)
		var errResp SMSErrorResponse
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Message != "" {
			errMsg = fmt.Sprintf("gateway error: status %d, message: %s", status, errResp.Message)
		} else if len(respBody) > 0 && len(respBody) < 200 {
			errMsg = fmt.Sprintf("gateway error: status %d, raw_body: %s", status, string(respBody))
		}
		p.logger.WarnContext(ctx, "SMS send failed", "status_code", status, "error", errMsg, "communication_id", msg.CommunicationID)
		return nil, FromHTTPStatus(p.name, status, errors.New(errMsg))
	}

	smsSegmentsSentCounter.WithLabelValues(p.name).Add(float64(segments * len(msg.Recipients)))
	result := &SendResult{ProviderStatus: fmt.Sprintf("SENT_%d", status)}
	var okResp SMSSendSuccessResponse
	if err := json.Unmarshal(respBody, &okResp); err != nil {
		p.logger.WarnContext(ctx, "SMS accepted but response body unparsed", "status_code", status, "error", err)
		result.ProviderStatus = fmt.Sprintf("SENT_%d_UNPARSED_RESP", status)
	} else if len(okResp.Messages) > 0 {
		result.ProviderMessageID = fmt.Sprintf("%d", okResp.Messages[0].ID)
		var total float64
		var priced bool
		for _, m := range okResp.Messages {
			if m.Cost != nil {
				total += *m.Cost
				priced = true
			}
		}
		if priced {
			result.Cost = &total
		}
	}
	if result.Cost == nil && p.costPerSegment > 0 {
		c := p.costPerSegment * float64(segments*len(msg.Recipients))
		result.Cost = &c
	}
	p.logger.InfoContext(ctx, "SMS sent", "communication_id", msg.CommunicationID, "provider_msg_id", result.ProviderMessageID)
	return result, nil
}

// GetStatus maps the gateway's status words to delivery states.
func (p *HTTPSMSProvider) GetStatus(ctx context.Context, providerMessageID string) (*domain.DeliveryStatus, error) {
	body, status, err := p.do(ctx, http.MethodGet, p.baseURL+"/messages/"+url.PathEscape(providerMessageID), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &domain.DeliveryStatus{State: domain.DeliveryUnknown}, nil
	}
	if status < 200 || status >= 300 {
		return nil, FromHTTPStatus(p.name, status, fmt.Errorf("status lookup for %s", providerMessageID))
	}
	var sr smsStatusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, Transient(p.name, "DECODE", fmt.Errorf("decode status: %w", err))
	}
	now := time.Now().UTC()
	return &domain.DeliveryStatus{State: smsDeliveryState(sr.Status), ProviderStatus: sr.Status, UpdatedAt: &now}, nil
}

func (p *HTTPSMSProvider) GetBalance(ctx context.Context) (float64, error) {
	body, status, err := p.do(ctx, http.MethodGet, p.baseURL+"/balance", nil)
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, FromHTTPStatus(p.name, status, errors.New("balance lookup failed"))
	}
	var br smsBalanceResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return 0, Transient(p.name, "DECODE", fmt.Errorf("decode balance: %w", err))
	}
	return br.Balance, nil
}

func (p *HTTPSMSProvider) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, Permanent(p.name, "REQUEST", fmt.Errorf("create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, Transient(p.name, "NETWORK", fmt.Errorf("request to gateway: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, Transient(p.name, "READ", fmt.Errorf("read response (status %d): %w", resp.StatusCode, err))
	}
	return body, resp.StatusCode, nil
}

func smsDeliveryState(s string) domain.DeliveryState {
	switch strings.ToLower(s) {
	case "delivered", "delivrd":
		return domain.DeliveryDelivered
	case "undelivered", "undeliv", "rejected", "rejectd", "expired":
		return domain.DeliveryBounced
	case "failed":
		return domain.DeliveryFailed
	case "sent", "accepted", "enroute", "queued":
		return domain.DeliveryAccepted
	}
	return domain.DeliveryUnknown
}
