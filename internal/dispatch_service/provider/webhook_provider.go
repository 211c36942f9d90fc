package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/config"
)

// SignatureHeader carries an HS256 JWT whose body_sha256 claim covers the request body.
const SignatureHeader = "X-Comms-Signature"

// WebhookProvider POSTs the content's data as JSON to each recipient URL.
type WebhookProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	name       string
	secret     []byte
	now        func() time.Time
}

// SignatureClaims is the payload of the signature token.
type SignatureClaims struct {
	CommunicationID string `json:"communication_id"`
	BodySHA256      string `json:"body_sha256"`
	jwt.RegisteredClaims
}

func NewWebhookProvider(logger *slog.Logger, cfg config.WebhookConfig, httpClient *http.Client) *WebhookProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	name := cfg.Name
	if name == "" {
		name = "webhook"
	}
	return &WebhookProvider{
		logger:     logger.With("provider", name),
		httpClient: httpClient,
		name:       name,
		secret:     []byte(cfg.SigningSecret),
		now:        time.Now,
	}
}

func (p *WebhookProvider) Name() string                      { return p.name }
func (p *WebhookProvider) Channel() domain.CommunicationType { return domain.TypeWebhook }
func (p *WebhookProvider) SupportsDeliveryReports() bool     { return false }

func (p *WebhookProvider) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	providerTimer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name))
	defer providerTimer.ObserveDuration()

	targets := msg.Addresses()
	if msg.WebhookURL != "" {
		targets = []string{msg.WebhookURL}
	}
	if len(targets) == 0 {
		return nil, Permanent(p.name, "NO_TARGET", errors.New("no webhook url"))
	}

	var payload interface{} = msg.Content.Data
	if msg.Content.Data == nil {
		payload = msg.Content
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(p.name, "ENCODE", fmt.Errorf("marshal webhook body: %w", err))
	}

	deliveryID := uuid.NewString()
	for _, target := range targets {
		if err := p.post(ctx, target, deliveryID, msg.CommunicationID, body); err != nil {
			return nil, err
		}
	}
	p.logger.InfoContext(ctx, "Webhook delivered", "communication_id", msg.CommunicationID, "targets", len(targets), "delivery_id", deliveryID)
	return &SendResult{ProviderMessageID: deliveryID, ProviderStatus: "DELIVERED_2XX"}, nil
}

func (p *WebhookProvider) post(ctx context.Context, target, deliveryID, communicationID string, body []byte) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Permanent(p.name, "INVALID_URL", fmt.Errorf("invalid webhook url %q", target))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Permanent(p.name, "REQUEST", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Comms-Delivery-Id", deliveryID)
	if len(p.secret) > 0 {
		sig, err := p.Sign(communicationID, body)
		if err != nil {
			return Permanent(p.name, "SIGN", err)
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Transient(p.name, "NETWORK", fmt.Errorf("post to %s: %w", u.Host, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FromHTTPStatus(p.name, resp.StatusCode, fmt.Errorf("%s responded %d", u.Host, resp.StatusCode))
	}
	return nil
}

// Sign returns the signature token for body.
func (p *WebhookProvider) Sign(communicationID string, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	now := p.now()
	claims := SignatureClaims{
		CommunicationID: communicationID,
		BodySHA256:      hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "comms_services",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// VerifySignature checks a token produced by Sign against body.
func VerifySignature(secret []byte, token string, body []byte) (*SignatureClaims, error) {
	claims := &SignatureClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, errors.New("signature does not match body")
	}
	return claims, nil
}
