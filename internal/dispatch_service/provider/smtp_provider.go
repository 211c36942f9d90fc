package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/config"
)

// Dialer abstracts net.Dialer so tests can hand the provider a pipe.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPProvider delivers email through an SMTP relay.
type SMTPProvider struct {
	logger    *slog.Logger
	name      string
	host      string
	port      int
	from      string
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

// NewSMTPProvider validates cfg and builds the provider. A nil dialer uses net.Dialer.
func NewSMTPProvider(logger *slog.Logger, cfg config.SMTPConfig, dialer Dialer) (*SMTPProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp provider: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp provider: invalid port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp provider: from address is required")
	}
	name := cfg.Name
	if name == "" {
		name = "smtp"
	}
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 30 * time.Second}
	}
	p := &SMTPProvider{
		logger:    logger.With("provider", name),
		name:      name,
		host:      cfg.Host,
		port:      cfg.Port,
		from:      strings.TrimSpace(cfg.From),
		dialer:    dialer,
		now:       time.Now,
		helloName: "localhost",
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}
	if strings.TrimSpace(cfg.Username) != "" {
		p.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return p, nil
}

func (p *SMTPProvider) Name() string                      { return p.name }
func (p *SMTPProvider) Channel() domain.CommunicationType { return domain.TypeEmail }

// SupportsDeliveryReports is false: a relay accepting the message says nothing about the inbox.
func (p *SMTPProvider) SupportsDeliveryReports() bool { return false }

func (p *SMTPProvider) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	providerTimer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name))
	defer providerTimer.ObserveDuration()

	recipients, err := normalizeEnvelopeList(uniqueAddresses(msg.Addresses()))
	if err != nil {
		return nil, Permanent(p.name, "INVALID_RECIPIENT", err)
	}
	if len(recipients) == 0 {
		return nil, Permanent(p.name, "INVALID_RECIPIENT", errors.New("at least one recipient is required"))
	}
	envelopeFrom, err := normalizeEnvelopeAddress(p.from)
	if err != nil {
		return nil, Permanent(p.name, "INVALID_SENDER", err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), p.host)
	body, err := p.buildMessage(msg, messageID)
	if err != nil {
		return nil, Permanent(p.name, "INVALID_CONTENT", err)
	}

	if err := p.deliver(ctx, envelopeFrom, recipients, body); err != nil {
		p.logger.WarnContext(ctx, "SMTP delivery failed", "communication_id", msg.CommunicationID, "error", err)
		return nil, classifySMTPError(p.name, err)
	}
	p.logger.InfoContext(ctx, "Email accepted by relay", "communication_id", msg.CommunicationID, "provider_msg_id", messageID)
	return &SendResult{ProviderMessageID: messageID, ProviderStatus: "250"}, nil
}

func (p *SMTPProvider) deliver(ctx context.Context, from string, recipients []string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, p.host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(p.helloName); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if ok, _ := client.Extension("STARTTLS"); ok && p.tlsConfig != nil {
		if err := client.StartTLS(p.tlsConfig.Clone()); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if p.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(p.auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		_ = w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("quit: %w", err)
	}
	return ctx.Err()
}

func (p *SMTPProvider) buildMessage(msg *OutboundMessage, messageID string) ([]byte, error) {
	headers := map[string]string{
		"From":         p.from,
		"To":           strings.Join(msg.Addresses(), ", "),
		"Date":         p.now().UTC().Format(time.RFC1123Z),
		"Message-Id":   messageID,
		"MIME-Version": "1.0",
	}
	if msg.Content.Subject != "" {
		headers["Subject"] = sanitizeHeaderValue(msg.Content.Subject)
	}
	if msg.CommunicationID != "" {
		headers["X-Communication-Id"] = sanitizeHeaderValue(msg.CommunicationID)
	}

	text := msg.Content.Text
	if text == "" {
		text = msg.Content.Body
	}
	html := msg.Content.HTML

	var body bytes.Buffer
	switch {
	case html != "" && text != "":
		mw := multipart.NewWriter(&body)
		headers["Content-Type"] = "multipart/alternative; boundary=" + mw.Boundary()
		for _, part := range []struct{ ctype, content string }{
			{"text/plain; charset=UTF-8", text},
			{"text/html; charset=UTF-8", html},
		} {
			pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype}})
			if err != nil {
				return nil, err
			}
			if _, err := io.WriteString(pw, normalizeBody(part.content)); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case html != "":
		headers["Content-Type"] = "text/html; charset=UTF-8"
		body.WriteString(normalizeBody(html))
	default:
		headers["Content-Type"] = "text/plain; charset=UTF-8"
		body.WriteString(normalizeBody(text))
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		if headers[k] == "" {
			continue
		}
		buf.WriteString(k + ": " + headers[k] + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// classifySMTPError treats 5xx replies as permanent and everything else,
// including network failures, as transient.
func classifySMTPError(provider string, err error) *ProviderError {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code := fmt.Sprintf("SMTP_%d", tpErr.Code)
		if tpErr.Code >= 500 {
			return Permanent(provider, code, err)
		}
		return Transient(provider, code, err)
	}
	return Transient(provider, "SMTP_UNAVAILABLE", err)
}

func normalizeBody(body string) string {
	if body == "" {
		return ""
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

func uniqueAddresses(list []string) []string {
	result := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, raw := range list {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(addr)]; ok {
			continue
		}
		seen[strings.ToLower(addr)] = struct{}{}
		result = append(result, addr)
	}
	return result
}

func normalizeEnvelopeList(addresses []string) ([]string, error) {
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		parsed, err := normalizeEnvelopeAddress(addr)
		if err != nil {
			return nil, err
		}
		result = append(result, parsed)
	}
	return result, nil
}

func normalizeEnvelopeAddress(value string) (string, error) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", value, err)
	}
	return addr.Address, nil
}
