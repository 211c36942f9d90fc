package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
)

// WebhookConsumer reads raw provider callbacks from <prefix>.<provider>,
// translates them and hands each event to the reconciler.
type WebhookConsumer struct {
	client      messagebroker.NATSClient
	translators *Translators
	reconciler  *Reconciler
	deduper     Deduper
	prefix      string
	queueGroup  string
	logger      *slog.Logger
	sub         messagebroker.Subscription
}

func NewWebhookConsumer(
	client messagebroker.NATSClient,
	translators *Translators,
	reconciler *Reconciler,
	deduper Deduper,
	subjectPrefix, queueGroup string,
	logger *slog.Logger,
) *WebhookConsumer {
	return &WebhookConsumer{
		client:      client,
		translators: translators,
		reconciler:  reconciler,
		deduper:     deduper,
		prefix:      subjectPrefix,
		queueGroup:  queueGroup,
		logger:      logger.With("component", "webhook_consumer"),
	}
}

func (c *WebhookConsumer) Start(ctx context.Context) error {
	subject := c.prefix + ".*"
	sub, err := c.client.SubscribeToSubjectWithQueue(ctx, subject, c.queueGroup, func(msg messagebroker.Message) {
		c.handleMessage(context.WithoutCancel(ctx), msg)
	})
	if err != nil {
		return err
	}
	c.sub = sub
	c.logger.InfoContext(ctx, "Consuming raw webhooks", "subject", subject, "queue_group", c.queueGroup)
	return nil
}

func (c *WebhookConsumer) Stop() {
	if c.sub == nil {
		return
	}
	if err := c.sub.Drain(); err != nil {
		c.logger.Warn("Failed to drain webhook subscription", "error", err)
	}
}

func (c *WebhookConsumer) handleMessage(ctx context.Context, msg messagebroker.Message) {
	providerName := strings.TrimPrefix(msg.Subject, c.prefix+".")
	if providerName == "" || strings.ContainsAny(providerName, ".*>") {
		c.logger.ErrorContext(ctx, "Cannot determine provider from subject", "subject", msg.Subject)
		return
	}
	natsMessagesReceivedCounter.WithLabelValues(providerName).Inc()

	var raw domain.RawWebhook
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		c.logger.ErrorContext(ctx, "Failed to decode raw webhook envelope", "subject", msg.Subject, "error", err)
		return
	}
	if raw.Provider == "" {
		raw.Provider = providerName
	}
	c.Process(ctx, raw)
}

// Process translates one raw callback and reconciles each event in it. Failures
// are logged; nothing is returned because the provider was already acknowledged.
func (c *WebhookConsumer) Process(ctx context.Context, raw domain.RawWebhook) {
	log := c.logger.With("provider", raw.Provider, "request_id", raw.RequestID)
	payloads, err := c.translators.For(raw.Provider).Translate(raw.Body, raw.ContentType)
	if err != nil {
		log.ErrorContext(ctx, "Failed to translate webhook", "error", err, "body_len", len(raw.Body))
		webhookEventsCounter.WithLabelValues(raw.Provider, "unparsed", OutcomeError).Inc()
		return
	}

	for _, p := range payloads {
		ev, ok := c.reconciler.Canonicalize(ctx, raw.Provider, p)
		if !ok {
			continue
		}
		key := DedupeKey(ev)
		if c.deduper != nil && !c.deduper.FirstSeen(ctx, key) {
			log.DebugContext(ctx, "Duplicate delivery event skipped", "event", ev.Event, "provider_msg_id", ev.ProviderMessageID)
			webhookEventsCounter.WithLabelValues(raw.Provider, string(ev.Event), OutcomeDuplicate).Inc()
			continue
		}
		_, err := c.reconciler.Apply(ctx, ev)
		if err == nil || errors.Is(err, domain.ErrStaleTransition) {
			continue
		}
		// Only applied, no-op and stale events stay marked; anything else may
		// succeed on redelivery.
		if c.deduper != nil {
			c.deduper.Forget(ctx, key)
		}
		if !errors.Is(err, domain.ErrUnknownCorrelation) {
			log.ErrorContext(ctx, "Delivery event not applied", "event", ev.Event, "error", err)
		}
	}
}
