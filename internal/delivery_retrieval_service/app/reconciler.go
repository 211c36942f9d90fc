package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

// Outcomes of handling one delivery event.
const (
	OutcomeApplied      = "applied"
	OutcomeNoop         = "noop"
	OutcomeIgnored      = "ignored"
	OutcomeUnknownEvent = "unknown_event"
	OutcomeUncorrelated = "uncorrelated"
	OutcomeStale        = "stale"
	OutcomeDuplicate    = "duplicate"
	OutcomeError        = "error"
)

const (
	defaultBounceCode  = "BOUNCED"
	defaultFailureCode = "DELIVERY_FAILED"
)

// BulkRefresher recomputes a bulk's progress after a constituent changes.
type BulkRefresher interface {
	Refresh(ctx context.Context, bulkID string) (*domain.BulkCommunication, error)
}

// Reconciler applies asynchronous delivery outcomes to stored communications.
// It only moves records forward; replays and out-of-order events are absorbed.
type Reconciler struct {
	comms  repository.CommunicationRepository
	bulks  BulkRefresher
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(comms repository.CommunicationRepository, bulks BulkRefresher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		comms:  comms,
		bulks:  bulks,
		logger: logger.With("component", "reconciler"),
		now:    time.Now,
	}
}

// Handle normalizes a canonical webhook payload and applies it. Informational
// and unrecognized events are logged and return nil.
func (r *Reconciler) Handle(ctx context.Context, providerName string, p domain.WebhookPayload) error {
	ev, ok := r.Canonicalize(ctx, providerName, p)
	if !ok {
		return nil
	}
	_, err := r.Apply(ctx, ev)
	return err
}

// Canonicalize turns a payload into a canonical event. It reports false for
// events that carry no state change.
func (r *Reconciler) Canonicalize(ctx context.Context, providerName string, p domain.WebhookPayload) (domain.CanonicalEvent, bool) {
	raw := p.RawEvent()
	event, class := normalizeEvent(raw)
	switch class {
	case eventInformational:
		r.logger.DebugContext(ctx, "Informational provider event ignored", "provider", providerName, "event", raw, "provider_msg_id", p.MessageID)
		webhookEventsCounter.WithLabelValues(providerName, "informational", OutcomeIgnored).Inc()
		return domain.CanonicalEvent{}, false
	case eventUnknown:
		r.logger.WarnContext(ctx, "Unknown provider event ignored", "provider", providerName, "event", raw, "provider_msg_id", p.MessageID)
		webhookEventsCounter.WithLabelValues(providerName, "unknown", OutcomeUnknownEvent).Inc()
		return domain.CanonicalEvent{}, false
	}
	ev := domain.CanonicalEvent{
		Provider:          providerName,
		CommunicationID:   p.CommunicationID,
		ProviderMessageID: p.MessageID,
		Event:             event,
		RawEvent:          raw,
		Error:             p.Error,
		Cost:              p.Cost.Float(),
		OccurredAt:        p.Timestamp.TimePtr(),
	}
	return ev, true
}

// Apply moves the correlated communication according to ev and returns the outcome.
// Stale events return an error wrapping domain.ErrStaleTransition; events that
// match no record return one wrapping domain.ErrUnknownCorrelation.
func (r *Reconciler) Apply(ctx context.Context, ev domain.CanonicalEvent) (string, error) {
	timer := prometheus.NewTimer(eventProcessingDurationHist.WithLabelValues(ev.Provider))
	defer timer.ObserveDuration()

	log := r.logger.With("provider", ev.Provider, "event", ev.Event, "raw_event", ev.RawEvent,
		"communication_id", ev.CommunicationID, "provider_msg_id", ev.ProviderMessageID)

	c, err := r.correlate(ctx, ev)
	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, domain.ErrUnknownCorrelation) {
			outcome = OutcomeUncorrelated
			log.WarnContext(ctx, "Delivery event matches no communication")
		} else {
			log.ErrorContext(ctx, "Failed to correlate delivery event", "error", err)
		}
		webhookEventsCounter.WithLabelValues(ev.Provider, string(ev.Event), outcome).Inc()
		return outcome, err
	}
	log = log.With("communication_id", c.ID, "status", c.Status)

	outcome, err := r.apply(ctx, c, ev)
	switch {
	case errors.Is(err, domain.ErrStaleTransition):
		outcome = OutcomeStale
		log.InfoContext(ctx, "Stale delivery event rejected", "error", err)
	case err != nil:
		outcome = OutcomeError
		log.ErrorContext(ctx, "Failed to apply delivery event", "error", err)
	case outcome == OutcomeApplied:
		log.InfoContext(ctx, "Delivery event applied")
		r.refreshBulk(ctx, c)
	default:
		log.DebugContext(ctx, "Delivery event already reflected")
	}
	webhookEventsCounter.WithLabelValues(ev.Provider, string(ev.Event), outcome).Inc()
	return outcome, err
}

// correlate prefers the communication id, then the provider message id scoped
// to the provider, then the provider message id alone.
func (r *Reconciler) correlate(ctx context.Context, ev domain.CanonicalEvent) (*domain.Communication, error) {
	if ev.CommunicationID != "" {
		c, err := r.comms.GetByID(ctx, ev.CommunicationID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if ev.ProviderMessageID != "" {
		scopes := []string{ev.Provider, ""}
		if ev.Provider == "" {
			scopes = scopes[1:]
		}
		for _, scope := range scopes {
			c, err := r.comms.GetByProviderMessageID(ctx, scope, ev.ProviderMessageID)
			if err == nil {
				return c, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: communication %q, provider message %q", domain.ErrUnknownCorrelation, ev.CommunicationID, ev.ProviderMessageID)
}

func (r *Reconciler) apply(ctx context.Context, c *domain.Communication, ev domain.CanonicalEvent) (string, error) {
	stale := &domain.StaleEventError{ID: c.ID, Current: c.Status, Event: ev.Event}
	at := r.eventTime(ev)

	switch ev.Event {
	case domain.EventDelivery:
		switch c.Status {
		case domain.StatusDelivered:
			return OutcomeNoop, nil
		case domain.StatusSent:
			ds := c.DeliveryStatus
			ds.State = domain.DeliveryDelivered
			return r.transition(ctx, c, ev, domain.StatusDelivered, ds, at, nil)
		}

	case domain.EventBounce, domain.EventFailed:
		switch c.Status {
		case domain.StatusBounced:
			return OutcomeNoop, nil
		case domain.StatusSent:
			ds := c.DeliveryStatus
			ds.State = domain.DeliveryBounced
			if ev.Event == domain.EventFailed {
				ds.State = domain.DeliveryFailed
			}
			return r.transition(ctx, c, ev, domain.StatusBounced, ds, time.Time{}, bounceError(ev))
		}

	case domain.EventOpen, domain.EventClick:
		switch c.Status {
		case domain.StatusSent:
			ds := c.DeliveryStatus
			ds.State = domain.DeliveryDelivered
			markEngagement(&ds, ev.Event, at)
			return r.transition(ctx, c, ev, domain.StatusDelivered, ds, at, nil)
		case domain.StatusDelivered:
			ds := c.DeliveryStatus
			if !markEngagement(&ds, ev.Event, at) {
				return OutcomeNoop, nil
			}
			return r.updateDeliveryStatus(ctx, c, ev, ds)
		}

	case domain.EventComplaint:
		if c.Status == domain.StatusSent || c.Status == domain.StatusDelivered {
			ds := c.DeliveryStatus
			if ds.ComplainedAt != nil {
				return OutcomeNoop, nil
			}
			ds.ComplainedAt = &at
			return r.updateDeliveryStatus(ctx, c, ev, ds)
		}
	}
	return "", stale
}

func (r *Reconciler) transition(ctx context.Context, c *domain.Communication, ev domain.CanonicalEvent, to domain.Status, ds domain.DeliveryStatus, deliveredAt time.Time, ce *domain.CommError) (string, error) {
	now := r.now().UTC()
	ds.ProviderStatus = ev.RawEvent
	ds.UpdatedAt = &now
	upd := repository.StatusUpdate{
		From:           []domain.Status{c.Status},
		To:             to,
		Cost:           ev.Cost,
		DeliveryStatus: &ds,
		Error:          ce,
	}
	if !deliveredAt.IsZero() {
		if c.SentAt != nil && deliveredAt.Before(*c.SentAt) {
			deliveredAt = *c.SentAt
		}
		upd.DeliveredAt = &deliveredAt
	}
	if _, err := r.comms.Transition(ctx, c.ID, upd); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			if conflict.Current == to {
				return OutcomeNoop, nil
			}
			return "", &domain.StaleEventError{ID: c.ID, Current: conflict.Current, Event: ev.Event}
		}
		return "", fmt.Errorf("apply %s to %s: %w", ev.Event, c.ID, err)
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) updateDeliveryStatus(ctx context.Context, c *domain.Communication, ev domain.CanonicalEvent, ds domain.DeliveryStatus) (string, error) {
	now := r.now().UTC()
	ds.UpdatedAt = &now
	err := r.comms.UpdateDeliveryStatus(ctx, c.ID, []domain.Status{domain.StatusSent, domain.StatusDelivered}, ds)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return "", &domain.StaleEventError{ID: c.ID, Current: conflict.Current, Event: ev.Event}
		}
		return "", fmt.Errorf("record %s on %s: %w", ev.Event, c.ID, err)
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) eventTime(ev domain.CanonicalEvent) time.Time {
	if ev.OccurredAt != nil && !ev.OccurredAt.IsZero() {
		return ev.OccurredAt.UTC()
	}
	return r.now().UTC()
}

func (r *Reconciler) refreshBulk(ctx context.Context, c *domain.Communication) {
	if r.bulks == nil || c.BulkID == nil {
		return
	}
	if _, err := r.bulks.Refresh(ctx, *c.BulkID); err != nil {
		r.logger.WarnContext(ctx, "Failed to refresh bulk progress", "bulk_id", *c.BulkID, "error", err)
	}
}

// markEngagement records the first open or click. It reports whether anything changed.
func markEngagement(ds *domain.DeliveryStatus, event domain.EventType, at time.Time) bool {
	target := &ds.OpenedAt
	if event == domain.EventClick {
		target = &ds.ClickedAt
	}
	if *target != nil {
		return false
	}
	t := at
	*target = &t
	return true
}

func bounceError(ev domain.CanonicalEvent) *domain.CommError {
	if ev.Error != nil && (ev.Error.Code != "" || ev.Error.Message != "") {
		ce := *ev.Error
		if ce.Code == "" {
			ce.Code = defaultBounceCode
		}
		return &ce
	}
	if ev.Event == domain.EventFailed {
		return &domain.CommError{Code: defaultFailureCode, Message: "provider reported " + ev.RawEvent}
	}
	return &domain.CommError{Code: defaultBounceCode, Message: "provider reported " + ev.RawEvent}
}
