package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
)

// ProviderLookup finds a registered adapter by name.
type ProviderLookup interface {
	Get(name string) (provider.Adapter, bool)
}

type StatusPollerConfig struct {
	// MinAge is how long a record stays sent before its provider is asked.
	MinAge    time.Duration
	BatchSize int
}

// StatusPoller asks providers with a status API about sent communications that
// have not been confirmed by webhook, and feeds answers to the reconciler.
type StatusPoller struct {
	comms      repository.CommunicationRepository
	providers  ProviderLookup
	reconciler *Reconciler
	cfg        StatusPollerConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewStatusPoller(comms repository.CommunicationRepository, providers ProviderLookup, reconciler *Reconciler, cfg StatusPollerConfig, logger *slog.Logger) *StatusPoller {
	if cfg.MinAge <= 0 {
		cfg.MinAge = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &StatusPoller{
		comms:      comms,
		providers:  providers,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.With("component", "status_poller"),
		now:        time.Now,
	}
}

// Run is the cron entry point.
func (p *StatusPoller) Run(ctx context.Context) error {
	_, err := p.Poll(ctx)
	return err
}

// Poll checks one batch and returns how many communications changed state.
// Records that stay unresolved are stamped as checked, which moves them behind
// records the poller has not asked about yet.
func (p *StatusPoller) Poll(ctx context.Context) (int, error) {
	now := p.now().UTC()
	sent, err := p.comms.ListSentBefore(ctx, now.Add(-p.cfg.MinAge), p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list sent communications: %w", err)
	}

	applied := 0
	for _, c := range sent {
		if ctx.Err() != nil {
			break
		}
		if p.check(ctx, c) {
			applied++
			continue
		}
		if err := p.comms.MarkChecked(ctx, c.ID, now); err != nil {
			p.logger.WarnContext(ctx, "Failed to mark communication checked", "communication_id", c.ID, "error", err)
		}
	}
	if applied > 0 {
		p.logger.InfoContext(ctx, "Status poll applied provider updates", "checked", len(sent), "applied", applied)
	}
	return applied, nil
}

// check asks the provider about c and reports whether the answer changed it.
func (p *StatusPoller) check(ctx context.Context, c *domain.Communication) bool {
	if c.DeliveryStatus.State == domain.DeliveryUnconfirmed || c.ProviderMessageID == "" {
		return false
	}
	a, ok := p.providers.Get(c.Provider)
	if !ok {
		statusPollsCounter.WithLabelValues(c.Provider, "unknown_provider").Inc()
		return false
	}
	checker, ok := a.(provider.StatusChecker)
	if !ok {
		statusPollsCounter.WithLabelValues(c.Provider, "unsupported").Inc()
		return false
	}
	ds, err := checker.GetStatus(ctx, c.ProviderMessageID)
	if err != nil {
		statusPollsCounter.WithLabelValues(c.Provider, "error").Inc()
		p.logger.WarnContext(ctx, "Provider status lookup failed", "communication_id", c.ID, "provider", c.Provider, "error", err)
		return false
	}
	event, ok := eventFromDeliveryState(ds.State)
	if !ok {
		statusPollsCounter.WithLabelValues(c.Provider, "pending").Inc()
		return false
	}
	statusPollsCounter.WithLabelValues(c.Provider, "resolved").Inc()
	raw := ds.ProviderStatus
	if raw == "" {
		raw = string(ds.State)
	}
	outcome, err := p.reconciler.Apply(ctx, domain.CanonicalEvent{
		Provider:          c.Provider,
		CommunicationID:   c.ID,
		ProviderMessageID: c.ProviderMessageID,
		Event:             event,
		RawEvent:          raw,
		OccurredAt:        ds.UpdatedAt,
	})
	return err == nil && outcome == OutcomeApplied
}
