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

// Dispatcher moves a pending communication to queued and enqueues it.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *domain.Communication) (domain.JobHandle, error)
}

// BulkRefresher recomputes a bulk's progress.
type BulkRefresher interface {
	Refresh(ctx context.Context, bulkID string) (*domain.BulkCommunication, error)
}

type PollerConfig struct {
	// ExpiryDeadline is how long past scheduledAt a pending record may still be sent.
	ExpiryDeadline time.Duration
	BatchSize      int
}

// PollResult summarizes one poll.
type PollResult struct {
	Promoted int
	Expired  int
	Failed   int
}

// ScheduledSendPoller promotes due scheduled communications and expires the
// ones that missed their window.
type ScheduledSendPoller struct {
	comms      repository.CommunicationRepository
	dispatcher Dispatcher
	bulks      BulkRefresher
	cfg        PollerConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewScheduledSendPoller(comms repository.CommunicationRepository, dispatcher Dispatcher, bulks BulkRefresher, cfg PollerConfig, logger *slog.Logger) *ScheduledSendPoller {
	if cfg.ExpiryDeadline <= 0 {
		cfg.ExpiryDeadline = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ScheduledSendPoller{
		comms:      comms,
		dispatcher: dispatcher,
		bulks:      bulks,
		cfg:        cfg,
		logger:     logger.With("component", "scheduled_send_poller"),
		now:        time.Now,
	}
}

// Run is the cron entry point.
func (p *ScheduledSendPoller) Run(ctx context.Context) error {
	_, err := p.Poll(ctx)
	return err
}

// Poll handles up to one batch of due communications. Store errors while
// listing abort the poll; per-record failures are logged and counted.
func (p *ScheduledSendPoller) Poll(ctx context.Context) (PollResult, error) {
	timer := prometheus.NewTimer(pollDurationHist)
	defer timer.ObserveDuration()

	var res PollResult
	now := p.now().UTC()
	due, err := p.comms.ListDuePending(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due communications: %w", err)
	}
	if len(due) == 0 {
		return res, nil
	}
	p.logger.InfoContext(ctx, "Processing due scheduled communications", "count", len(due))

	bulks := make(map[string]struct{})
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		log := p.logger.With(append(c.Context.LogAttrs(), "communication_id", c.ID, "scheduled_at", c.ScheduledAt)...)

		if c.ScheduledAt.Add(p.cfg.ExpiryDeadline).Before(now) {
			reason := fmt.Sprintf("not sent within %s of scheduled time", p.cfg.ExpiryDeadline)
			ds := c.DeliveryStatus
			ds.ProviderStatus = reason
			ds.UpdatedAt = &now
			_, err := p.comms.Transition(ctx, c.ID, repository.StatusUpdate{
				From:           []domain.Status{domain.StatusPending},
				To:             domain.StatusExpired,
				DeliveryStatus: &ds,
			})
			switch {
			case errors.Is(err, domain.ErrTransitionConflict):
				log.InfoContext(ctx, "Scheduled communication changed before expiry")
				continue
			case err != nil:
				res.Failed++
				scheduledProcessedCounter.WithLabelValues(string(c.Type), "error").Inc()
				log.ErrorContext(ctx, "Failed to expire scheduled communication", "error", err)
				continue
			}
			res.Expired++
			scheduledProcessedCounter.WithLabelValues(string(c.Type), "expired").Inc()
			log.WarnContext(ctx, "Scheduled communication expired", "reason", reason)
		} else {
			handle, err := p.dispatcher.Dispatch(ctx, c)
			if errors.Is(err, domain.ErrTransitionConflict) {
				log.InfoContext(ctx, "Scheduled communication changed before promotion")
				continue
			}
			if err != nil {
				res.Failed++
				scheduledProcessedCounter.WithLabelValues(string(c.Type), "error").Inc()
				log.ErrorContext(ctx, "Failed to promote scheduled communication", "error", err)
			} else {
				res.Promoted++
				scheduledProcessedCounter.WithLabelValues(string(c.Type), "promoted").Inc()
				log.InfoContext(ctx, "Scheduled communication queued", "job_id", handle.ID)
			}
		}
		if c.BulkID != nil {
			bulks[*c.BulkID] = struct{}{}
		}
	}

	if p.bulks != nil {
		for id := range bulks {
			if _, err := p.bulks.Refresh(ctx, id); err != nil {
				p.logger.WarnContext(ctx, "Failed to refresh bulk progress", "bulk_id", id, "error", err)
			}
		}
	}
	p.logger.InfoContext(ctx, "Scheduled poll finished", "promoted", res.Promoted, "expired", res.Expired, "failed", res.Failed)
	return res, nil
}
