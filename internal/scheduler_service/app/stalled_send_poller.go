package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

// Recoverer enqueues a fresh job for a communication whose job was lost.
type Recoverer interface {
	Recover(ctx context.Context, c *domain.Communication) (domain.JobHandle, error)
}

type RecoveryConfig struct {
	// VisibilityTimeout is how long a queued record may go untouched before its
	// job is presumed lost.
	VisibilityTimeout time.Duration
	BatchSize         int
}

// RecoveryResult summarizes one sweep.
type RecoveryResult struct {
	Retried  int
	Requeued int
	Failed   int
}

// StalledSendPoller re-enqueues failed communications whose retry came due
// without a worker timer firing, and queued communications whose job never
// reached a worker. Both happen after a restart or a lost broker message.
type StalledSendPoller struct {
	comms     repository.CommunicationRepository
	recoverer Recoverer
	cfg       RecoveryConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewStalledSendPoller(comms repository.CommunicationRepository, recoverer Recoverer, cfg RecoveryConfig, logger *slog.Logger) *StalledSendPoller {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &StalledSendPoller{
		comms:     comms,
		recoverer: recoverer,
		cfg:       cfg,
		logger:    logger.With("component", "stalled_send_poller"),
		now:       time.Now,
	}
}

// Run is the cron entry point.
func (p *StalledSendPoller) Run(ctx context.Context) error {
	_, err := p.Sweep(ctx)
	return err
}

// Sweep recovers up to one batch of stalled communications.
func (p *StalledSendPoller) Sweep(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult
	now := p.now().UTC()
	stalled, err := p.comms.ListStalled(ctx, now, now.Add(-p.cfg.VisibilityTimeout), p.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stalled communications: %w", err)
	}
	if len(stalled) == 0 {
		return res, nil
	}

	for _, c := range stalled {
		if ctx.Err() != nil {
			break
		}
		log := p.logger.With(append(c.Context.LogAttrs(), "communication_id", c.ID, "status", c.Status)...)
		handle, err := p.recoverer.Recover(ctx, c)
		switch {
		case errors.Is(err, domain.ErrTransitionConflict):
			log.InfoContext(ctx, "Stalled communication moved on before recovery")
			continue
		case err != nil:
			res.Failed++
			recoveredCounter.WithLabelValues(string(c.Status), "error").Inc()
			log.ErrorContext(ctx, "Failed to recover stalled communication", "error", err)
			continue
		}
		if c.Status == domain.StatusFailed {
			res.Retried++
		} else {
			res.Requeued++
		}
		recoveredCounter.WithLabelValues(string(c.Status), "recovered").Inc()
		log.DebugContext(ctx, "Stalled communication re-enqueued", "job_id", handle.ID)
	}
	p.logger.InfoContext(ctx, "Stalled sweep finished", "retried", res.Retried, "requeued", res.Requeued, "failed", res.Failed)
	return res, nil
}
