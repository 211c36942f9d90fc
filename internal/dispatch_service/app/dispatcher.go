package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

// CodeEnqueueFailed is recorded on communications whose first job never reached the queue.
const CodeEnqueueFailed = "ENQUEUE_FAILED"

// Dispatcher promotes pending communications to queued and enqueues their first attempt.
type Dispatcher struct {
	comms  repository.CommunicationRepository
	queue  DispatchQueue
	logger *slog.Logger
}

func NewDispatcher(comms repository.CommunicationRepository, queue DispatchQueue, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{comms: comms, queue: queue, logger: logger.With("component", "dispatcher")}
}

// Dispatch moves c from pending to queued and enqueues attempt 0. If the queue
// refuses the job the communication is marked failed.
func (d *Dispatcher) Dispatch(ctx context.Context, c *domain.Communication) (domain.JobHandle, error) {
	queued, err := d.comms.Transition(ctx, c.ID, repository.StatusUpdate{
		From: []domain.Status{domain.StatusPending},
		To:   domain.StatusQueued,
	})
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("queue communication %s: %w", c.ID, err)
	}

	handle, err := d.queue.Enqueue(ctx, domain.NewJob(queued, 0))
	if err != nil {
		d.logger.ErrorContext(ctx, "Enqueue failed", append(queued.Context.LogAttrs(), "communication_id", c.ID, "error", err)...)
		zero := 0
		_, terr := d.comms.Transition(context.WithoutCancel(ctx), c.ID, repository.StatusUpdate{
			From:       []domain.Status{domain.StatusQueued},
			To:         domain.StatusFailed,
			Error:      &domain.CommError{Code: CodeEnqueueFailed, Message: err.Error()},
			RetryCount: &zero,
		})
		if terr != nil {
			d.logger.ErrorContext(ctx, "Failed to record enqueue failure", "communication_id", c.ID, "error", terr)
		}
		return domain.JobHandle{}, fmt.Errorf("enqueue communication %s: %w", c.ID, err)
	}
	d.logger.DebugContext(ctx, "Communication queued", "communication_id", c.ID, "job_id", handle.ID, "job_name", handle.JobName)
	return handle, nil
}

// Recover enqueues a job for a communication whose job was lost. A failed
// record with a due retry moves back to queued for its next attempt. A queued
// record is touched and its current attempt enqueued again. If the enqueue
// fails the record stays queued and is found again once it goes stale.
func (d *Dispatcher) Recover(ctx context.Context, c *domain.Communication) (domain.JobHandle, error) {
	var (
		upd     repository.StatusUpdate
		attempt int
	)
	switch c.Status {
	case domain.StatusFailed:
		attempt = c.RetryCount + 1
		upd = repository.StatusUpdate{
			From:                []domain.Status{domain.StatusFailed},
			To:                  domain.StatusQueued,
			RequireRetryPending: true,
			RetryCount:          &attempt,
		}
	case domain.StatusQueued:
		attempt = c.RetryCount
		upd = repository.StatusUpdate{
			From: []domain.Status{domain.StatusQueued},
			To:   domain.StatusQueued,
		}
	default:
		return domain.JobHandle{}, fmt.Errorf("recover communication %s from %s: %w", c.ID, c.Status, domain.ErrTransitionConflict)
	}

	queued, err := d.comms.Transition(ctx, c.ID, upd)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("requeue communication %s: %w", c.ID, err)
	}
	handle, err := d.queue.Enqueue(ctx, domain.NewJob(queued, attempt))
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("enqueue communication %s: %w", c.ID, err)
	}
	d.logger.InfoContext(ctx, "Communication recovered", append(queued.Context.LogAttrs(),
		"communication_id", c.ID, "from", c.Status, "attempt", attempt, "job_id", handle.ID)...)
	return handle, nil
}
