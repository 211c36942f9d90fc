package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

// BulkOrchestrator fans bulk requests out into independent communications and
// derives the bulk's progress from their stored statuses.
type BulkOrchestrator struct {
	comms      repository.CommunicationRepository
	bulks      repository.BulkRepository
	normalizer *RecipientNormalizer
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

func NewBulkOrchestrator(
	comms repository.CommunicationRepository,
	bulks repository.BulkRepository,
	normalizer *RecipientNormalizer,
	dispatcher *Dispatcher,
	logger *slog.Logger,
) *BulkOrchestrator {
	return &BulkOrchestrator{
		comms:      comms,
		bulks:      bulks,
		normalizer: normalizer,
		dispatcher: dispatcher,
		logger:     logger.With("component", "bulk_orchestrator"),
		now:        time.Now,
	}
}

// SendBulk creates one communication per valid recipient and enqueues each one.
// Enqueue failures only fail the affected communication.
func (o *BulkOrchestrator) SendBulk(ctx context.Context, req BulkRequest) (*domain.BulkCommunication, error) {
	req.Priority = defaultPriority(req.Priority)
	if err := validatePayload(req.Type, req.Priority, req.Content, req.Template, req.Settings); err != nil {
		return nil, err
	}
	recipients, err := o.normalizer.Normalize(req.Type, req.Recipients)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	bulkID := uuid.NewString()
	scheduled := req.ScheduledAt != nil && req.ScheduledAt.After(now)

	comms := make([]*domain.Communication, 0, len(recipients))
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		c := &domain.Communication{
			ID:             uuid.NewString(),
			BulkID:         &bulkID,
			Type:           req.Type,
			Status:         domain.StatusPending,
			Priority:       req.Priority,
			To:             []domain.Recipient{r},
			Content:        req.Content,
			Template:       req.Template,
			ScheduledAt:    req.ScheduledAt,
			Settings:       req.Settings.Resolved(),
			Context:        req.Context,
			DeliveryStatus: domain.DeliveryStatus{State: domain.DeliveryPending},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		comms = append(comms, c)
		ids = append(ids, c.ID)
	}

	bulk := &domain.BulkCommunication{
		ID:               bulkID,
		Type:             req.Type,
		Recipients:       req.Recipients,
		CommunicationIDs: ids,
		Progress:         domain.ComputeProgress(len(ids), nil),
		Status:           domain.BulkStatusDraft,
		Content:          req.Content,
		Template:         req.Template,
		Priority:         req.Priority,
		Settings:         req.Settings.Resolved(),
		Context:          req.Context,
		ScheduledAt:      req.ScheduledAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	log := o.logger.With(append(req.Context.LogAttrs(), "bulk_id", bulkID, "type", req.Type)...)

	if err := o.bulks.Create(ctx, bulk); err != nil {
		return nil, fmt.Errorf("store bulk: %w", err)
	}
	if err := o.comms.CreateMany(ctx, comms); err != nil {
		if _, uerr := o.bulks.UpdateProgress(ctx, bulkID, bulk.Progress, domain.BulkStatusFailed, &now); uerr != nil {
			log.ErrorContext(ctx, "Failed to mark bulk failed", "error", uerr)
		}
		return nil, fmt.Errorf("store bulk communications: %w", err)
	}

	initial := domain.BulkStatusSending
	if scheduled {
		initial = domain.BulkStatusScheduled
	}
	if _, err := o.bulks.UpdateProgress(ctx, bulkID, bulk.Progress, initial, nil); err != nil {
		return nil, fmt.Errorf("start bulk: %w", err)
	}
	if scheduled {
		log.InfoContext(ctx, "Bulk scheduled", "recipients", len(comms), "scheduled_at", req.ScheduledAt)
		return o.Refresh(ctx, bulkID)
	}

	var enqueueFailures int
	for _, c := range comms {
		if _, err := o.dispatcher.Dispatch(ctx, c); err != nil {
			enqueueFailures++
			log.WarnContext(ctx, "Bulk constituent not enqueued", "communication_id", c.ID, "error", err)
		}
	}
	log.InfoContext(ctx, "Bulk dispatched", "recipients", len(comms), "enqueue_failures", enqueueFailures)
	return o.Refresh(ctx, bulkID)
}

// Refresh recomputes progress from constituent statuses and persists the
// derived status when anything changed.
func (o *BulkOrchestrator) Refresh(ctx context.Context, bulkID string) (*domain.BulkCommunication, error) {
	b, err := o.bulks.GetByID(ctx, bulkID)
	if err != nil {
		return nil, err
	}
	counts, err := o.comms.CountStatuses(ctx, bulkID)
	if err != nil {
		return nil, fmt.Errorf("count bulk statuses: %w", err)
	}
	now := o.now().UTC()
	progress := domain.ComputeProgress(len(b.CommunicationIDs), counts)
	scheduledInFuture := b.ScheduledAt != nil && b.ScheduledAt.After(now)
	status := domain.DeriveBulkStatus(b.Status, progress, scheduledInFuture)

	if progress == b.Progress && status == b.Status {
		return b, nil
	}
	completedAt := b.CompletedAt
	if completedAt == nil && (status == domain.BulkStatusCompleted || status == domain.BulkStatusFailed || status == domain.BulkStatusCancelled) {
		completedAt = &now
	}
	stored, err := o.bulks.UpdateProgress(ctx, bulkID, progress, status, completedAt)
	if err != nil {
		return nil, fmt.Errorf("update bulk progress: %w", err)
	}
	b.Progress = progress
	b.Status = stored
	b.CompletedAt = completedAt
	b.UpdatedAt = now
	return b, nil
}

// CancelBulk cancels every constituent that can still be cancelled and marks
// the bulk cancelled. It returns the number of communications cancelled.
func (o *BulkOrchestrator) CancelBulk(ctx context.Context, bulkID string) (*domain.BulkCommunication, int, error) {
	b, err := o.bulks.GetByID(ctx, bulkID)
	if err != nil {
		return nil, 0, err
	}
	cancelled := 0
	for _, id := range b.CommunicationIDs {
		c, err := cancelCommunication(ctx, o.comms, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, cancelled, err
		}
		if c != nil {
			cancelled++
		}
	}

	counts, err := o.comms.CountStatuses(ctx, bulkID)
	if err != nil {
		return nil, cancelled, fmt.Errorf("count bulk statuses: %w", err)
	}
	now := o.now().UTC()
	progress := domain.ComputeProgress(len(b.CommunicationIDs), counts)
	completedAt := b.CompletedAt
	if completedAt == nil {
		completedAt = &now
	}
	if _, err := o.bulks.UpdateProgress(ctx, bulkID, progress, domain.BulkStatusCancelled, completedAt); err != nil {
		return nil, cancelled, fmt.Errorf("mark bulk cancelled: %w", err)
	}
	o.logger.InfoContext(ctx, "Bulk cancelled", "bulk_id", bulkID, "cancelled", cancelled, "total", len(b.CommunicationIDs))
	b.Progress = progress
	b.Status = domain.BulkStatusCancelled
	b.CompletedAt = completedAt
	b.UpdatedAt = now
	return b, cancelled, nil
}
