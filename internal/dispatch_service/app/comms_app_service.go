package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

// SendRequest asks for one communication to one or more recipients.
type SendRequest struct {
	Type           domain.CommunicationType
	To             domain.RecipientInput
	Content        domain.Content
	Template       *domain.TemplateRef
	Priority       domain.Priority
	Settings       domain.Settings
	Context        domain.Context
	ScheduledAt    *time.Time
	IdempotencyKey string
}

type SendResult struct {
	CommunicationID string        `json:"communicationId"`
	Status          domain.Status `json:"status"`
	JobID           string        `json:"jobId,omitempty"`
	Duplicate       bool          `json:"duplicate,omitempty"`
}

// BulkRequest fans one payload out to many recipients, one Communication each.
type BulkRequest struct {
	Type        domain.CommunicationType
	Recipients  domain.RecipientInput
	Content     domain.Content
	Template    *domain.TemplateRef
	Priority    domain.Priority
	Settings    domain.Settings
	Context     domain.Context
	ScheduledAt *time.Time
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type ListResult struct {
	Items      []*domain.Communication `json:"items"`
	Pagination Pagination              `json:"pagination"`
}

// SettingsDefaults fill unset per-message settings at creation time.
type SettingsDefaults struct {
	MaxRetries    int
	RetryInterval int
	Timeout       int
}

// CommsAppService is the caller-facing entry point: it validates requests,
// persists communications and hands them to the dispatch queue.
type CommsAppService struct {
	comms      repository.CommunicationRepository
	normalizer *RecipientNormalizer
	dispatcher *Dispatcher
	bulk       *BulkOrchestrator
	defaults   SettingsDefaults
	logger     *slog.Logger
	now        func() time.Time
}

func NewCommsAppService(
	comms repository.CommunicationRepository,
	normalizer *RecipientNormalizer,
	dispatcher *Dispatcher,
	bulk *BulkOrchestrator,
	defaults SettingsDefaults,
	logger *slog.Logger,
) *CommsAppService {
	return &CommsAppService{
		comms:      comms,
		normalizer: normalizer,
		dispatcher: dispatcher,
		bulk:       bulk,
		defaults:   defaults,
		logger:     logger.With("service", "comms_app"),
		now:        time.Now,
	}
}

// Send validates and stores the request, then enqueues it unless it is scheduled
// for later. A repeated idempotency key returns the original communication.
func (s *CommsAppService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	req.Priority = defaultPriority(req.Priority)
	if err := validatePayload(req.Type, req.Priority, req.Content, req.Template, req.Settings); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		dup, err := s.duplicateOf(ctx, key)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			return dup, nil
		}
	}

	recipients, err := s.normalizer.Normalize(req.Type, req.To)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &domain.Communication{
		ID:             uuid.NewString(),
		Type:           req.Type,
		Status:         domain.StatusPending,
		Priority:       req.Priority,
		To:             recipients,
		Content:        req.Content,
		Template:       req.Template,
		ScheduledAt:    req.ScheduledAt,
		Settings:       s.applyDefaults(req.Settings),
		Context:        req.Context,
		IdempotencyKey: key,
		DeliveryStatus: domain.DeliveryStatus{State: domain.DeliveryPending},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.comms.Create(ctx, c); err != nil {
		if key != "" && errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// A concurrent send with the same key committed first.
			dup, lerr := s.duplicateOf(ctx, key)
			if lerr != nil {
				return nil, lerr
			}
			if dup != nil {
				return dup, nil
			}
		}
		return nil, fmt.Errorf("store communication: %w", err)
	}
	log := s.logger.With(append(c.Context.LogAttrs(), "communication_id", c.ID, "type", c.Type)...)

	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		log.InfoContext(ctx, "Communication scheduled", "scheduled_at", c.ScheduledAt)
		return &SendResult{CommunicationID: c.ID, Status: domain.StatusPending}, nil
	}

	handle, err := s.dispatcher.Dispatch(ctx, c)
	if err != nil {
		return &SendResult{CommunicationID: c.ID, Status: domain.StatusFailed}, err
	}
	log.InfoContext(ctx, "Communication queued", "recipients", len(recipients), "job_id", handle.ID)
	return &SendResult{CommunicationID: c.ID, Status: domain.StatusQueued, JobID: handle.ID}, nil
}

// duplicateOf returns the result of the send that already holds key, or nil.
func (s *CommsAppService) duplicateOf(ctx context.Context, key string) (*SendResult, error) {
	existing, err := s.comms.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	s.logger.InfoContext(ctx, "Duplicate send suppressed", "idempotency_key", key, "communication_id", existing.ID)
	return &SendResult{CommunicationID: existing.ID, Status: existing.Status, Duplicate: true}, nil
}

func (s *CommsAppService) SendBulk(ctx context.Context, req BulkRequest) (*domain.BulkCommunication, error) {
	req.Priority = defaultPriority(req.Priority)
	req.Settings = s.applyDefaults(req.Settings)
	return s.bulk.SendBulk(ctx, req)
}

func (s *CommsAppService) GetByID(ctx context.Context, id string) (*domain.Communication, error) {
	return s.comms.GetByID(ctx, id)
}

func (s *CommsAppService) List(ctx context.Context, q repository.ListQuery) (*ListResult, error) {
	q = q.Normalized()
	items, total, err := s.comms.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list communications: %w", err)
	}
	if items == nil {
		items = []*domain.Communication{}
	}
	return &ListResult{
		Items: items,
		Pagination: Pagination{
			Page:       q.Page,
			Limit:      q.Limit,
			Total:      total,
			TotalPages: (total + q.Limit - 1) / q.Limit,
		},
	}, nil
}

// Cancel stops future attempts. It reports false when the communication is
// already past the point where cancelling means anything.
func (s *CommsAppService) Cancel(ctx context.Context, id string) (bool, error) {
	c, err := cancelCommunication(ctx, s.comms, id)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}
	s.logger.InfoContext(ctx, "Communication cancelled", "communication_id", id)
	if c.BulkID != nil && s.bulk != nil {
		if _, err := s.bulk.Refresh(ctx, *c.BulkID); err != nil {
			s.logger.WarnContext(ctx, "Failed to refresh bulk after cancel", "bulk_id", *c.BulkID, "error", err)
		}
	}
	return true, nil
}

func (s *CommsAppService) GetBulk(ctx context.Context, id string) (*domain.BulkCommunication, error) {
	return s.bulk.Refresh(ctx, id)
}

func (s *CommsAppService) CancelBulk(ctx context.Context, id string) (*domain.BulkCommunication, int, error) {
	return s.bulk.CancelBulk(ctx, id)
}

func (s *CommsAppService) applyDefaults(in domain.Settings) domain.Settings {
	out := in
	if out.MaxRetries == nil && s.defaults.MaxRetries > 0 {
		v := s.defaults.MaxRetries
		out.MaxRetries = &v
	}
	if out.RetryInterval == nil && s.defaults.RetryInterval > 0 {
		v := s.defaults.RetryInterval
		out.RetryInterval = &v
	}
	if out.Timeout == nil && s.defaults.Timeout > 0 {
		v := s.defaults.Timeout
		out.Timeout = &v
	}
	return out.Resolved()
}

// cancelCommunication returns the cancelled record, or nil when the record was
// not cancellable.
func cancelCommunication(ctx context.Context, comms repository.CommunicationRepository, id string) (*domain.Communication, error) {
	c, err := comms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal(c.RetryPending()) || c.Status == domain.StatusSent {
		return nil, nil
	}
	updated, err := comms.Transition(ctx, id, repository.StatusUpdate{
		From:                domain.CancellableStatuses,
		To:                  domain.StatusCancelled,
		RequireRetryPending: true,
	})
	if errors.Is(err, domain.ErrTransitionConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cancel communication %s: %w", id, err)
	}
	return updated, nil
}

func defaultPriority(p domain.Priority) domain.Priority {
	if p == "" {
		return domain.PriorityNormal
	}
	return p
}

// validatePayload checks what the normalizer does not: channel, priority,
// settings and channel-specific content.
func validatePayload(t domain.CommunicationType, p domain.Priority, content domain.Content, tmpl *domain.TemplateRef, settings domain.Settings) error {
	if !t.Valid() {
		return domain.NewValidationError("type", fmt.Sprintf("unsupported communication type %q", t))
	}
	if !p.Valid() {
		return domain.NewValidationError("priority", fmt.Sprintf("unsupported priority %q", p))
	}
	if settings.MaxRetries != nil && *settings.MaxRetries < 0 {
		return domain.NewValidationError("settings.maxRetries", "must not be negative")
	}
	if settings.RetryInterval != nil && *settings.RetryInterval < 0 {
		return domain.NewValidationError("settings.retryInterval", "must not be negative")
	}
	if settings.Timeout != nil && *settings.Timeout <= 0 {
		return domain.NewValidationError("settings.timeout", "must be positive")
	}
	if tmpl != nil && (tmpl.Inline != nil || tmpl.ID != "") {
		return nil
	}
	switch t {
	case domain.TypeEmail:
		if content.Subject == "" {
			return domain.NewValidationError("content.subject", "email needs a subject")
		}
		if content.HTML == "" && content.Text == "" && content.Body == "" {
			return domain.NewValidationError("content", "email needs html, text or body")
		}
	case domain.TypeSMS:
		if strings.TrimSpace(content.Body) == "" {
			return domain.NewValidationError("content.body", "sms needs a body")
		}
	case domain.TypePush:
		if content.Title == "" && content.Body == "" {
			return domain.NewValidationError("content", "push needs a title or body")
		}
	case domain.TypeWebhook:
		if content.IsEmpty() {
			return domain.NewValidationError("content", "webhook needs data or body")
		}
	}
	return nil
}
