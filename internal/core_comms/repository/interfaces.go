package repository

import (
	"context"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

// StatusUpdate is a conditional, per-id status change. The update only applies
// when the stored status is one of From; otherwise the store reports
// domain.ErrTransitionConflict. Error is always written, so a nil Error clears it.
type StatusUpdate struct {
	From []domain.Status
	To   domain.Status

	// RequireRetryPending restricts updates leaving failed to records that still
	// have next_retry_at set.
	RequireRetryPending bool

	Provider          *string
	ProviderMessageID *string
	Cost              *float64
	Error             *domain.CommError
	SentAt            *time.Time
	DeliveredAt       *time.Time
	RetryCount        *int
	NextRetryAt       *time.Time
	DeliveryStatus    *domain.DeliveryStatus
}

// ListQuery filters and paginates communications. Page is 1-based.
type ListQuery struct {
	Type       domain.CommunicationType
	Status     domain.Status
	BulkID     string
	UserID     string
	OrgID      string
	CampaignID string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalized clamps pagination to sane bounds.
func (q ListQuery) Normalized() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	return q
}

func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// CommunicationRepository is the message store for Communication records.
type CommunicationRepository interface {
	Create(ctx context.Context, c *domain.Communication) error
	CreateMany(ctx context.Context, cs []*domain.Communication) error
	GetByID(ctx context.Context, id string) (*domain.Communication, error)
	GetByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*domain.Communication, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Communication, error)
	List(ctx context.Context, q ListQuery) ([]*domain.Communication, int, error)

	// Transition applies a StatusUpdate and returns the updated record.
	Transition(ctx context.Context, id string, upd StatusUpdate) (*domain.Communication, error)
	// UpdateDeliveryStatus records engagement details without changing status,
	// provided the record is still in expected.
	UpdateDeliveryStatus(ctx context.Context, id string, expected []domain.Status, ds domain.DeliveryStatus) error

	CountStatuses(ctx context.Context, bulkID string) ([]domain.StatusCount, error)
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]*domain.Communication, error)
	// ListSentBefore returns sent records with a provider message ID that are
	// not unconfirmed, least recently checked first.
	ListSentBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Communication, error)
	// ListStalled returns failed records whose retry is due at now and queued
	// records not touched since queuedBefore, oldest update first.
	ListStalled(ctx context.Context, now, queuedBefore time.Time, limit int) ([]*domain.Communication, error)
	// MarkChecked stamps DeliveryStatus.CheckedAt on a record that is still sent.
	MarkChecked(ctx context.Context, id string, at time.Time) error
}

// BulkRepository stores BulkCommunication aggregates.
type BulkRepository interface {
	Create(ctx context.Context, b *domain.BulkCommunication) error
	GetByID(ctx context.Context, id string) (*domain.BulkCommunication, error)
	// UpdateProgress stores progress and status and returns the stored status.
	// A cancelled bulk stays cancelled whatever status is passed.
	UpdateProgress(ctx context.Context, id string, progress domain.Progress, status domain.BulkStatus, completedAt *time.Time) (domain.BulkStatus, error)
}

// TemplateRepository stores reusable templates.
type TemplateRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Template, error)
}
