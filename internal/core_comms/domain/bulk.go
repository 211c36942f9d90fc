package domain

import (
	"database/sql/driver"
	"math"
	"time"
)

// BulkStatus is the aggregate status of a bulk request.
type BulkStatus string

const (
	BulkStatusDraft     BulkStatus = "draft"
	BulkStatusScheduled BulkStatus = "scheduled"
	BulkStatusSending   BulkStatus = "sending"
	BulkStatusCompleted BulkStatus = "completed"
	BulkStatusFailed    BulkStatus = "failed"
	BulkStatusCancelled BulkStatus = "cancelled"
)

func (s BulkStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *BulkStatus) Scan(value interface{}) error {
	str, err := scanString(value, "BulkStatus")
	if err != nil {
		return err
	}
	*s = BulkStatus(str)
	return nil
}

// Progress is derived from constituent statuses; it is never incremented in place.
type Progress struct {
	Total      int `json:"total"`
	Sent       int `json:"sent"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Percentage int `json:"percentage"`
}

// BulkCommunication is one request fanned out into many Communications.
type BulkCommunication struct {
	ID               string            `json:"id"`
	Type             CommunicationType `json:"type"`
	Recipients       RecipientInput    `json:"recipients"`
	CommunicationIDs []string          `json:"communicationIds"`
	Progress         Progress          `json:"progress"`
	Status           BulkStatus        `json:"status"`
	Content          Content           `json:"content"`
	Template         *TemplateRef      `json:"template,omitempty"`
	Priority         Priority          `json:"priority"`
	Settings         Settings          `json:"settings"`
	Context          Context           `json:"context"`
	ScheduledAt      *time.Time        `json:"scheduledAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}

// StatusCount is one row of a per-status count over a bulk's communications.
type StatusCount struct {
	Status         Status
	RetryScheduled bool
	Count          int
}

// ComputeProgress folds status counts into a Progress for a bulk of size total.
// Pending absorbs everything not yet settled so the buckets always sum to total.
func ComputeProgress(total int, counts []StatusCount) Progress {
	p := Progress{Total: total}
	for _, c := range counts {
		switch c.Status {
		case StatusSent:
			p.Sent += c.Count
		case StatusDelivered:
			p.Delivered += c.Count
		case StatusBounced, StatusExpired, StatusCancelled:
			p.Failed += c.Count
		case StatusFailed:
			if !c.RetryScheduled {
				p.Failed += c.Count
			}
		}
	}
	settled := p.Sent + p.Delivered + p.Failed
	if settled > total {
		settled = total
	}
	p.Pending = total - settled
	if total > 0 {
		p.Percentage = int(math.Round(100 * float64(settled) / float64(total)))
	}
	return p
}

// DeriveBulkStatus computes the aggregate status from progress. Cancelled and
// draft bulks keep their status.
func DeriveBulkStatus(current BulkStatus, p Progress, scheduledInFuture bool) BulkStatus {
	switch current {
	case BulkStatusCancelled, BulkStatusDraft:
		return current
	}
	if p.Total == 0 {
		return BulkStatusCompleted
	}
	if p.Pending == 0 {
		if p.Failed == p.Total {
			return BulkStatusFailed
		}
		return BulkStatusCompleted
	}
	if scheduledInFuture && p.Pending == p.Total {
		return BulkStatusScheduled
	}
	return BulkStatusSending
}
