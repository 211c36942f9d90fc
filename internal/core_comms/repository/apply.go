package repository

import (
	"slices"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

// Allows reports whether the update may apply to a record in its current state.
func (u StatusUpdate) Allows(c *domain.Communication) bool {
	if !slices.Contains(u.From, c.Status) {
		return false
	}
	if u.RequireRetryPending && c.Status == domain.StatusFailed && c.NextRetryAt == nil {
		return false
	}
	return true
}

// Apply mutates c in place. Lifecycle timestamps are only written once;
// next_retry_at and error always take the update's value.
func (u StatusUpdate) Apply(c *domain.Communication, now time.Time) {
	c.Status = u.To
	if u.Provider != nil {
		c.Provider = *u.Provider
	}
	if u.ProviderMessageID != nil {
		c.ProviderMessageID = *u.ProviderMessageID
	}
	if u.Cost != nil {
		v := *u.Cost
		c.Cost = &v
	}
	if u.SentAt != nil && c.SentAt == nil {
		v := *u.SentAt
		c.SentAt = &v
	}
	if u.DeliveredAt != nil && c.DeliveredAt == nil {
		v := *u.DeliveredAt
		c.DeliveredAt = &v
	}
	if u.RetryCount != nil {
		c.RetryCount = *u.RetryCount
	}
	if u.NextRetryAt != nil {
		v := *u.NextRetryAt
		c.NextRetryAt = &v
	} else {
		c.NextRetryAt = nil
	}
	if u.Error != nil {
		e := *u.Error
		c.Error = &e
	} else {
		c.Error = nil
	}
	if u.DeliveryStatus != nil {
		c.DeliveryStatus = *u.DeliveryStatus
	}
	c.UpdatedAt = now
}
