// Package memory holds map-backed stores used by tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

// CommunicationRepository keeps communications in memory. Every read and
// write copies the record, so callers never alias stored state.
type CommunicationRepository struct {
	mu         sync.RWMutex
	items      map[string]*domain.Communication
	order      []string
	byProvider map[string]string
	byIdemKey  map[string]string
	now        func() time.Time
}

func NewCommunicationRepository() *CommunicationRepository {
	return &CommunicationRepository{
		items:      make(map[string]*domain.Communication),
		byProvider: make(map[string]string),
		byIdemKey:  make(map[string]string),
		now:        time.Now,
	}
}

func providerKey(provider, id string) string {
	return provider + "\x00" + id
}

func (r *CommunicationRepository) Create(ctx context.Context, c *domain.Communication) error {
	return r.CreateMany(ctx, []*domain.Communication{c})
}

func (r *CommunicationRepository) CreateMany(_ context.Context, cs []*domain.Communication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		if _, exists := r.items[c.ID]; exists {
			return &domain.ConflictError{ID: c.ID, Current: r.items[c.ID].Status, To: c.Status}
		}
		if _, taken := r.byIdemKey[c.IdempotencyKey]; c.IdempotencyKey != "" && taken {
			return fmt.Errorf("communication %s with key %q: %w", c.ID, c.IdempotencyKey, domain.ErrDuplicateIdempotencyKey)
		}
	}
	for _, c := range cs {
		r.items[c.ID] = c.Clone()
		r.order = append(r.order, c.ID)
		if c.IdempotencyKey != "" {
			r.byIdemKey[c.IdempotencyKey] = c.ID
		}
		if c.ProviderMessageID != "" {
			r.byProvider[providerKey(c.Provider, c.ProviderMessageID)] = c.ID
		}
	}
	return nil
}

func (r *CommunicationRepository) GetByID(_ context.Context, id string) (*domain.Communication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *CommunicationRepository) GetByProviderMessageID(_ context.Context, provider, providerMessageID string) (*domain.Communication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if provider != "" {
		if id, ok := r.byProvider[providerKey(provider, providerMessageID)]; ok {
			return r.items[id].Clone(), nil
		}
	}
	for _, id := range r.order {
		if c := r.items[id]; c.ProviderMessageID == providerMessageID {
			return c.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *CommunicationRepository) GetByIdempotencyKey(_ context.Context, key string) (*domain.Communication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdemKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.items[id].Clone(), nil
}

func (r *CommunicationRepository) List(_ context.Context, q repository.ListQuery) ([]*domain.Communication, int, error) {
	q = q.Normalized()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.Communication
	for _, id := range r.order {
		c := r.items[id]
		if !matches(c, q) {
			continue
		}
		matched = append(matched, c)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := q.Offset()
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	out := make([]*domain.Communication, 0, end-start)
	for _, c := range matched[start:end] {
		out = append(out, c.Clone())
	}
	return out, total, nil
}

func matches(c *domain.Communication, q repository.ListQuery) bool {
	if q.Type != "" && c.Type != q.Type {
		return false
	}
	if q.Status != "" && c.Status != q.Status {
		return false
	}
	if q.BulkID != "" && (c.BulkID == nil || *c.BulkID != q.BulkID) {
		return false
	}
	if q.UserID != "" && c.Context.UserID != q.UserID {
		return false
	}
	if q.OrgID != "" && c.Context.OrgID != q.OrgID {
		return false
	}
	if q.CampaignID != "" && c.Context.CampaignID != q.CampaignID {
		return false
	}
	if q.From != nil && c.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && c.CreatedAt.After(*q.To) {
		return false
	}
	return true
}

func (r *CommunicationRepository) Transition(_ context.Context, id string, upd repository.StatusUpdate) (*domain.Communication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !upd.Allows(c) {
		return nil, &domain.ConflictError{ID: id, Current: c.Status, To: upd.To}
	}
	upd.Apply(c, r.now())
	if c.ProviderMessageID != "" {
		r.byProvider[providerKey(c.Provider, c.ProviderMessageID)] = c.ID
	}
	return c.Clone(), nil
}

func (r *CommunicationRepository) UpdateDeliveryStatus(_ context.Context, id string, expected []domain.Status, ds domain.DeliveryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !slices.Contains(expected, c.Status) {
		return &domain.ConflictError{ID: id, Current: c.Status, To: c.Status}
	}
	c.DeliveryStatus = ds
	c.UpdatedAt = r.now()
	return nil
}

func (r *CommunicationRepository) CountStatuses(_ context.Context, bulkID string) ([]domain.StatusCount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type key struct {
		status domain.Status
		retry  bool
	}
	counts := make(map[key]int)
	for _, c := range r.items {
		if c.BulkID == nil || *c.BulkID != bulkID {
			continue
		}
		counts[key{c.Status, c.RetryPending()}]++
	}
	out := make([]domain.StatusCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, domain.StatusCount{Status: k.status, RetryScheduled: k.retry, Count: n})
	}
	return out, nil
}

func (r *CommunicationRepository) ListDuePending(_ context.Context, now time.Time, limit int) ([]*domain.Communication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Communication
	for _, id := range r.order {
		c := r.items[id]
		if c.Status != domain.StatusPending || c.ScheduledAt == nil || c.ScheduledAt.After(now) {
			continue
		}
		out = append(out, c.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *CommunicationRepository) ListSentBefore(_ context.Context, before time.Time, limit int) ([]*domain.Communication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Communication
	for _, id := range r.order {
		c := r.items[id]
		if c.Status != domain.StatusSent || c.SentAt == nil || c.SentAt.After(before) {
			continue
		}
		if c.ProviderMessageID == "" || c.DeliveryStatus.State == domain.DeliveryUnconfirmed {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lastChecked(out[i]).Before(lastChecked(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CommunicationRepository) ListStalled(_ context.Context, now, queuedBefore time.Time, limit int) ([]*domain.Communication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Communication
	for _, id := range r.order {
		c := r.items[id]
		retryDue := c.RetryPending() && !c.NextRetryAt.After(now)
		lostQueued := c.Status == domain.StatusQueued && c.UpdatedAt.Before(queuedBefore)
		if retryDue || lostQueued {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastChecked(c *domain.Communication) time.Time {
	if c.DeliveryStatus.CheckedAt != nil {
		return *c.DeliveryStatus.CheckedAt
	}
	return *c.SentAt
}

func (r *CommunicationRepository) MarkChecked(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status == domain.StatusSent {
		v := at
		c.DeliveryStatus.CheckedAt = &v
	}
	return nil
}
