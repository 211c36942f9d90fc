package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

type BulkRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.BulkCommunication
}

func NewBulkRepository() *BulkRepository {
	return &BulkRepository{items: make(map[string]*domain.BulkCommunication)}
}

func cloneBulk(b *domain.BulkCommunication) *domain.BulkCommunication {
	out := *b
	out.Recipients = append(domain.RecipientInput(nil), b.Recipients...)
	out.CommunicationIDs = append([]string(nil), b.CommunicationIDs...)
	return &out
}

func (r *BulkRepository) Create(_ context.Context, b *domain.BulkCommunication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[b.ID] = cloneBulk(b)
	return nil
}

func (r *BulkRepository) GetByID(_ context.Context, id string) (*domain.BulkCommunication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneBulk(b), nil
}

func (r *BulkRepository) UpdateProgress(_ context.Context, id string, progress domain.Progress, status domain.BulkStatus, completedAt *time.Time) (domain.BulkStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.items[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	b.Progress = progress
	if b.Status != domain.BulkStatusCancelled {
		b.Status = status
	}
	if completedAt != nil && b.CompletedAt == nil {
		v := *completedAt
		b.CompletedAt = &v
	}
	b.UpdatedAt = time.Now()
	return b.Status, nil
}

// TemplateRepository is a fixed set of templates.
type TemplateRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.Template
}

func NewTemplateRepository(templates ...*domain.Template) *TemplateRepository {
	r := &TemplateRepository{items: make(map[string]*domain.Template)}
	for _, t := range templates {
		r.items[t.ID] = t
	}
	return r
}

func (r *TemplateRepository) Put(t *domain.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[t.ID] = t
}

func (r *TemplateRepository) GetByID(_ context.Context, id string) (*domain.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}
