package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

// TemplateResolver turns a TemplateRef into an inline template. Inline wins over ID.
type TemplateResolver struct {
	templates repository.TemplateRepository
}

func NewTemplateResolver(templates repository.TemplateRepository) *TemplateResolver {
	return &TemplateResolver{templates: templates}
}

func (r *TemplateResolver) Resolve(ctx context.Context, ref *domain.TemplateRef, channel domain.CommunicationType) (*domain.InlineTemplate, error) {
	if ref == nil {
		return nil, nil
	}
	if ref.Inline != nil {
		return ref.Inline, nil
	}
	if ref.ID == "" {
		return nil, nil
	}
	if r.templates == nil {
		return nil, fmt.Errorf("template %s: %w", ref.ID, domain.ErrTemplateNotFound)
	}
	t, err := r.templates.GetByID(ctx, ref.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("template %s: %w", ref.ID, domain.ErrTemplateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", ref.ID, err)
	}
	if t.Type != "" && t.Type != channel {
		return nil, fmt.Errorf("template %s is for %s, not %s: %w", ref.ID, t.Type, channel, domain.ErrTemplateNotFound)
	}
	return t.Inline(), nil
}
