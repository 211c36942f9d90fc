package http

import (
	"time"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/dispatch_service/app"
)

// SendCommunicationRequest is the body of POST /v1/communications.
type SendCommunicationRequest struct {
	Type           domain.CommunicationType `json:"type" validate:"required,oneof=email sms push webhook"`
	To             domain.RecipientInput    `json:"to" validate:"required,min=1,max=1000"`
	Content        domain.Content           `json:"content"`
	Template       *domain.TemplateRef      `json:"template,omitempty"`
	Priority       domain.Priority          `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	Settings       domain.Settings          `json:"settings"`
	Context        domain.Context           `json:"context"`
	ScheduledAt    *time.Time               `json:"scheduledAt,omitempty"`
	IdempotencyKey string                   `json:"idempotencyKey,omitempty" validate:"omitempty,max=255"`
}

func (r SendCommunicationRequest) toSendRequest() app.SendRequest {
	return app.SendRequest{
		Type:           r.Type,
		To:             r.To,
		Content:        r.Content,
		Template:       r.Template,
		Priority:       r.Priority,
		Settings:       r.Settings,
		Context:        r.Context,
		ScheduledAt:    r.ScheduledAt,
		IdempotencyKey: r.IdempotencyKey,
	}
}

// SendBulkRequest is the body of POST /v1/communications/bulk.
type SendBulkRequest struct {
	Type        domain.CommunicationType `json:"type" validate:"required,oneof=email sms push webhook"`
	Recipients  domain.RecipientInput    `json:"recipients" validate:"required,min=1,max=50000"`
	Content     domain.Content           `json:"content"`
	Template    *domain.TemplateRef      `json:"template,omitempty"`
	Priority    domain.Priority          `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	Settings    domain.Settings          `json:"settings"`
	Context     domain.Context           `json:"context"`
	ScheduledAt *time.Time               `json:"scheduledAt,omitempty"`
}

func (r SendBulkRequest) toBulkRequest() app.BulkRequest {
	return app.BulkRequest{
		Type:        r.Type,
		Recipients:  r.Recipients,
		Content:     r.Content,
		Template:    r.Template,
		Priority:    r.Priority,
		Settings:    r.Settings,
		Context:     r.Context,
		ScheduledAt: r.ScheduledAt,
	}
}

type CancelResponse struct {
	CommunicationID string `json:"communicationId"`
	Cancelled       bool   `json:"cancelled"`
}

type BulkCancelResponse struct {
	Bulk      *domain.BulkCommunication `json:"bulk"`
	Cancelled int                       `json:"cancelled"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}

// GenericErrorResponse is the body of every non-2xx response.
type GenericErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}
