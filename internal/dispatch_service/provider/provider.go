// Package provider holds the channel adapters the worker pool sends through.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

// OutboundMessage is what an adapter receives for one send attempt.
type OutboundMessage struct {
	CommunicationID string
	Channel         domain.CommunicationType
	Recipients      []domain.Recipient
	Content         domain.Content
	Priority        domain.Priority
	Context         domain.Context
	WebhookURL      string
	Attempt         int
}

// Addresses returns the canonical addresses of every recipient.
func (m *OutboundMessage) Addresses() []string {
	out := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		out = append(out, r.Address)
	}
	return out
}

// SendResult is the provider's acknowledgement of a send.
type SendResult struct {
	ProviderMessageID string
	Cost              *float64
	ProviderStatus    string
}

// Adapter sends messages for one channel through one provider.
type Adapter interface {
	Name() string
	Channel() domain.CommunicationType
	Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error)
}

// StatusChecker is implemented by adapters whose provider exposes a status API.
// Providers without one return a status with DeliveryUnknown rather than an error.
type StatusChecker interface {
	GetStatus(ctx context.Context, providerMessageID string) (*domain.DeliveryStatus, error)
}

// BalanceChecker is implemented by adapters that can report account balance.
type BalanceChecker interface {
	GetBalance(ctx context.Context) (float64, error)
}

// DeliveryReporter tells whether the provider sends delivery webhooks. Adapters
// that do not implement it are assumed to.
type DeliveryReporter interface {
	SupportsDeliveryReports() bool
}

// SupportsDeliveryReports reports whether a sent message through a will later be confirmed.
func SupportsDeliveryReports(a Adapter) bool {
	if r, ok := a.(DeliveryReporter); ok {
		return r.SupportsDeliveryReports()
	}
	return true
}

// ErrTransient and ErrPermanent classify provider failures for the retry policy.
var (
	ErrTransient = errors.New("transient provider error")
	ErrPermanent = errors.New("permanent provider error")
)

// ProviderError is a classified adapter failure.
type ProviderError struct {
	Provider   string
	Code       string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s", e.Provider)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	kind := ErrTransient
	if e.Permanent {
		kind = ErrPermanent
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

// CommError converts the failure to the error recorded on the communication.
func (e *ProviderError) CommError() *domain.CommError {
	code := e.Code
	if code == "" {
		code = "PROVIDER_ERROR"
	}
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &domain.CommError{Code: code, Message: msg}
}

func Transient(provider, code string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Err: err}
}

func Permanent(provider, code string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Permanent: true, Err: err}
}

// IsPermanent reports whether retrying err cannot succeed. Unclassified errors are transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// FromHTTPStatus classifies a non-2xx provider response. Throttling, timeouts
// and server errors are transient; other client errors are permanent.
func FromHTTPStatus(provider string, status int, err error) *ProviderError {
	pe := &ProviderError{
		Provider:   provider,
		Code:       fmt.Sprintf("HTTP_%d", status),
		StatusCode: status,
		Err:        err,
	}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		pe.Permanent = false
	case status >= 400:
		pe.Permanent = true
	}
	return pe
}
