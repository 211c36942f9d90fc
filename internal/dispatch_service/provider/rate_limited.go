package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

// RateLimited throttles Send calls to a provider. Optional capabilities of the
// wrapped adapter stay reachable through the wrapper.
type RateLimited struct {
	Adapter
	limiter *rate.Limiter
}

// WithRateLimit wraps a with a token bucket of perSecond tokens and the given burst.
// A non-positive perSecond disables limiting.
func WithRateLimit(a Adapter, perSecond float64, burst int) Adapter {
	if perSecond <= 0 {
		return a
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{Adapter: a, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, Transient(r.Name(), "RATE_LIMITED", fmt.Errorf("waiting for send slot: %w", err))
	}
	return r.Adapter.Send(ctx, msg)
}

func (r *RateLimited) GetStatus(ctx context.Context, providerMessageID string) (*domain.DeliveryStatus, error) {
	if sc, ok := r.Adapter.(StatusChecker); ok {
		return sc.GetStatus(ctx, providerMessageID)
	}
	return &domain.DeliveryStatus{State: domain.DeliveryUnknown}, nil
}

func (r *RateLimited) GetBalance(ctx context.Context) (float64, error) {
	if bc, ok := r.Adapter.(BalanceChecker); ok {
		return bc.GetBalance(ctx)
	}
	return 0, fmt.Errorf("provider %s does not report a balance", r.Name())
}

func (r *RateLimited) SupportsDeliveryReports() bool {
	return SupportsDeliveryReports(r.Adapter)
}

// Unwrap returns the throttled adapter.
func (r *RateLimited) Unwrap() Adapter {
	return r.Adapter
}
