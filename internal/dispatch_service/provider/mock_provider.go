package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

// MockProvider is an in-process adapter for local runs and tests.
type MockProvider struct {
	logger  *slog.Logger
	name    string
	channel domain.CommunicationType

	mu sync.Mutex
	// FailSend makes every Send fail with a transient error.
	FailSend bool
	// FailTimes makes the next N sends fail, then succeed.
	FailTimes int
	// FailPermanently turns simulated failures into permanent ones.
	FailPermanently bool
	SimulatedDelay  time.Duration
	Cost            *float64
	DeliveryReports bool

	calls    int
	statuses map[string]domain.DeliveryState
	sent     []*OutboundMessage
}

func NewMockProvider(logger *slog.Logger, name string, channel domain.CommunicationType, delay time.Duration) *MockProvider {
	return &MockProvider{
		logger:          logger.With("provider", name),
		name:            name,
		channel:         channel,
		SimulatedDelay:  delay,
		DeliveryReports: true,
		statuses:        make(map[string]domain.DeliveryState),
	}
}

func (p *MockProvider) Name() string                      { return p.name }
func (p *MockProvider) Channel() domain.CommunicationType { return p.channel }

func (p *MockProvider) SupportsDeliveryReports() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DeliveryReports
}

// Send simulates a provider call.
func (p *MockProvider) Send(ctx context.Context, msg *OutboundMessage) (*SendResult, error) {
	providerTimer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name))
	defer providerTimer.ObserveDuration()

	if p.SimulatedDelay > 0 {
		select {
		case <-time.After(p.SimulatedDelay):
		case <-ctx.Done():
			return nil, Transient(p.name, "TIMEOUT", ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.sent = append(p.sent, msg)

	if p.FailSend || p.FailTimes > 0 {
		if p.FailTimes > 0 {
			p.FailTimes--
		}
		err := errors.New("mock provider simulated send failure")
		p.logger.WarnContext(ctx, "Simulated send failure", "communication_id", msg.CommunicationID, "attempt", msg.Attempt)
		if p.FailPermanently {
			return nil, Permanent(p.name, "MOCK_REJECTED", err)
		}
		return nil, Transient(p.name, "MOCK_UNAVAILABLE", err)
	}

	providerMsgID := "mock-" + uuid.NewString()
	p.statuses[providerMsgID] = domain.DeliveryAccepted
	p.logger.InfoContext(ctx, "Message sent (simulated)",
		"communication_id", msg.CommunicationID,
		"recipients", len(msg.Recipients),
		"provider_msg_id", providerMsgID)

	return &SendResult{ProviderMessageID: providerMsgID, Cost: p.Cost, ProviderStatus: "SENT_MOCK_OK"}, nil
}

// GetStatus reports the delivery state recorded by SetStatus.
func (p *MockProvider) GetStatus(_ context.Context, providerMessageID string) (*domain.DeliveryStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.statuses[providerMessageID]
	if !ok {
		state = domain.DeliveryUnknown
	}
	now := time.Now().UTC()
	return &domain.DeliveryStatus{State: state, ProviderStatus: string(state), UpdatedAt: &now}, nil
}

func (p *MockProvider) GetBalance(context.Context) (float64, error) {
	return 1000, nil
}

// SetStatus overrides what GetStatus returns for a message.
func (p *MockProvider) SetStatus(providerMessageID string, state domain.DeliveryState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[providerMessageID] = state
}

// Calls returns the number of Send attempts seen.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Sent returns the messages passed to Send, in order.
func (p *MockProvider) Sent() []*OutboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*OutboundMessage(nil), p.sent...)
}
