package provider

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/platform/config"
)

// NewRegistryFromConfig registers every enabled provider behind its rate limiter
// and applies the configured channel defaults. With the mock provider enabled,
// channels without a real provider fall back to a mock.
func NewRegistryFromConfig(logger *slog.Logger, cfg config.ProvidersConfig, httpClient *http.Client) (*Registry, error) {
	reg := NewRegistry()

	if cfg.SMTP.Enabled {
		smtpProvider, err := NewSMTPProvider(logger, cfg.SMTP, nil)
		if err != nil {
			return nil, err
		}
		reg.Register(WithRateLimit(smtpProvider, cfg.SMTP.Rate.PerSecond, cfg.SMTP.Rate.Burst))
	}
	if cfg.SMS.Enabled {
		reg.Register(WithRateLimit(NewHTTPSMSProvider(logger, cfg.SMS, httpClient), cfg.SMS.Rate.PerSecond, cfg.SMS.Rate.Burst))
	}
	if cfg.Push.Enabled {
		reg.Register(WithRateLimit(NewHTTPPushProvider(logger, cfg.Push, httpClient), cfg.Push.Rate.PerSecond, cfg.Push.Rate.Burst))
	}
	if cfg.Webhook.Enabled {
		reg.Register(WithRateLimit(NewWebhookProvider(logger, cfg.Webhook, httpClient), cfg.Webhook.Rate.PerSecond, cfg.Webhook.Rate.Burst))
	}
	if cfg.Mock.Enabled {
		for _, ch := range domain.AllTypes {
			reg.Register(NewMockProvider(logger, "mock-"+string(ch), ch, cfg.Mock.SimulatedDelay))
		}
	}

	defaults := map[domain.CommunicationType]string{
		domain.TypeEmail:   cfg.DefaultEmail,
		domain.TypeSMS:     cfg.DefaultSMS,
		domain.TypePush:    cfg.DefaultPush,
		domain.TypeWebhook: cfg.DefaultWebhook,
	}
	for ch, name := range defaults {
		if name == "" {
			continue
		}
		if _, ok := reg.Get(name); !ok {
			logger.Warn("Default provider not registered", "channel", ch, "provider", name)
			continue
		}
		if err := reg.SetDefault(ch, name); err != nil {
			return nil, fmt.Errorf("default %s provider: %w", ch, err)
		}
	}
	logger.Info("Providers registered", "providers", reg.Names())
	return reg, nil
}
