package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rentdesk/comms_services/internal/core_comms/repository/postgres"
	"github.com/rentdesk/comms_services/internal/delivery_retrieval_service/app"
	dispatchapp "github.com/rentdesk/comms_services/internal/dispatch_service/app"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
	"github.com/rentdesk/comms_services/internal/platform/cache"
	"github.com/rentdesk/comms_services/internal/platform/cronjob"
	"github.com/rentdesk/comms_services/internal/platform/database"
	"github.com/rentdesk/comms_services/internal/platform/lifecycle"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
)

const (
	serviceName   = "delivery_retrieval_service"
	statusPollJob = "status_poll"
)

func main() {
	cfg, appLogger, err := lifecycle.Bootstrap(serviceName)
	if err != nil {
		slog.Error("Failed to start", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger.Info("Delivery retrieval service starting...", "subject_prefix", cfg.NATS.WebhookSubjectPrefix)

	ctx, stop := lifecycle.SignalContext()
	defer stop()

	dbPool, err := database.NewDBPool(ctx, cfg.Postgres)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATS.URL, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		appLogger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	comms := postgres.NewPgCommunicationRepository(dbPool, appLogger)
	bulks := postgres.NewPgBulkRepository(dbPool, appLogger)
	// Only Refresh is used here; nothing is dispatched from this service.
	bulkProgress := dispatchapp.NewBulkOrchestrator(comms, bulks, dispatchapp.NewRecipientNormalizer(appLogger), nil, appLogger)

	reconciler := app.NewReconciler(comms, bulkProgress, appLogger)
	consumer := app.NewWebhookConsumer(
		natsClient,
		app.NewTranslators(),
		reconciler,
		app.NewRedisDeduper(redisClient, cfg.Webhooks.DedupeTTL, appLogger),
		cfg.NATS.WebhookSubjectPrefix,
		cfg.NATS.WebhookQueueGroup,
		appLogger,
	)
	if err := consumer.Start(ctx); err != nil {
		appLogger.Error("Failed to consume webhooks", "error", err)
		os.Exit(1)
	}

	runner := cronjob.NewRunner(appLogger)
	if cfg.StatusPoller.Enabled {
		registry, err := provider.NewRegistryFromConfig(appLogger, cfg.Providers, &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			appLogger.Error("Failed to configure providers", "error", err)
			os.Exit(1)
		}
		poller := app.NewStatusPoller(comms, registry, reconciler, app.StatusPollerConfig{
			MinAge:    cfg.StatusPoller.MinAge,
			BatchSize: cfg.StatusPoller.BatchSize,
		}, appLogger)
		if err := runner.Add(statusPollJob, cfg.StatusPoller.Schedule, 0, poller.Run); err != nil {
			appLogger.Error("Failed to schedule status poller", "error", err)
			os.Exit(1)
		}
	}
	runner.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lifecycle.ServeHTTP(gctx, lifecycle.MetricsServer(cfg.HTTP.MetricsPort), cfg.HTTP.ShutdownTimeout, appLogger)
	})
	g.Go(func() error {
		<-gctx.Done()
		lifecycle.NotifyStopping(appLogger)
		consumer.Stop()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return runner.Stop(stopCtx)
	})
	lifecycle.NotifyReady(appLogger)

	if err := g.Wait(); err != nil {
		appLogger.Error("Delivery retrieval service stopped with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Delivery retrieval service shut down.")
}
