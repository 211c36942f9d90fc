package main

import (
	"context"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/rentdesk/comms_services/internal/core_comms/repository/postgres"
	dispatchapp "github.com/rentdesk/comms_services/internal/dispatch_service/app"
	"github.com/rentdesk/comms_services/internal/platform/cronjob"
	"github.com/rentdesk/comms_services/internal/platform/database"
	"github.com/rentdesk/comms_services/internal/platform/lifecycle"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
	"github.com/rentdesk/comms_services/internal/scheduler_service/app"
)

const (
	serviceName       = "scheduler_service"
	scheduledSendsJob = "scheduled_sends"
	stalledSendsJob   = "stalled_sends"
)

func main() {
	cfg, appLogger, err := lifecycle.Bootstrap(serviceName)
	if err != nil {
		slog.Error("Failed to start", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger.Info("Scheduler service starting...", "schedule", cfg.Scheduler.Schedule, "expiry_deadline", cfg.Scheduler.ExpiryDeadline)

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

	comms := postgres.NewPgCommunicationRepository(dbPool, appLogger)
	bulks := postgres.NewPgBulkRepository(dbPool, appLogger)
	dispatcher := dispatchapp.NewDispatcher(comms, dispatchapp.NewNATSQueue(natsClient, cfg.NATS.JobSubjectPrefix, appLogger), appLogger)
	bulkProgress := dispatchapp.NewBulkOrchestrator(comms, bulks, dispatchapp.NewRecipientNormalizer(appLogger), dispatcher, appLogger)

	poller := app.NewScheduledSendPoller(comms, dispatcher, bulkProgress, app.PollerConfig{
		ExpiryDeadline: cfg.Scheduler.ExpiryDeadline,
		BatchSize:      cfg.Scheduler.BatchSize,
	}, appLogger)

	recovery := app.NewStalledSendPoller(comms, dispatcher, app.RecoveryConfig{
		VisibilityTimeout: cfg.Scheduler.VisibilityTimeout,
		BatchSize:         cfg.Scheduler.BatchSize,
	}, appLogger)

	runner := cronjob.NewRunner(appLogger)
	if err := runner.Add(scheduledSendsJob, cfg.Scheduler.Schedule, 0, poller.Run); err != nil {
		appLogger.Error("Failed to schedule poller", "error", err)
		os.Exit(1)
	}
	if err := runner.Add(stalledSendsJob, cfg.Scheduler.RecoverySchedule, 0, recovery.Run); err != nil {
		appLogger.Error("Failed to schedule recovery sweep", "error", err)
		os.Exit(1)
	}
	runner.RunNow(scheduledSendsJob, 0, poller.Run)
	runner.RunNow(stalledSendsJob, 0, recovery.Run)
	runner.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lifecycle.ServeHTTP(gctx, lifecycle.MetricsServer(cfg.HTTP.MetricsPort), cfg.HTTP.ShutdownTimeout, appLogger)
	})
	g.Go(func() error {
		<-gctx.Done()
		lifecycle.NotifyStopping(appLogger)
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return runner.Stop(stopCtx)
	})
	lifecycle.NotifyReady(appLogger)

	if err := g.Wait(); err != nil {
		appLogger.Error("Scheduler service stopped with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Scheduler service shut down.")
}
