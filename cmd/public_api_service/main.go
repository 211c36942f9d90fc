package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/rentdesk/comms_services/internal/core_comms/repository/postgres"
	"github.com/rentdesk/comms_services/internal/dispatch_service/app"
	"github.com/rentdesk/comms_services/internal/platform/database"
	"github.com/rentdesk/comms_services/internal/platform/lifecycle"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
	"github.com/rentdesk/comms_services/internal/public_api_service/adapters/grpc_clients"
	httptransport "github.com/rentdesk/comms_services/internal/public_api_service/transport/http"
)

const serviceName = "public_api_service"

func main() {
	cfg, appLogger, err := lifecycle.Bootstrap(serviceName)
	if err != nil {
		slog.Error("Failed to start", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger.Info("Public API service starting...", "port", cfg.HTTP.Port)

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

	dispatchClient, err := grpc_clients.NewDispatchQueryClient(cfg.GRPC.DispatchTarget, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize dispatch query client", "error", err)
		os.Exit(1)
	}
	defer dispatchClient.Close()

	comms := postgres.NewPgCommunicationRepository(dbPool, appLogger)
	bulks := postgres.NewPgBulkRepository(dbPool, appLogger)
	normalizer := app.NewRecipientNormalizer(appLogger)
	dispatcher := app.NewDispatcher(comms, app.NewNATSQueue(natsClient, cfg.NATS.JobSubjectPrefix, appLogger), appLogger)
	commsService := app.NewCommsAppService(
		comms,
		normalizer,
		dispatcher,
		app.NewBulkOrchestrator(comms, bulks, normalizer, dispatcher, appLogger),
		app.SettingsDefaults{
			MaxRetries:    cfg.Dispatch.MaxRetries,
			RetryInterval: cfg.Dispatch.RetryInterval,
			Timeout:       cfg.Dispatch.Timeout,
		},
		appLogger,
	)

	router := httptransport.NewRouter(
		appLogger,
		httptransport.NewCommunicationHandler(commsService, dispatchClient, appLogger),
		httptransport.NewWebhookForwarder(natsClient, cfg.NATS.WebhookSubjectPrefix, cfg.Webhooks.MaxBodyBytes, appLogger),
		map[string]httptransport.HealthCheck{
			"postgres": func(ctx context.Context) error { return dbPool.Ping(ctx) },
			"nats":     natsClient.Ping,
		},
	)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lifecycle.ServeHTTP(gctx, httpServer, cfg.HTTP.ShutdownTimeout, appLogger)
	})
	g.Go(func() error {
		<-gctx.Done()
		lifecycle.NotifyStopping(appLogger)
		return nil
	})
	lifecycle.NotifyReady(appLogger)

	if err := g.Wait(); err != nil {
		appLogger.Error("Public API service stopped with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Public API service shut down.")
}
