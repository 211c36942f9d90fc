package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rentdesk/comms_services/internal/core_comms/repository/postgres"
	grpcadapter "github.com/rentdesk/comms_services/internal/dispatch_service/adapters/grpc"
	"github.com/rentdesk/comms_services/internal/dispatch_service/app"
	"github.com/rentdesk/comms_services/internal/dispatch_service/provider"
	"github.com/rentdesk/comms_services/internal/platform/database"
	"github.com/rentdesk/comms_services/internal/platform/lifecycle"
	"github.com/rentdesk/comms_services/internal/platform/messagebroker"
)

const serviceName = "dispatch_service"

func main() {
	cfg, appLogger, err := lifecycle.Bootstrap(serviceName)
	if err != nil {
		slog.Error("Failed to start", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger.Info("Dispatch service starting...", "concurrency", cfg.Dispatch.Concurrency, "grpc_port", cfg.GRPC.Port)

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

	registry, err := provider.NewRegistryFromConfig(appLogger, cfg.Providers, &http.Client{Timeout: 60 * time.Second})
	if err != nil {
		appLogger.Error("Failed to configure providers", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Providers registered", "providers", registry.Names())

	comms := postgres.NewPgCommunicationRepository(dbPool, appLogger)
	bulks := postgres.NewPgBulkRepository(dbPool, appLogger)
	templates := app.NewTemplateResolver(postgres.NewPgTemplateRepository(dbPool))

	normalizer := app.NewRecipientNormalizer(appLogger)
	queue := app.NewMemoryQueue(cfg.Dispatch.QueueSize)
	dispatcher := app.NewDispatcher(comms, queue, appLogger)
	bulkOrchestrator := app.NewBulkOrchestrator(comms, bulks, normalizer, dispatcher, appLogger)

	pool := app.NewWorkerPool(queue, queue, comms, templates, registry, normalizer, app.WorkerPoolConfig{
		Concurrency: cfg.Dispatch.Concurrency,
		RetryUnit:   cfg.Dispatch.RetryUnit,
		TimeoutUnit: cfg.Dispatch.TimeoutUnit,
	}, appLogger)
	pool.SetBulkRefresher(bulkOrchestrator)
	bridge := app.NewJobBridge(natsClient, queue, cfg.NATS.JobSubjectPrefix, cfg.NATS.JobQueueGroup, appLogger)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcadapter.LoggingInterceptor(appLogger)))
	grpcadapter.RegisterQueryServer(grpcServer, grpcadapter.NewDispatchQueryGRPCServer(comms, bulkOrchestrator, registry, appLogger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		appLogger.Error("Failed to listen for gRPC", "port", cfg.GRPC.Port, "error", err)
		os.Exit(1)
	}

	pool.Start(ctx)
	if err := bridge.Start(ctx); err != nil {
		appLogger.Error("Failed to consume dispatch jobs", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("gRPC server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return lifecycle.ServeHTTP(gctx, lifecycle.MetricsServer(cfg.HTTP.MetricsPort), cfg.HTTP.ShutdownTimeout, appLogger)
	})
	g.Go(func() error {
		<-gctx.Done()
		lifecycle.NotifyStopping(appLogger)
		healthServer.Shutdown()
		bridge.Stop()
		queue.Close()
		pool.Stop()
		grpcServer.GracefulStop()
		return nil
	})

	healthServer.SetServingStatus(grpcadapter.QueryServiceName, healthpb.HealthCheckResponse_SERVING)
	lifecycle.NotifyReady(appLogger)
	appLogger.Info("Dispatch service ready")

	if err := g.Wait(); err != nil {
		appLogger.Error("Dispatch service stopped with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Dispatch service shut down.")
}
