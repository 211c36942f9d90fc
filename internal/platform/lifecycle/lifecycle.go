// Package lifecycle holds the start-up and shutdown plumbing every service main shares.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rentdesk/comms_services/internal/platform/config"
	"github.com/rentdesk/comms_services/internal/platform/logger"
)

// Bootstrap loads configuration and builds the service logger. Edits to the
// log level in config.yaml take effect without a restart.
func Bootstrap(serviceName string) (*config.Config, *slog.Logger, error) {
	level := new(slog.LevelVar)
	var appLogger *slog.Logger
	cfg, err := config.LoadAndWatch(serviceName, func(updated *config.Config, e fsnotify.Event) {
		next := logger.ParseLevel(updated.Log.Level)
		if next == level.Level() {
			return
		}
		level.Set(next)
		if appLogger != nil {
			appLogger.Info("Log level changed", "level", next.String(), "file", e.Name)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	appLogger = logger.NewWithOptions(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		LevelVar:   level,
	}).With("service", serviceName)
	return cfg, appLogger, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// NotifyReady tells systemd the service is up. Outside systemd it does nothing.
func NotifyReady(logger *slog.Logger) {
	sdNotify(logger, daemon.SdNotifyReady)
}

func NotifyStopping(logger *slog.Logger) {
	sdNotify(logger, daemon.SdNotifyStopping)
}

func sdNotify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("systemd notification failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("systemd notified", "state", state)
	}
}

// MetricsServer serves the default Prometheus registry on /metrics.
func MetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ServeHTTP runs srv until ctx is done, then shuts it down within shutdownTimeout.
func ServeHTTP(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	return Serve(ctx, srv, ln, shutdownTimeout, logger)
}

// Serve is ServeHTTP on an existing listener.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration, logger *slog.Logger) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server on %s: %w", ln.Addr(), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server on %s: %w", ln.Addr(), err)
	}
	logger.Info("HTTP server shut down gracefully", "addr", ln.Addr().String())
	return nil
}
