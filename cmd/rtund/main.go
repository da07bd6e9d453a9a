// rtund is the relay daemon: it hands out public ports from a bounded pool
// and multiplexes peer connections through whichever host attaches to
// claim each one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rtunio/rtun/internal/config"
	rtunmetrics "github.com/rtunio/rtun/internal/metrics"
	"github.com/rtunio/rtun/internal/relay"
	appversion "github.com/rtunio/rtun/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logger := newLogger(cfg.Log)

	logger.Info("rtund starting",
		slog.String("version", appversion.Version),
		slog.String("control_addr", cfg.Relay.ControlAddr),
		slog.String("status_addr", cfg.Relay.StatusAddr),
		slog.Int("pool_low", cfg.Relay.PoolLow),
		slog.Int("pool_high", cfg.Relay.PoolHigh),
	)

	reg := prometheus.NewRegistry()
	collector := rtunmetrics.NewRelayCollector(reg)

	r, err := relay.New(cfg, logger, collector)
	if err != nil {
		logger.Error("failed to build relay", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, r, reg, logger); err != nil {
		logger.Error("rtund exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("rtund stopped")
	return 0
}

func runServers(cfg *config.RelayConfig, r *relay.Relay, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.Run(gCtx)
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	statusSrv := &http.Server{
		Addr:              cfg.Relay.StatusAddr,
		Handler:           r.StatusHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var lc net.ListenConfig

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		logger.Info("status server listening", slog.String("addr", cfg.Relay.StatusAddr))
		return listenAndServe(gCtx, &lc, statusSrv, cfg.Relay.StatusAddr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv, statusSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
