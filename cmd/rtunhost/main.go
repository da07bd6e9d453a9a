// rtunhost is the tunnel client: it requests a public port from a relay,
// attaches as the host for that port, and forwards traffic to a local
// service.
package main

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rtunio/rtun/internal/config"
	"github.com/rtunio/rtun/internal/host"
	rtunmetrics "github.com/rtunio/rtun/internal/metrics"
	appversion "github.com/rtunio/rtun/internal/version"
)

var (
	relayAddr        string
	controlPort      int
	localHost        string
	localPort        int
	dialTimeout      time.Duration
	reconnectBackoff time.Duration
	metricsAddr      string
	logLevel         string
	logFormat        string
	once             bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rtunhost <relay_addr> <local_port>",
		Short:   "expose a local TCP service through an rtund relay",
		Version: appversion.Version,
		Args:    cobra.ExactArgs(2),
		RunE:    runHost,
	}

	cmd.Flags().IntVar(&controlPort, "control-port", 9000, "relay control endpoint port")
	cmd.Flags().StringVar(&localHost, "local-host", "127.0.0.1", "hidden service address")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "relay/local dial timeout")
	cmd.Flags().DurationVar(&reconnectBackoff, "reconnect-backoff", 5*time.Second, "delay between tunnel sessions")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9202", "Prometheus metrics listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log format: json, text")
	cmd.Flags().BoolVar(&once, "once", false, "run a single tunnel session instead of reconnecting forever")

	return cmd
}

func runHost(cmd *cobra.Command, args []string) error {
	relayAddr = args[0]

	var err error
	localPort, err = parsePort(args[1])
	if err != nil {
		return fmt.Errorf("invalid local port %q: %w", args[1], err)
	}

	cfg := config.DefaultHostConfig()
	cfg.Host.RelayAddr = relayAddr
	cfg.Host.ControlPort = controlPort
	cfg.Host.LocalHost = localHost
	cfg.Host.LocalPort = localPort
	cfg.Host.DialTimeout = dialTimeout
	cfg.Host.ReconnectBackoff = reconnectBackoff
	cfg.Metrics.Addr = metricsAddr
	cfg.Log.Level = logLevel
	cfg.Log.Format = logFormat

	if err := config.ValidateHost(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	logger.Info("rtunhost starting",
		slog.String("version", appversion.Version),
		slog.String("relay_addr", cfg.Host.RelayAddr),
		slog.Int("control_port", cfg.Host.ControlPort),
		slog.String("local_target", fmt.Sprintf("%s:%d", cfg.Host.LocalHost, cfg.Host.LocalPort)),
	)

	reg := prometheus.NewRegistry()
	collector := rtunmetrics.NewHostCollector(reg)
	status := host.NewStatusState()

	h := host.New(cfg, logger, collector, status)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if once {
			_, err := h.RunOnce(gCtx)
			return err
		}
		return h.RunForever(gCtx)
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	statusSrv := &http.Server{
		Addr:              "127.0.0.1:9203",
		Handler:           status.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var lc net.ListenConfig

	g.Go(func() error {
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		return listenAndServe(gCtx, &lc, statusSrv, statusSrv.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		_ = statusSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("rtunhost stopped")
	return nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return srv.Serve(ln)
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
