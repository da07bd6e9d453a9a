package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rtunio/rtun/internal/config"
	rtunmetrics "github.com/rtunio/rtun/internal/metrics"
)

// Host dials a relay, claims a public port, and demultiplexes the
// resulting tunnel into connections against a local service.
type Host struct {
	cfg     *config.HostConfig
	logger  *slog.Logger
	metrics *rtunmetrics.HostCollector
	status  *StatusState
}

// New constructs a Host from cfg. status may be nil if no status endpoint
// is being served.
func New(cfg *config.HostConfig, logger *slog.Logger, metrics *rtunmetrics.HostCollector, status *StatusState) *Host {
	return &Host{cfg: cfg, logger: logger, metrics: metrics, status: status}
}

// RunOnce requests a port, establishes one tunnel session, and blocks until
// that tunnel closes or ctx is cancelled. It returns the assigned public
// port alongside any error from the session.
func (h *Host) RunOnce(ctx context.Context) (int, error) {
	port, err := requestPort(h.cfg)
	if err != nil {
		return 0, err
	}

	h.logger.Info("public port assigned", slog.Int("port", port))

	tunnel, err := dialTunnel(h.cfg, port)
	if err != nil {
		return port, err
	}
	defer tunnel.Close()

	h.logger.Info("tunnel established",
		slog.String("relay_addr", h.cfg.Host.RelayAddr),
		slog.Int("port", port),
		slog.String("local_target", fmt.Sprintf("%s:%d", h.cfg.Host.LocalHost, h.cfg.Host.LocalPort)))

	if h.status != nil {
		h.status.SetConnected(true, port)
		defer h.status.SetConnected(false, 0)
	}

	d := newDemultiplexer(h.cfg, h.logger, h.metrics, tunnel)
	if h.status != nil {
		d.onLocalCountChange = h.status.SetLocalConns
	}

	if err := d.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return port, err
	}

	return port, nil
}

// RunForever repeats RunOnce until ctx is cancelled, waiting
// ReconnectBackoff between sessions, matching the auto-reconnect behavior
// expected of a long-lived tunnel client.
func (h *Host) RunForever(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, err := h.RunOnce(ctx)
		if err != nil {
			h.logger.Warn("tunnel session ended", slog.Any("error", err))
			if h.metrics != nil {
				h.metrics.TunnelReconnectsTotal.Inc()
			}
		} else {
			h.logger.Info("tunnel session ended cleanly")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.Host.ReconnectBackoff):
		}
	}
}
