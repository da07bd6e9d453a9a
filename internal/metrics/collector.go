// Package rtunmetrics exposes Prometheus metrics for the relay and host
// processes.
package rtunmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rtun"

// Direction labels used by both collectors' frame/byte counters.
const (
	DirectionTunnelToPeer = "tunnel_to_peer"
	DirectionPeerToTunnel = "peer_to_tunnel"
)

// -------------------------------------------------------------------------
// RelayCollector — relay-side (rtund) metrics
// -------------------------------------------------------------------------

// RelayCollector holds all relay Prometheus metrics.
type RelayCollector struct {
	// PoolPortsTotal is the constant size of the configured port range.
	PoolPortsTotal prometheus.Gauge

	// PoolPortsInUse tracks the number of ports currently allocated.
	PoolPortsInUse prometheus.Gauge

	// SessionsActive tracks the number of live peer-sessions.
	SessionsActive prometheus.Gauge

	// PeersActive tracks the number of connected peers, labeled by port.
	PeersActive *prometheus.GaugeVec

	// FramesTotal counts forwarded frames by direction.
	FramesTotal *prometheus.CounterVec

	// BytesTotal counts forwarded payload bytes by direction.
	BytesTotal *prometheus.CounterVec

	// ControlRequestsTotal counts control-endpoint port requests by result.
	ControlRequestsTotal *prometheus.CounterVec

	// HostAttachTimeoutsTotal counts ports reclaimed because no host attached
	// before the attach deadline.
	HostAttachTimeoutsTotal prometheus.Counter

	// SweeperReclaimsTotal counts ports reclaimed by the health sweeper.
	SweeperReclaimsTotal prometheus.Counter
}

// NewRelayCollector creates a RelayCollector and registers it against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &RelayCollector{
		PoolPortsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pool_ports_total",
			Help:      "Configured size of the public port pool.",
		}),
		PoolPortsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pool_ports_in_use",
			Help:      "Number of public ports currently allocated.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_active",
			Help:      "Number of peer-session managers currently running.",
		}),
		PeersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "peers_active",
			Help:      "Number of connected peers per public port.",
		}, []string{"port"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Total frames forwarded, labeled by direction.",
		}, []string{"direction"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Total payload bytes forwarded, labeled by direction.",
		}, []string{"direction"}),
		ControlRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "control_requests_total",
			Help:      "Total control-endpoint port requests, labeled by result.",
		}, []string{"result"}),
		HostAttachTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "host_attach_timeouts_total",
			Help:      "Total ports reclaimed after the host-attach deadline elapsed.",
		}),
		SweeperReclaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sweeper_reclaims_total",
			Help:      "Total ports reclaimed by the health sweeper.",
		}),
	}

	reg.MustRegister(
		c.PoolPortsTotal,
		c.PoolPortsInUse,
		c.SessionsActive,
		c.PeersActive,
		c.FramesTotal,
		c.BytesTotal,
		c.ControlRequestsTotal,
		c.HostAttachTimeoutsTotal,
		c.SweeperReclaimsTotal,
	)

	return c
}

// -------------------------------------------------------------------------
// HostCollector — host-side (rtunhost) metrics
// -------------------------------------------------------------------------

// HostCollector holds all host Prometheus metrics.
type HostCollector struct {
	// LocalConnsActive tracks the number of open local sub-connections.
	LocalConnsActive prometheus.Gauge

	// FramesTotal counts forwarded frames by direction.
	FramesTotal *prometheus.CounterVec

	// BytesTotal counts forwarded payload bytes by direction.
	BytesTotal *prometheus.CounterVec

	// DialFailuresTotal counts failed dials to the local hidden service.
	DialFailuresTotal prometheus.Counter

	// TunnelReconnectsTotal counts tunnel re-establishments after a drop.
	TunnelReconnectsTotal prometheus.Counter
}

// NewHostCollector creates a HostCollector and registers it against reg.
func NewHostCollector(reg prometheus.Registerer) *HostCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &HostCollector{
		LocalConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "local_conns_active",
			Help:      "Number of currently open local sub-connections.",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "frames_total",
			Help:      "Total frames forwarded, labeled by direction.",
		}, []string{"direction"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "bytes_total",
			Help:      "Total payload bytes forwarded, labeled by direction.",
		}, []string{"direction"}),
		DialFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "dial_failures_total",
			Help:      "Total failed dials to the local hidden service.",
		}),
		TunnelReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "tunnel_reconnects_total",
			Help:      "Total tunnel re-establishments after a drop.",
		}),
	}

	reg.MustRegister(
		c.LocalConnsActive,
		c.FramesTotal,
		c.BytesTotal,
		c.DialFailuresTotal,
		c.TunnelReconnectsTotal,
	)

	return c
}
