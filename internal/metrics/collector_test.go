package rtunmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	rtunmetrics "github.com/rtunio/rtun/internal/metrics"
)

func TestNewRelayCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rtunmetrics.NewRelayCollector(reg)

	if c.PoolPortsTotal == nil || c.PoolPortsInUse == nil || c.SessionsActive == nil {
		t.Fatal("relay gauges are nil")
	}
	if c.PeersActive == nil || c.FramesTotal == nil || c.BytesTotal == nil || c.ControlRequestsTotal == nil {
		t.Fatal("relay vectors are nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestRelayCollectorPoolGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rtunmetrics.NewRelayCollector(reg)

	c.PoolPortsTotal.Set(100)
	c.PoolPortsInUse.Inc()
	c.PoolPortsInUse.Inc()
	c.PoolPortsInUse.Dec()

	if got := gaugeValue(t, c.PoolPortsTotal); got != 100 {
		t.Errorf("PoolPortsTotal = %v, want 100", got)
	}
	if got := gaugeValue(t, c.PoolPortsInUse); got != 1 {
		t.Errorf("PoolPortsInUse = %v, want 1", got)
	}
}

func TestRelayCollectorFrameCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rtunmetrics.NewRelayCollector(reg)

	c.FramesTotal.WithLabelValues(rtunmetrics.DirectionPeerToTunnel).Inc()
	c.FramesTotal.WithLabelValues(rtunmetrics.DirectionPeerToTunnel).Inc()
	c.FramesTotal.WithLabelValues(rtunmetrics.DirectionTunnelToPeer).Inc()

	if got := counterVecValue(t, c.FramesTotal, rtunmetrics.DirectionPeerToTunnel); got != 2 {
		t.Errorf("FramesTotal[peer_to_tunnel] = %v, want 2", got)
	}
	if got := counterVecValue(t, c.FramesTotal, rtunmetrics.DirectionTunnelToPeer); got != 1 {
		t.Errorf("FramesTotal[tunnel_to_peer] = %v, want 1", got)
	}
}

func TestRelayCollectorControlRequests(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rtunmetrics.NewRelayCollector(reg)

	c.ControlRequestsTotal.WithLabelValues("ok").Inc()
	c.ControlRequestsTotal.WithLabelValues("exhausted").Inc()
	c.ControlRequestsTotal.WithLabelValues("ok").Inc()

	if got := counterVecValue(t, c.ControlRequestsTotal, "ok"); got != 2 {
		t.Errorf("ControlRequestsTotal[ok] = %v, want 2", got)
	}
	if got := counterVecValue(t, c.ControlRequestsTotal, "exhausted"); got != 1 {
		t.Errorf("ControlRequestsTotal[exhausted] = %v, want 1", got)
	}
}

func TestNewHostCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rtunmetrics.NewHostCollector(reg)

	if c.LocalConnsActive == nil || c.DialFailuresTotal == nil || c.TunnelReconnectsTotal == nil {
		t.Fatal("host scalar metrics are nil")
	}

	c.LocalConnsActive.Inc()
	c.DialFailuresTotal.Inc()
	c.TunnelReconnectsTotal.Inc()

	if got := gaugeValue(t, c.LocalConnsActive); got != 1 {
		t.Errorf("LocalConnsActive = %v, want 1", got)
	}
	if got := counterValue(t, c.DialFailuresTotal); got != 1 {
		t.Errorf("DialFailuresTotal = %v, want 1", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
