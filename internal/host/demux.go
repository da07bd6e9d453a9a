package host

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/rtunio/rtun/internal/config"
	"github.com/rtunio/rtun/internal/frame"
	rtunmetrics "github.com/rtunio/rtun/internal/metrics"
)

// demultiplexer reads frames off a single tunnel connection and fans them
// out to per-peer connections against the local service, dialing a new
// local connection lazily the first time a given peer id is seen.
type demultiplexer struct {
	cfg     *config.HostConfig
	logger  *slog.Logger
	metrics *rtunmetrics.HostCollector

	tunnel    net.Conn
	tunWriter *frame.Writer
	local     *localRegistry

	// onLocalCountChange, if set, is called with the current open
	// local-connection count whenever it changes.
	onLocalCountChange func(int)
}

func newDemultiplexer(cfg *config.HostConfig, logger *slog.Logger, metrics *rtunmetrics.HostCollector, tunnel net.Conn) *demultiplexer {
	return &demultiplexer{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		tunnel:    tunnel,
		tunWriter: frame.NewWriter(tunnel),
		local:     newLocalRegistry(),
	}
}

// run reads frames from the tunnel until it closes or ctx is cancelled.
// It returns the error that ended the read loop, if any.
func (d *demultiplexer) run(ctx context.Context) error {
	defer d.local.closeAll()

	// Closing the tunnel unblocks ReadFrame once ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = d.tunnel.Close()
		case <-stop:
		}
	}()

	r := frame.NewReader(d.tunnel, frame.DefaultMaxPayload)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := r.ReadFrame()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("host: tunnel read: %w", err)
		}

		if d.metrics != nil {
			d.metrics.FramesTotal.WithLabelValues(rtunmetrics.DirectionTunnelToPeer).Inc()
			d.metrics.BytesTotal.WithLabelValues(rtunmetrics.DirectionTunnelToPeer).Add(float64(len(f.Payload)))
		}

		if f.IsDisconnect() {
			if conn, ok := d.local.remove(f.PeerID); ok {
				_ = conn.Close()
				if d.metrics != nil {
					d.metrics.LocalConnsActive.Dec()
				}
				d.notifyLocalCount()
			}
			continue
		}

		conn, ok := d.local.get(f.PeerID)
		if !ok {
			conn, err = d.dialLocal(ctx, f.PeerID)
			if err != nil {
				// Drop the frame and keep the tunnel open; a later frame
				// for the same peer id retries the dial.
				d.logger.Warn("local dial refused", slog.Uint64("peer_id", uint64(f.PeerID)), slog.Any("error", err))
				continue
			}
		}

		if _, err := conn.Write(f.Payload); err != nil {
			d.logger.Debug("local write failed", slog.Uint64("peer_id", uint64(f.PeerID)), slog.Any("error", err))
			if rc, removed := d.local.remove(f.PeerID); removed {
				_ = rc.Close()
				if d.metrics != nil {
					d.metrics.LocalConnsActive.Dec()
				}
				d.notifyLocalCount()
			}
			_ = d.tunWriter.WriteDisconnect(f.PeerID)
		}
	}
}

// notifyLocalCount reports the current open local-connection count to the
// status hook, if one is set.
func (d *demultiplexer) notifyLocalCount() {
	if d.onLocalCountChange != nil {
		d.onLocalCountChange(d.local.len())
	}
}

// dialLocal connects to the configured local service for a newly seen peer
// id and starts the goroutine forwarding that connection's replies back
// into the tunnel.
func (d *demultiplexer) dialLocal(ctx context.Context, peerID uint32) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.cfg.Host.DialTimeout}
	addr := fmt.Sprintf("%s:%d", d.cfg.Host.LocalHost, d.cfg.Host.LocalPort)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if d.metrics != nil {
			d.metrics.DialFailuresTotal.Inc()
		}
		return nil, fmt.Errorf("dial local service %s: %w", addr, err)
	}

	d.local.add(peerID, conn)
	if d.metrics != nil {
		d.metrics.LocalConnsActive.Inc()
	}
	d.notifyLocalCount()

	go d.forwardLocalToTunnel(peerID, conn)

	return conn, nil
}

// forwardLocalToTunnel copies data from the local service connection into
// tunnel frames tagged with peerID until the connection closes.
func (d *demultiplexer) forwardLocalToTunnel(peerID uint32, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := d.tunWriter.WriteFrame(frame.Frame{PeerID: peerID, Payload: append([]byte(nil), buf[:n]...)}); werr != nil {
				break
			}
			if d.metrics != nil {
				d.metrics.FramesTotal.WithLabelValues(rtunmetrics.DirectionPeerToTunnel).Inc()
				d.metrics.BytesTotal.WithLabelValues(rtunmetrics.DirectionPeerToTunnel).Add(float64(n))
			}
		}
		if err != nil {
			break
		}
	}

	if _, removed := d.local.remove(peerID); removed {
		if d.metrics != nil {
			d.metrics.LocalConnsActive.Dec()
		}
		d.notifyLocalCount()
		_ = d.tunWriter.WriteDisconnect(peerID)
	}
	_ = conn.Close()
}
