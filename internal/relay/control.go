package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/rtunio/rtun/internal/portpool"
)

// controlEndpoint accepts connections on the relay's control address. Each
// connection is a one-shot request: the client sends nothing at all, the
// relay replies with the assigned port as ASCII decimal (or ERROR:<reason>)
// and closes. The tunnel itself is established separately, by dialing the
// assigned port directly (see Session.acceptTunnel).
type controlEndpoint struct {
	listener net.Listener
	relay    *Relay
}

func newControlEndpoint(listener net.Listener, relay *Relay) *controlEndpoint {
	return &controlEndpoint{listener: listener, relay: relay}
}

// serve accepts connections until ctx is cancelled or the listener closes.
func (c *controlEndpoint) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("relay: control accept: %w", err)
			}
		}

		go c.handle(ctx, conn)
	}
}

// handle answers a single port request. It never reads from conn: the
// control protocol carries no request payload, only a reply.
func (c *controlEndpoint) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	port, err := c.relay.allocateSession(ctx)
	if err != nil {
		c.relay.logger.Warn("port allocation failed", slog.Any("error", err))
		if c.relay.metrics != nil {
			result := "exhausted"
			if !errors.Is(err, portpool.ErrPoolExhausted) {
				result = "error"
			}
			c.relay.metrics.ControlRequestsTotal.WithLabelValues(result).Inc()
		}
		if _, werr := fmt.Fprint(conn, "ERROR:NoPorts"); werr != nil {
			c.relay.logger.Warn("failed to send error reply", slog.Any("error", werr))
		}
		return
	}

	if _, werr := fmt.Fprintf(conn, "%d", port); werr != nil {
		c.relay.logger.Warn("failed to send port assignment", slog.Int("port", port), slog.Any("error", werr))
		if c.relay.metrics != nil {
			c.relay.metrics.ControlRequestsTotal.WithLabelValues("error").Inc()
		}
		c.relay.forceRelease(port)
		return
	}

	if c.relay.metrics != nil {
		c.relay.metrics.ControlRequestsTotal.WithLabelValues("ok").Inc()
	}
	c.relay.logger.Info("port assigned", slog.Int("port", port))
}
