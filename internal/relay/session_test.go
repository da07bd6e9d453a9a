package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"log/slog"
)

func discardSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustTCPListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// TestAcceptTunnelFirstConnectionWins confirms the first connection Accept
// returns on the public listener becomes the tunnel, with no separate
// attach handshake of any kind.
func TestAcceptTunnelFirstConnectionWins(t *testing.T) {
	t.Parallel()

	ln := mustTCPListener(t)
	defer ln.Close()

	s := newSession(9001, 1<<20, discardSlog(), nil, time.Second)
	s.public = ln

	dialDone := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			dialDone <- conn
		}
	}()

	tunnel, err := s.acceptTunnel(context.Background())
	if err != nil {
		t.Fatalf("acceptTunnel: %v", err)
	}
	defer tunnel.Close()

	if s.State() != StateHostAttached {
		t.Fatalf("state = %v, want StateHostAttached", s.State())
	}

	select {
	case conn := <-dialDone:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("dialer never connected")
	}
}

// TestAcceptTunnelTimesOut confirms no connection arriving within the
// configured deadline yields ErrHostAttachTimeout.
func TestAcceptTunnelTimesOut(t *testing.T) {
	t.Parallel()

	ln := mustTCPListener(t)
	defer ln.Close()

	s := newSession(9002, 1<<20, discardSlog(), nil, 50*time.Millisecond)
	s.public = ln

	_, err := s.acceptTunnel(context.Background())
	if !errors.Is(err, ErrHostAttachTimeout) {
		t.Fatalf("acceptTunnel error = %v, want ErrHostAttachTimeout", err)
	}
}

// TestAcceptTunnelRespectsContextCancellation confirms a cancelled ctx is
// observed even with a long attach deadline, instead of blocking on Accept.
func TestAcceptTunnelRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ln := mustTCPListener(t)
	defer ln.Close()

	s := newSession(9003, 1<<20, discardSlog(), nil, time.Minute)
	s.public = ln

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.acceptTunnel(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("acceptTunnel error = %v, want context.Canceled", err)
	}
}
