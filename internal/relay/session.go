package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/rtunio/rtun/internal/frame"
	rtunmetrics "github.com/rtunio/rtun/internal/metrics"
)

// State is a PeerSession lifecycle state.
//
//	LISTENING -> HOST_ATTACHED -> OPERATING -> DRAINING -> RELEASED
type State uint8

const (
	// StateListening is the session's state once its public port is bound
	// but before any connection has been accepted on it.
	StateListening State = iota + 1
	// StateHostAttached is set the instant the first connection is accepted
	// on the public listener, claiming that connection as the tunnel.
	StateHostAttached
	// StateOperating is set once the tunnel reader and peer acceptor are
	// both running and forwarding traffic.
	StateOperating
	// StateDraining is set once the tunnel has gone away and the session
	// is closing out its peer connections.
	StateDraining
	// StateReleased is the terminal state: the port has been returned to
	// the pool and the session object is no longer reachable from the
	// relay's session table.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateHostAttached:
		return "HOST_ATTACHED"
	case StateOperating:
		return "OPERATING"
	case StateDraining:
		return "DRAINING"
	case StateReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// ErrPeerIDCollision indicates the peer acceptor generated a peer id that
// collides with one already registered; this should never happen given the
// monotonic counter. acceptPeers does not return it: on a collision it logs
// the id, closes the new connection and keeps accepting.
var ErrPeerIDCollision = errors.New("relay: peer id collision")

// acceptPollInterval bounds how long any single Accept call on a session's
// public listener blocks, so the accept loops can re-check ctx cancellation
// and the host-attach deadline promptly instead of stalling indefinitely.
const acceptPollInterval = time.Second

// Session is a PeerSession: it owns one public TCP listener and, once the
// first connection lands on it, the tunnel and the peers multiplexed over
// it. There is no separate attach handshake: the first connection Accept
// returns on the public listener IS the tunnel, framed protocol starting
// from byte zero.
type Session struct {
	port          int
	maxPayload    uint32
	logger        *slog.Logger
	metrics       *rtunmetrics.RelayCollector
	attachTimeout time.Duration

	public net.Listener

	state atomic.Uint32

	tunnel    net.Conn
	tunWriter *frame.Writer
	peers     *peerRegistry
	nextPeer  atomic.Uint32

	done chan struct{} // closed once the session has fully released

	createdAt time.Time
}

func newSession(port int, maxPayload uint32, logger *slog.Logger, metrics *rtunmetrics.RelayCollector, attachTimeout time.Duration) *Session {
	s := &Session{
		port:          port,
		maxPayload:    maxPayload,
		logger:        logger.With(slog.Int("port", port)),
		metrics:       metrics,
		attachTimeout: attachTimeout,
		peers:         newPeerRegistry(),
		done:          make(chan struct{}),
		createdAt:     time.Now(),
	}
	s.state.Store(uint32(StateListening))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Port returns the public port this session owns.
func (s *Session) Port() int {
	return s.port
}

// PeerCount returns the number of peers currently attached.
func (s *Session) PeerCount() int {
	return s.peers.len()
}

// Done returns a channel closed once the session reaches StateReleased.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// deadliner is satisfied by net.Listener implementations (e.g.
// *net.TCPListener) that support bounding a single Accept call.
type deadliner interface {
	SetDeadline(time.Time) error
}

// acceptWithTimeout calls Accept on ln, bounding it to d if ln supports
// SetDeadline. The returned error satisfies net.Error with Timeout() true
// when the bound elapsed without a connection arriving.
func acceptWithTimeout(ln net.Listener, d time.Duration) (net.Conn, error) {
	if dl, ok := ln.(deadliner); ok {
		_ = dl.SetDeadline(time.Now().Add(d))
	}
	return ln.Accept()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// run drives the whole session lifecycle: waiting for the tunnel connection
// on the public listener, then operating, then draining. It blocks until
// the tunnel goes away, the host-attach deadline elapses with no tunnel, or
// ctx is cancelled.
func (s *Session) run(ctx context.Context) error {
	tunnel, err := s.acceptTunnel(ctx)
	if err != nil {
		s.closeUnattached()
		return err
	}

	s.tunnel = tunnel
	s.tunWriter = frame.NewWriter(tunnel)
	s.state.Store(uint32(StateOperating))

	s.logger.Info("session operating", slog.String("tunnel_remote", tunnel.RemoteAddr().String()))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the tunnel unblocks readTunnel once ctx is cancelled.
	go func() {
		<-sessCtx.Done()
		_ = tunnel.Close()
	}()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptPeers(sessCtx)
	}()

	s.readTunnel(sessCtx)

	cancel()
	<-acceptDone

	s.drain()
	return nil
}

// acceptTunnel blocks until the first connection lands on the public
// listener (which becomes the tunnel), the configured attach deadline
// elapses, or ctx is cancelled. It polls Accept in short bounded calls so
// both conditions are checked promptly rather than only between arrivals.
func (s *Session) acceptTunnel(ctx context.Context) (net.Conn, error) {
	overallDeadline := time.Now().Add(s.attachTimeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := acceptWithTimeout(s.public, acceptPollInterval)
		if err == nil {
			s.state.Store(uint32(StateHostAttached))
			return conn, nil
		}

		if isTimeout(err) {
			if time.Now().After(overallDeadline) {
				return nil, fmt.Errorf("session port %d: %w", s.port, ErrHostAttachTimeout)
			}
			continue
		}

		return nil, err
	}
}

// closeUnattached tears down a session whose public listener never received
// a tunnel connection before the deadline or ctx cancellation.
func (s *Session) closeUnattached() {
	if s.public != nil {
		_ = s.public.Close()
	}
	s.state.Store(uint32(StateReleased))
	close(s.done)
}

// acceptPeers accepts peer connections on the public listener and spawns a
// forwarder goroutine per connection until ctx is cancelled.
func (s *Session) acceptPeers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := acceptWithTimeout(s.public, acceptPollInterval)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("peer accept error", slog.Any("error", err))
				return
			}
		}

		peerID := s.nextPeer.Add(1)
		if !s.peers.add(peerID, conn) {
			s.logger.Error("peer id collision", slog.Uint64("peer_id", uint64(peerID)))
			_ = conn.Close()
			continue
		}

		if s.metrics != nil {
			s.metrics.PeersActive.WithLabelValues(fmt.Sprint(s.port)).Inc()
		}

		go s.forwardPeerToTunnel(peerID, conn)
	}
}

// forwardPeerToTunnel copies data from one peer connection into tunnel
// frames until the peer disconnects or the tunnel write fails.
func (s *Session) forwardPeerToTunnel(peerID uint32, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := s.tunWriter.WriteFrame(frame.Frame{PeerID: peerID, Payload: append([]byte(nil), buf[:n]...)}); werr != nil {
				break
			}
			if s.metrics != nil {
				s.metrics.FramesTotal.WithLabelValues(rtunmetrics.DirectionPeerToTunnel).Inc()
				s.metrics.BytesTotal.WithLabelValues(rtunmetrics.DirectionPeerToTunnel).Add(float64(n))
			}
		}
		if err != nil {
			break
		}
	}

	if _, removed := s.peers.remove(peerID); removed {
		if s.metrics != nil {
			s.metrics.PeersActive.WithLabelValues(fmt.Sprint(s.port)).Dec()
		}
		_ = s.tunWriter.WriteDisconnect(peerID)
	}
	_ = conn.Close()
}

// readTunnel reads frames from the tunnel and fans them out to the matching
// peer connection until the tunnel is closed or a protocol error occurs.
func (s *Session) readTunnel(ctx context.Context) {
	r := frame.NewReader(s.tunnel, s.maxPayload)

	for {
		f, err := r.ReadFrame()
		if err != nil {
			s.logger.Info("tunnel closed", slog.Any("error", err))
			return
		}

		if s.metrics != nil {
			s.metrics.FramesTotal.WithLabelValues(rtunmetrics.DirectionTunnelToPeer).Inc()
			s.metrics.BytesTotal.WithLabelValues(rtunmetrics.DirectionTunnelToPeer).Add(float64(len(f.Payload)))
		}

		conn, ok := s.peers.get(f.PeerID)
		if !ok {
			continue
		}

		if f.IsDisconnect() {
			if _, removed := s.peers.remove(f.PeerID); removed {
				if s.metrics != nil {
					s.metrics.PeersActive.WithLabelValues(fmt.Sprint(s.port)).Dec()
				}
				_ = conn.Close()
			}
			continue
		}

		if _, err := conn.Write(f.Payload); err != nil {
			if _, removed := s.peers.remove(f.PeerID); removed {
				if s.metrics != nil {
					s.metrics.PeersActive.WithLabelValues(fmt.Sprint(s.port)).Dec()
				}
			}
			_ = conn.Close()
			_ = s.tunWriter.WriteDisconnect(f.PeerID)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// drain closes every remaining peer connection and the tunnel, then marks
// the session released.
func (s *Session) drain() {
	s.state.Store(uint32(StateDraining))

	s.peers.closeAll()
	if s.tunnel != nil {
		_ = s.tunnel.Close()
	}
	if s.public != nil {
		_ = s.public.Close()
	}

	s.state.Store(uint32(StateReleased))
	close(s.done)
}
