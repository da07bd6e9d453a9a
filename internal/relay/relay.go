// Package relay implements the public-facing half of the tunnel: it hands
// out ports from a bounded pool, accepts the single host connection that
// claims each port, and multiplexes external peer connections over that
// host's tunnel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rtunio/rtun/internal/config"
	rtunmetrics "github.com/rtunio/rtun/internal/metrics"
	"github.com/rtunio/rtun/internal/portpool"
)

// Relay is the top-level orchestrator: one control endpoint, one bounded
// port pool, and a table of sessions keyed by the port each one owns.
type Relay struct {
	cfg     *config.RelayConfig
	logger  *slog.Logger
	metrics *rtunmetrics.RelayCollector

	pool *portpool.Pool

	mu       sync.Mutex
	sessions map[int]*Session

	control *controlEndpoint
}

// New constructs a Relay from cfg. It does not bind any sockets yet; that
// happens in Run.
func New(cfg *config.RelayConfig, logger *slog.Logger, metrics *rtunmetrics.RelayCollector) (*Relay, error) {
	pool, err := portpool.New(cfg.Relay.PoolLow, cfg.Relay.PoolHigh)
	if err != nil {
		return nil, fmt.Errorf("relay: build port pool: %w", err)
	}

	r := &Relay{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		pool:     pool,
		sessions: make(map[int]*Session),
	}

	if r.metrics != nil {
		r.metrics.PoolPortsTotal.Set(float64(pool.Size()))
	}

	return r, nil
}

// Run binds the control listener and serves it, plus the health sweeper,
// until ctx is cancelled or either fails.
func (r *Relay) Run(ctx context.Context) error {
	var lc net.ListenConfig
	controlLn, err := lc.Listen(ctx, "tcp", r.cfg.Relay.ControlAddr)
	if err != nil {
		return fmt.Errorf("relay: bind control endpoint: %w", err)
	}

	r.control = newControlEndpoint(controlLn, r)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.control.serve(gctx)
	})

	g.Go(func() error {
		r.runSweeper(gctx)
		return nil
	})

	r.logger.Info("relay listening", slog.String("control_addr", r.cfg.Relay.ControlAddr),
		slog.Int("pool_low", r.cfg.Relay.PoolLow), slog.Int("pool_high", r.cfg.Relay.PoolHigh))

	return g.Wait()
}

// allocateSession acquires a port from the pool, binds its public listener,
// registers a new LISTENING session, and starts the goroutine that runs it:
// waiting for the tunnel connection (the first one accepted on that
// listener), operating, and finally releasing the port.
func (r *Relay) allocateSession(ctx context.Context) (int, error) {
	port, err := r.pool.Acquire()
	if err != nil {
		return 0, fmt.Errorf("relay: allocate session: %w", err)
	}

	ln, err := listenPublic(context.Background(), port)
	if err != nil {
		_ = r.pool.Release(port)
		return 0, fmt.Errorf("relay: bind public port %d: %w", port, err)
	}

	sess := newSession(port, r.cfg.Relay.MaxFramePayload, r.logger, r.metrics, r.cfg.Relay.HostAttachTimeout)
	sess.public = ln

	r.mu.Lock()
	r.sessions[port] = sess
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PoolPortsInUse.Set(float64(r.pool.Len()))
		r.metrics.SessionsActive.Inc()
	}

	go r.runSession(ctx, sess)

	return port, nil
}

// runSession runs sess to completion (tunnel accept, operate, drain) and
// releases its port once it finishes, for any reason. Callers run it in its
// own goroutine.
func (r *Relay) runSession(ctx context.Context, sess *Session) {
	if err := sess.run(ctx); err != nil {
		if errors.Is(err, ErrHostAttachTimeout) {
			r.logger.Warn("host attach timeout", slog.Int("port", sess.Port()))
			if r.metrics != nil {
				r.metrics.HostAttachTimeoutsTotal.Inc()
			}
		}
	}
	r.release(sess.Port())
}

// release removes a session from the table and returns its port to the
// pool. It is a no-op if the session has already been removed, so it is
// safe to call even after forceRelease has handled the same port.
func (r *Relay) release(port int) {
	r.mu.Lock()
	_, ok := r.sessions[port]
	delete(r.sessions, port)
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := r.pool.Release(port); err != nil {
		r.logger.Debug("release already-free port", slog.Int("port", port), slog.Any("error", err))
	}

	if r.metrics != nil {
		r.metrics.PoolPortsInUse.Set(float64(r.pool.Len()))
		r.metrics.SessionsActive.Dec()
	}
}

// forceRelease tears down a session that never got attached and returns its
// port to the pool.
func (r *Relay) forceRelease(port int) {
	r.mu.Lock()
	sess, ok := r.sessions[port]
	delete(r.sessions, port)
	r.mu.Unlock()

	if !ok {
		return
	}

	if sess.public != nil {
		_ = sess.public.Close()
	}

	if err := r.pool.Release(port); err != nil {
		r.logger.Debug("force-release already-free port", slog.Int("port", port), slog.Any("error", err))
	}

	if r.metrics != nil {
		r.metrics.PoolPortsInUse.Set(float64(r.pool.Len()))
		r.metrics.SessionsActive.Dec()
	}
}

// runSweeper periodically reclaims sessions stuck past their attach
// deadline that the per-session timer missed (e.g. a process that paused
// long enough to starve its own timer goroutine).
func (r *Relay) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Relay.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

func (r *Relay) sweepStale() {
	deadline := r.cfg.Relay.HostAttachTimeout

	r.mu.Lock()
	stale := make([]int, 0)
	for port, sess := range r.sessions {
		if sess.State() == StateListening && time.Since(sess.createdAt) > deadline {
			stale = append(stale, port)
		}
	}
	r.mu.Unlock()

	for _, port := range stale {
		r.logger.Warn("sweeper reclaiming stale session", slog.Int("port", port))
		r.forceRelease(port)
		if r.metrics != nil {
			r.metrics.SweeperReclaimsTotal.Inc()
		}
	}
}

// snapshot returns a point-in-time view of every live session, for the
// status endpoint.
func (r *Relay) snapshot() []sessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]sessionSnapshot, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sessionSnapshot{
			Port:      sess.Port(),
			State:     sess.State().String(),
			Peers:     sess.PeerCount(),
			CreatedAt: sess.createdAt,
		})
	}
	return out
}

type sessionSnapshot struct {
	Port      int       `json:"port"`
	State     string    `json:"state"`
	Peers     int       `json:"peers"`
	CreatedAt time.Time `json:"created_at"`
}
