// Package host implements the hidden-service side of the tunnel: it dials
// out to a relay, claims a public port, and demultiplexes tunnel frames
// into parallel connections to a local service.
package host

import (
	"net"
	"sync"
)

// localRegistry tracks the local service connections opened on demand, one
// per peer id seen on the tunnel.
type localRegistry struct {
	mu    sync.Mutex
	conns map[uint32]net.Conn
}

func newLocalRegistry() *localRegistry {
	return &localRegistry{conns: make(map[uint32]net.Conn)}
}

func (l *localRegistry) get(peerID uint32) (net.Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, ok := l.conns[peerID]
	return conn, ok
}

func (l *localRegistry) add(peerID uint32, conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.conns[peerID] = conn
}

func (l *localRegistry) remove(peerID uint32) (net.Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, ok := l.conns[peerID]
	if ok {
		delete(l.conns, peerID)
	}
	return conn, ok
}

func (l *localRegistry) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, conn := range l.conns {
		_ = conn.Close()
		delete(l.conns, id)
	}
}

func (l *localRegistry) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.conns)
}
