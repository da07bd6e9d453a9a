package relay

import (
	"net"
	"sync"
)

// peerRegistry tracks the local TCP connections of every peer currently
// attached to one public port, keyed by the peer id assigned when the
// peer's connection was accepted.
type peerRegistry struct {
	mu    sync.RWMutex
	peers map[uint32]net.Conn
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{peers: make(map[uint32]net.Conn)}
}

// add registers conn under peerID. Returns false if peerID is already in use.
func (r *peerRegistry) add(peerID uint32, conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peerID]; exists {
		return false
	}
	r.peers[peerID] = conn
	return true
}

// get returns the connection for peerID, if any.
func (r *peerRegistry) get(peerID uint32) (net.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.peers[peerID]
	return conn, ok
}

// remove deletes peerID from the registry and returns its connection, if
// it was present.
func (r *peerRegistry) remove(peerID uint32) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.peers[peerID]
	if ok {
		delete(r.peers, peerID)
	}
	return conn, ok
}

// len reports the number of currently registered peers.
func (r *peerRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// closeAll closes every registered connection and empties the registry.
func (r *peerRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.peers {
		_ = conn.Close()
		delete(r.peers, id)
	}
}

// snapshotIDs returns the peer ids currently registered.
func (r *peerRegistry) snapshotIDs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint32, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}
