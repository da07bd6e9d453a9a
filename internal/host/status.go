package host

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// statusState holds the values that Handler serves as JSON.
// Fields are updated via atomics from the session loop without needing a
// lock around the whole struct.
type statusState struct {
	connected atomic.Bool
	port      atomic.Int64
	localConn atomic.Int64
}

// StatusState is shared between a running Host and its status handler.
type StatusState struct {
	state statusState
}

// NewStatusState returns a zero-value StatusState ready for use.
func NewStatusState() *StatusState {
	return &StatusState{}
}

// SetConnected records whether a tunnel session is currently active.
func (s *StatusState) SetConnected(connected bool, port int) {
	s.state.connected.Store(connected)
	s.state.port.Store(int64(port))
}

// SetLocalConns records the current count of open local-service connections.
func (s *StatusState) SetLocalConns(n int) {
	s.state.localConn.Store(int64(n))
}

type statusResponse struct {
	Connected      bool  `json:"connected"`
	Port           int64 `json:"port"`
	LocalConnsOpen int64 `json:"local_conns_open"`
}

// Handler returns an http.Handler exposing a read-only JSON status view.
func (s *StatusState) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Connected:      s.state.connected.Load(),
			Port:           s.state.port.Load(),
			LocalConnsOpen: s.state.localConn.Load(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
