package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// statusResponse is the full body served at /status.
type statusResponse struct {
	PoolLow    int               `json:"pool_low"`
	PoolHigh   int               `json:"pool_high"`
	PoolInUse  int               `json:"pool_in_use"`
	PoolTotal  int               `json:"pool_total"`
	Sessions   []sessionSnapshot `json:"sessions"`
}

// StatusHandler returns an http.Handler exposing a read-only JSON view of
// pool and session state, replacing the RPC introspection surface the
// teacher stack used for BFD session status.
func (r *Relay) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/healthz", r.handleHealthz)
	return mux
}

func (r *Relay) handleStatus(w http.ResponseWriter, req *http.Request) {
	resp := statusResponse{
		PoolLow:   r.cfg.Relay.PoolLow,
		PoolHigh:  r.cfg.Relay.PoolHigh,
		PoolInUse: r.pool.Len(),
		PoolTotal: r.pool.Size(),
		Sessions:  r.snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Error("encode status response", slog.Any("error", err))
	}
}

func (r *Relay) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
