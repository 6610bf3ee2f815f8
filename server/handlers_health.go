package server

import (
	"fmt"
	"net/http"
	"time"
)

const heartbeatKey = "poller_heartbeat"

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests. Beyond database
// connectivity it checks that the poller heartbeat is fresh, so a wedged
// poll loop takes the instance out of rotation.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"poller_heartbeat", func() error {
			if h.deps.MaxHeartbeatAge <= 0 || h.deps.Heartbeats == nil {
				return nil
			}
			raw, err := h.deps.Heartbeats.GetHeartbeat(r.Context(), heartbeatKey)
			if err != nil {
				return err
			}
			if raw == "" {
				// Not beaten yet; fresh start counts as ready.
				return nil
			}
			beat, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("malformed heartbeat %q: %w", raw, err)
			}
			if age := time.Since(beat); age > h.deps.MaxHeartbeatAge {
				return fmt.Errorf("poller heartbeat stale by %s", age.Round(time.Second))
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports the poller's current watch state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "poller not running")
		return
	}
	snap := h.deps.Status.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"watching":   snap.Watching,
		"live":       snap.Live,
		"page_index": snap.PageIndex,
	})
}
