package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker backs /healthz and /readyz. The process is live as soon as
// it exists; it is ready once recovery finished and every dependency is
// connected. Readiness changes fan out to listeners such as the gRPC health
// server.
type HealthChecker struct {
	started time.Time

	mu        sync.RWMutex
	ready     bool
	changed   time.Time
	listeners []func(ready bool)
}

func NewHealthChecker() *HealthChecker {
	now := time.Now()
	return &HealthChecker{started: now, changed: now}
}

// SetReady records the readiness flag and notifies listeners, outside the
// lock, in registration order.
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	if h.ready != ready {
		h.changed = time.Now()
	}
	h.ready = ready
	listeners := append([]func(bool){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(ready)
	}
}

func (h *HealthChecker) OnReadyChange(fn func(ready bool)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

type probe struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Since         string `json:"since,omitempty"`
}

func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, probe{
		Status:        "alive",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// ReadinessHandler answers 503 until SetReady(true).
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	ready, changed := h.ready, h.changed
	h.mu.RUnlock()

	p := probe{
		Status:        "not_ready",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Since:         changed.UTC().Format(time.RFC3339),
	}
	code := http.StatusServiceUnavailable
	if ready {
		p.Status = "ready"
		code = http.StatusOK
	}
	writeProbe(w, code, p)
}

func writeProbe(w http.ResponseWriter, code int, p probe) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(p)
}
