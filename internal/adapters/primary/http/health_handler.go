package http

import (
	"context"
	"net/http"
	"runtime"
	"time"

	wsAdapter "github.com/lorrc/service-desk-collab/internal/adapters/primary/websocket"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	probeTimeout    = 3 * time.Second
)

// RealtimeStats reports live connection counts.
type RealtimeStats interface {
	Stats() wsAdapter.Stats
}

// HealthHandler serves the liveness, readiness and diagnostic probes.
type HealthHandler struct {
	store    ports.HealthChecker
	realtime RealtimeStats
	started  time.Time
	version  string
	now      func() time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store ports.HealthChecker, realtime RealtimeStats, version string) *HealthHandler {
	return &HealthHandler{
		store:    store,
		realtime: realtime,
		started:  time.Now(),
		version:  version,
		now:      time.Now,
	}
}

// HealthResponse is the body of every probe.
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Check is the outcome of one dependency probe.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// DiagnosticsResponse extends HealthResponse with runtime and realtime detail.
type DiagnosticsResponse struct {
	HealthResponse
	Goroutines int              `json:"goroutines"`
	HeapBytes  uint64           `json:"heap_bytes"`
	NumGC      uint32           `json:"num_gc"`
	Realtime   *wsAdapter.Stats `json:"realtime,omitempty"`
}

// HandleLiveness answers as long as the process can serve HTTP.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    statusHealthy,
		Timestamp: h.timestamp(),
	})
}

// HandleReadiness fails while the store is unreachable or the gateway is
// draining for shutdown.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	resp := h.evaluate(r.Context())
	WriteJSON(w, statusFor(resp.Status), resp)
}

// HandleHealth reports readiness plus runtime counters for operators.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := DiagnosticsResponse{
		HealthResponse: h.evaluate(r.Context()),
		Goroutines:     runtime.NumGoroutine(),
		HeapBytes:      mem.HeapAlloc,
		NumGC:          mem.NumGC,
	}
	if h.realtime != nil {
		stats := h.realtime.Stats()
		resp.Realtime = &stats
	}
	WriteJSON(w, statusFor(resp.Status), resp)
}

func (h *HealthHandler) evaluate(ctx context.Context) HealthResponse {
	checks := map[string]Check{"store": h.probeStore(ctx)}
	if h.realtime != nil {
		checks["gateway"] = h.probeGateway()
	}

	overall := statusHealthy
	for _, c := range checks {
		if c.Status != statusHealthy {
			overall = statusUnhealthy
		}
	}
	return HealthResponse{
		Status:    overall,
		Timestamp: h.timestamp(),
		Version:   h.version,
		Uptime:    h.now().Sub(h.started).Round(time.Second).String(),
		Checks:    checks,
	}
}

func (h *HealthHandler) probeStore(ctx context.Context) Check {
	if h.store == nil {
		return Check{Status: statusUnhealthy, Message: "store not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := h.now()
	err := h.store.Ping(ctx)
	check := Check{Status: statusHealthy, Latency: h.now().Sub(start).String()}
	if err != nil {
		check.Status, check.Message = statusUnhealthy, err.Error()
	}
	return check
}

func (h *HealthHandler) probeGateway() Check {
	if h.realtime.Stats().Draining {
		return Check{Status: statusUnhealthy, Message: "draining connections"}
	}
	return Check{Status: statusHealthy}
}

func (h *HealthHandler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

func statusFor(overall string) int {
	if overall == statusHealthy {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
