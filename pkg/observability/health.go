package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// probeBudget bounds one readiness pass across all dependencies.
const probeBudget = 5 * time.Second

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// HealthChecker aggregates named dependency probes into liveness and
// readiness handlers. A failing critical check makes the service
// unhealthy; a failing non-critical check only degrades it.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []check
	version string
}

// NewHealthChecker returns a checker that reports the given version in
// every readiness payload.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version}
}

// AddCheck registers a named dependency probe.
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check{name: name, critical: critical, fn: fn})
}

// HealthStatus is the readiness payload: the aggregate state plus one
// record per registered dependency.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus records the outcome of one probe.
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS float64   `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Check probes every registered dependency in parallel, so one slow
// dependency cannot starve the others of the probe budget, and folds
// the outcomes into an aggregate state.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]check, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	results := make([]DependencyStatus, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			results[i] = probe(ctx, c)
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(checks)),
	}
	for i, c := range checks {
		dep := results[i]
		status.Dependencies[c.name] = dep
		if dep.Status != StatusUnhealthy {
			continue
		}
		if c.critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	return status
}

func probe(ctx context.Context, c check) DependencyStatus {
	start := time.Now()
	err := c.fn(ctx)

	dep := DependencyStatus{
		Status:    StatusHealthy,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
		Timestamp: start.UTC(),
	}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// Liveness answers 200 whenever the process can serve HTTP. It runs no
// probes; a live process with dead dependencies reports that through
// readiness instead.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness runs every probe under the probe budget. Unhealthy yields
// 503 so load balancers stop routing here; degraded still serves.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeBudget)
	defer cancel()

	status := h.Check(ctx)

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// RegisterHealthRoutes mounts the liveness and readiness handlers at
// /healthz and /readyz.
func RegisterHealthRoutes(r *mux.Router, checker *HealthChecker) {
	r.HandleFunc("/healthz", checker.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", checker.Readiness).Methods(http.MethodGet)
}
