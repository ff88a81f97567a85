package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
)

// SubsystemCheck reports whether one subsystem is ready to serve: the
// cluster client is connected, the device manager's registration socket is
// listening, the image store root is writable.
type SubsystemCheck func() bool

// HealthChecker manages server health state
type HealthChecker struct {
	// ready is an atomic flag that indicates readiness state
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[string]SubsystemCheck
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	hc := &HealthChecker{checks: make(map[string]SubsystemCheck)}
	// Set ready to false initially
	hc.ready.Store(false)
	return hc
}

// SetReady sets the readiness state
func (hc *HealthChecker) SetReady(ready bool) {
	hc.ready.Store(ready)
}

// IsReady returns the current readiness state
func (hc *HealthChecker) IsReady() bool {
	return hc.ready.Load()
}

// RegisterSubsystem adds one named readiness probe. ReadinessHandler reports ready
// only when every registered subsystem's check currently returns true, in
// addition to the agent's own SetReady flag.
func (hc *HealthChecker) RegisterSubsystem(name string, check SubsystemCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// subsystemStatus snapshots every registered check's current result.
func (hc *HealthChecker) subsystemStatus() map[string]bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	status := make(map[string]bool, len(hc.checks))
	for name, check := range hc.checks {
		status[name] = check()
	}
	return status
}

func (hc *HealthChecker) allSubsystemsReady(status map[string]bool) bool {
	for _, ready := range status {
		if !ready {
			return false
		}
	}
	return true
}

// LivenessHandler returns an HTTP handler for liveness checks
// Liveness checks only verify that the server is responding
func (hc *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

// ReadinessHandler returns an HTTP handler for readiness checks
// Readiness checks verify that the server is ready to receive requests
func (hc *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := hc.subsystemStatus()
		ready := hc.IsReady() && hc.allSubsystemsReady(status)

		w.Header().Set("Content-Type", "application/json")
		if ready {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Ready      bool            `json:"ready"`
			Subsystems map[string]bool `json:"subsystems"`
		}{Ready: ready, Subsystems: status})
	})
}

// AttachHealthEndpoints attaches health check endpoints to the given ServeMux
func AttachHealthEndpoints(mux *http.ServeMux, checker *HealthChecker) {
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
}
