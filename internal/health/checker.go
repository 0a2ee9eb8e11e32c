// Package health provides health check functionality for the service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
)

// Status values reported by checks and responses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Checker interface defines a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ClientSource reports per-device health. *modbus.Factory satisfies it.
type ClientSource interface {
	AllClientHealth() map[string]modbus.ClientHealth
}

// HealthChecker manages health checks for the service.
type HealthChecker struct {
	config   Config
	checks   map[string]Checker
	clients  ClientSource
	mu       sync.RWMutex
	statuses map[string]*CheckStatus
	started  time.Time
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus represents the status of a single health check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// ClientStatus is the health of one Modbus device.
type ClientStatus struct {
	Name               string `json:"name"`
	Address            string `json:"address"`
	Status             string `json:"status"`
	Connected          bool   `json:"connected"`
	CircuitBreakerOpen bool   `json:"circuit_breaker_open"`
	LastError          string `json:"last_error,omitempty"`
}

// HealthResponse represents the full health response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
	Clients   []ClientStatus          `json:"clients,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
}

// NewChecker creates a new health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}

	return &HealthChecker{
		config:   config,
		checks:   make(map[string]Checker),
		statuses: make(map[string]*CheckStatus),
		started:  time.Now(),
	}
}

// AddCheck registers a health check.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
	h.statuses[name] = &CheckStatus{
		Name:   name,
		Status: StatusUnknown,
	}
}

// RemoveCheck removes a health check.
func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
	delete(h.statuses, name)
}

// SetClientSource includes per-device health in every response. A device
// that is down degrades the service without making it unhealthy.
func (h *HealthChecker) SetClientSource(src ClientSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients = src
}

// clientStatus classifies one device. A client that has never failed is
// healthy even before its first lazy connect.
func clientStatus(ch modbus.ClientHealth) ClientStatus {
	cs := ClientStatus{
		Name:               ch.Name,
		Address:            ch.Address,
		Connected:          ch.Connected,
		CircuitBreakerOpen: ch.CircuitBreakerOpen,
		Status:             StatusHealthy,
	}
	if ch.LastError != nil {
		cs.LastError = ch.LastError.Error()
	}
	switch {
	case ch.CircuitBreakerOpen:
		cs.Status = StatusUnhealthy
	case !ch.Connected && ch.LastError != nil:
		cs.Status = StatusDegraded
	}
	return cs
}

// Check performs all health checks and returns the overall status.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, checker := range h.checks {
		checks[name] = checker
	}
	clients := h.clients
	h.mu.RUnlock()

	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Checks:    make(map[string]*CheckStatus),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{
				Name:      name,
				LastCheck: time.Now(),
			}

			if err := checker.HealthCheck(checkCtx); err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
			} else {
				status.Status = StatusHealthy
			}

			mu.Lock()
			response.Checks[name] = status
			if status.Status != StatusHealthy {
				response.Status = StatusUnhealthy
			}
			mu.Unlock()
		}(name, checker)
	}

	wg.Wait()

	if clients != nil {
		all := clients.AllClientHealth()
		for _, ch := range all {
			cs := clientStatus(ch)
			response.Clients = append(response.Clients, cs)
			if cs.Status != StatusHealthy && response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}
		sort.Slice(response.Clients, func(i, j int) bool {
			return response.Clients[i].Name < response.Clients[j].Name
		})
	}

	h.mu.Lock()
	for name, status := range response.Checks {
		if _, ok := h.checks[name]; ok {
			h.statuses[name] = status
		}
	}
	h.mu.Unlock()

	return response
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler handles HTTP health check requests. Degraded devices are
// reported with 200; failing core checks with 503.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// LivenessHandler handles Kubernetes liveness probe.
// Returns 200 if the service is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
	})
}

// ReadinessHandler handles Kubernetes readiness probe.
// Returns 200 unless a core check fails.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	response.Clients = nil

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// GetStatus returns the current cached status of a check.
func (h *HealthChecker) GetStatus(name string) *CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

// IsHealthy returns true unless a core check fails.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status != StatusUnhealthy
}
