package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler aggregates dependency checks into the health endpoints.
// Checks run against live dependencies, so a broker or store outage shows
// up here before it shows up in delivery metrics.
type HealthHandler struct {
	checkers map[string]HealthChecker
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		checkers: make(map[string]HealthChecker),
	}
}

// AddChecker registers a dependency under the given component name.
func (h *HealthHandler) AddChecker(name string, checker HealthChecker) {
	h.checkers[name] = checker
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components,omitempty"`
}

// ComponentStatus represents a component's health status
type ComponentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health reports per-component status; 503 when any component is down.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentStatus),
	}

	httpStatus := http.StatusOK
	for name, checker := range h.checkers {
		componentStatus := ComponentStatus{Status: "healthy"}

		if err := checker.Health(ctx); err != nil {
			componentStatus.Status = "unhealthy"
			componentStatus.Message = err.Error()
			status.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}

		status.Components[name] = componentStatus
	}

	JSON(w, httpStatus, status)
}

// Liveness is a process-up probe; it never touches dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// Readiness reports whether the worker can take traffic; the first failing
// component short-circuits.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, checker := range h.checkers {
		if err := checker.Health(ctx); err != nil {
			JSONError(w, http.StatusServiceUnavailable, "NOT_READY", name+": "+err.Error())
			return
		}
	}

	JSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
