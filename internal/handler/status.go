package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/insider-one/notification-workers/internal/breaker"
	"github.com/insider-one/notification-workers/internal/domain"
)

// StatusReader looks up the latest delivery status for a notification.
// Implemented by the Redis status store.
type StatusReader interface {
	GetStatus(ctx context.Context, notificationID string) (*domain.StatusRecord, error)
}

// StatusHandler serves notification status lookups and circuit breaker
// snapshots for the worker.
type StatusHandler struct {
	store    StatusReader
	breakers []*breaker.Breaker
	service  domain.Channel
	version  string
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(store StatusReader, breakers []*breaker.Breaker, service domain.Channel, version string) *StatusHandler {
	return &StatusHandler{
		store:    store,
		breakers: breakers,
		service:  service,
		version:  version,
	}
}

// Info reports the worker identity at the root path.
func (h *StatusHandler) Info(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"service": string(h.service) + "-worker",
		"version": h.version,
		"status":  "running",
	})
}

// GetStatus returns the stored status record for one notification. A miss
// means the record expired or the notification was never consumed here.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	notificationID := chi.URLParam(r, "notification_id")
	if notificationID == "" {
		JSONError(w, http.StatusBadRequest, "INVALID_INPUT", "notification id is required")
		return
	}

	record, err := h.store.GetStatus(r.Context(), notificationID)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, record)
}

// CircuitBreakers returns the current snapshot of every breaker the worker
// runs.
func (h *StatusHandler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	snapshots := make([]breaker.Snapshot, 0, len(h.breakers))
	for _, b := range h.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}

	JSON(w, http.StatusOK, map[string]any{
		"service":  string(h.service) + "-worker",
		"breakers": snapshots,
	})
}
