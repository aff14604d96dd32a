// Package handler exposes the worker's monitoring HTTP surface: health
// probes, notification status lookups and circuit breaker snapshots.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/insider-one/notification-workers/internal/domain"
)

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes a JSON response
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

// JSONError writes an error response
func JSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// HandleError maps domain errors to HTTP responses
func HandleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		JSONError(w, http.StatusNotFound, "NOT_FOUND", "Notification status not found or expired")

	case errors.Is(err, domain.ErrInvalidInput):
		JSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())

	case errors.Is(err, domain.ErrStoreNotConnected):
		JSONError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Status store is unavailable")

	default:
		JSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}
