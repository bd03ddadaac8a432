package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	eventerrors "github.com/rbaliyan/event/v3/errors"

	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/queue"
	"github.com/rbaliyan/progress-events/internal/store"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error  string                `json:"error"`
	Fields []progress.FieldError `json:"fields,omitempty"`
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message string, fields []progress.FieldError) {
	respondJSON(w, status, ErrorResponse{Error: message, Fields: fields})
}

// respondServiceError maps a service error to a status code. Unexpected
// errors are logged and reported without detail.
func (s *Server) respondServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case progress.IsInvalid(err):
		respondError(w, http.StatusBadRequest, "validation failed", progress.FieldErrors(err))
	case errors.Is(err, eventerrors.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "event not found", nil)
	case errors.Is(err, queue.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "service is shutting down", nil)
	default:
		s.logger.ErrorContext(ctx, "request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error", nil)
	}
}
