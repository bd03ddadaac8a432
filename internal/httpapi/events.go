package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rbaliyan/progress-events/internal/progress"
)

// createEvent handles POST /events.
func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "validation failed", []progress.FieldError{
			{Field: "x-user-id", Message: "header is required"},
		})
		return
	}

	var in progress.Input
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON body", []progress.FieldError{
			{Field: "body", Message: err.Error()},
		})
		return
	}

	receipt, err := s.deps.Ingest.ProcessEvent(r.Context(), in, userID)
	if err != nil {
		s.respondServiceError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

// stats handles GET /events/stats.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Ingest.GetProcessingStats())
}

// userEvents handles GET /events/user/{userId}.
func (s *Server) userEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Query.History(r.Context(), chi.URLParam(r, "userId"), r.URL.Query().Get("eventType"), limit)
	if err != nil {
		s.respondServiceError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// personalizationReady handles GET /events/user/{userId}/is-personalization-ready.
func (s *Server) personalizationReady(w http.ResponseWriter, r *http.Request) {
	readiness, err := s.deps.Query.IsPersonalizationReady(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.respondServiceError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, readiness)
}

// userSummary handles GET /events/user/{userId}/summary.
func (s *Server) userSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Query.Summary(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.respondServiceError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// deleteEvent handles DELETE /events/{id}.
func (s *Server) deleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Query.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deadLetters handles GET /events/dead-letters.
func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Query.DeadLetters(r.Context(), limit)
	if err != nil {
		s.respondServiceError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// parseLimit reads the optional limit parameter. It writes a 400 and
// reports false for values that are not non-negative integers.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		respondError(w, http.StatusBadRequest, "validation failed", []progress.FieldError{
			{Field: "limit", Message: "must be a non-negative integer"},
		})
		return 0, false
	}
	return limit, true
}
