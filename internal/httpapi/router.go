package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HeaderUserID carries the caller's user id.
const HeaderUserID = "X-User-Id"

// setupRouter configures the Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.tracing)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(s.corsMiddleware())
	}

	r.Get("/health", s.health)
	r.Get("/health/db", s.healthDB)

	r.Route("/events", func(r chi.Router) {
		r.With(s.limitBody, s.rateLimit).Post("/", s.createEvent)
		r.Get("/stats", s.stats)
		r.Get("/dead-letters", s.deadLetters)
		r.Delete("/{id}", s.deleteEvent)

		r.Route("/user/{userId}", func(r chi.Router) {
			r.Get("/", s.userEvents)
			r.Get("/is-personalization-ready", s.personalizationReady)
			r.Get("/summary", s.userSummary)
		})
	})

	return r
}

// corsMiddleware returns configured CORS middleware.
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderUserID},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
