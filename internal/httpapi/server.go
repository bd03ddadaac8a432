// Package httpapi exposes ingestion, reads and health checks over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/go-chi/chi/v5"
	eventerrors "github.com/rbaliyan/event/v3/errors"
	"github.com/rbaliyan/event/v3/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/progress-events/internal/broker"
	"github.com/rbaliyan/progress-events/internal/ingest"
	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/query"
	"github.com/rbaliyan/progress-events/internal/queue"
	"github.com/rbaliyan/progress-events/internal/source"
	"github.com/rbaliyan/progress-events/internal/store"
)

const tracerName = "github.com/rbaliyan/progress-events/internal/httpapi"

// Ingester accepts events.
type Ingester interface {
	ProcessEvent(ctx context.Context, in progress.Input, userID string) (ingest.Receipt, error)
	GetProcessingStats() queue.Stats
}

// Reader answers read queries.
type Reader interface {
	History(ctx context.Context, userID, eventType string, limit int) ([]store.StoredEvent, error)
	IsPersonalizationReady(ctx context.Context, userID string) (query.Readiness, error)
	Summary(ctx context.Context, userID string) (*store.Summary, error)
	Delete(ctx context.Context, id string) error
	DeadLetters(ctx context.Context, limit int) ([]store.DeadLetterEntry, error)
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SourceStats reports change stream watcher activity.
type SourceStats interface {
	Stats() source.Stats
}

// Config configures the server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	CORSOrigins     []string // CORS is disabled when empty
}

// Deps are the services the handlers call. Ingest, Query and DB are
// required.
type Deps struct {
	Ingest Ingester
	Query  Reader
	DB     Pinger
	Broker broker.Broker // optional; reported by /health/db
	Source SourceStats   // optional; reported by /health/db
}

// ErrMissingDependency is returned by NewServer when a required dependency is nil.
var ErrMissingDependency = fmt.Errorf("ingest, query and db dependencies are required: %w", eventerrors.ErrInvalidArgument)

// Server is the HTTP API server.
type Server struct {
	config      Config
	deps        Deps
	router      chi.Router
	httpServer  *http.Server
	logger      *slog.Logger
	tracer      trace.Tracer
	rateLimiter ratelimit.RateLimiter
	started     time.Time
	now         func() time.Time
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithRateLimiter limits POST /events per user. The limiter is closed by
// Shutdown.
func WithRateLimiter(rl ratelimit.RateLimiter) Option {
	return func(s *Server) {
		s.rateLimiter = rl
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.Ingest == nil || deps.Query == nil || deps.DB == nil {
		return nil, ErrMissingDependency
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: transport.Logger("httpapi>server"),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	s.router = s.setupRouter()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       withDefault(cfg.ReadTimeout, 15*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      withDefault(cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       withDefault(cfg.IdleTimeout, 60*time.Second),
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is canceled or the server fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("http server listening", "addr", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	case err := <-errChan:
		return err
	}
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded
// by the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, withDefault(s.config.ShutdownTimeout, 10*time.Second))
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if s.rateLimiter != nil {
		if cerr := s.rateLimiter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.logger.Info("http server stopped")
	return err
}

func withDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
