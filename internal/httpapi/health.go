package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/rbaliyan/event/v3/transport"

	"github.com/rbaliyan/progress-events/internal/broker"
	"github.com/rbaliyan/progress-events/internal/queue"
	"github.com/rbaliyan/progress-events/internal/source"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Uptime    string      `json:"uptime"`
	GoVersion string      `json:"go_version"`
	Queue     queue.Stats `json:"queue"`
}

// ComponentHealth reports one dependency.
type ComponentHealth struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	LatencyMs int64          `json:"latency_ms"`
	Details   map[string]any `json:"details,omitempty"`
}

// DependencyHealthResponse is the body of GET /health/db.
type DependencyHealthResponse struct {
	Status    string                     `json:"status"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
	Source    *source.Stats              `json:"source,omitempty"`
}

const healthCheckTimeout = 3 * time.Second

// health handles GET /health. It only reports process liveness.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    StatusHealthy,
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
		GoVersion: runtime.Version(),
		Queue:     s.deps.Ingest.GetProcessingStats(),
	})
}

// healthDB handles GET /health/db: store connectivity and, when wired, the
// broker. Any unhealthy component turns the reply into a 503.
func (s *Server) healthDB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := DependencyHealthResponse{
		Status:    StatusHealthy,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Checks:    map[string]ComponentHealth{"mongodb": s.checkDB(ctx)},
	}
	if s.deps.Broker != nil {
		resp.Checks["broker"] = checkBroker(ctx, s.deps.Broker)
	}
	if s.deps.Source != nil {
		stats := s.deps.Source.Stats()
		resp.Source = &stats
	}

	status := http.StatusOK
	for _, c := range resp.Checks {
		if c.Status != StatusHealthy {
			resp.Status = StatusUnhealthy
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, resp)
}

func (s *Server) checkDB(ctx context.Context) ComponentHealth {
	start := time.Now()
	err := s.deps.DB.Ping(ctx)
	h := ComponentHealth{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		s.logger.WarnContext(ctx, "database health check failed", "error", err)
		h.Status = StatusUnhealthy
		h.Message = err.Error()
	}
	return h
}

func checkBroker(ctx context.Context, b broker.Broker) ComponentHealth {
	result := broker.Health(ctx, b)
	h := ComponentHealth{
		Status:    StatusHealthy,
		Message:   result.Message,
		LatencyMs: result.Latency.Milliseconds(),
		Details:   result.Details,
	}
	if result.Status != transport.HealthStatusHealthy {
		h.Status = StatusUnhealthy
	}
	return h
}
