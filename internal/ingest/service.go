// Package ingest is the entry point for new progress events.
//
// Service validates incoming events, resolves the user id and timestamp,
// and hands the resulting record to the queue. The receipt it returns only
// means the event was accepted into the in-memory buffer; persistence and
// publishing happen later in Delivery, driven by the queue's drain loop.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"

	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/queue"
)

// StatusAccepted is the receipt status for queued events.
const StatusAccepted = "accepted"

// Enqueuer is the part of the queue the service writes to.
type Enqueuer interface {
	Enqueue(record progress.Record) (string, error)
	Stats() queue.Stats
}

// Receipt acknowledges that an event was queued.
type Receipt struct {
	QueueID   string    `json:"queueId"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Service accepts progress events.
type Service struct {
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a service that enqueues onto q.
func NewService(q Enqueuer, opts ...Option) (*Service, error) {
	if q == nil {
		return nil, ErrQueueRequired
	}
	s := &Service{
		queue:  q,
		logger: transport.Logger("ingest>service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ProcessEvent validates in and queues it. userID is the request-level
// identity; a user id inside the payload takes precedence over it.
//
// Validation failures are returned as *progress.ValidationError and nothing
// is queued. An enqueue failure (queue.ErrClosed during shutdown) is wrapped
// and returned.
func (s *Service) ProcessEvent(ctx context.Context, in progress.Input, userID string) (Receipt, error) {
	now := s.now().UTC()

	record, err := in.Record(userID, now)
	if err != nil {
		s.logger.DebugContext(ctx, "event rejected", "event_type", in.EventType, "error", err)
		return Receipt{}, err
	}

	id, err := s.queue.Enqueue(record)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue event",
			"event_type", record.Type, "user_id", record.UserID, "error", err)
		return Receipt{}, fmt.Errorf("enqueue %s event: %w", record.Type, err)
	}

	s.logger.InfoContext(ctx, "event queued",
		"queue_id", id, "event_type", record.Type, "user_id", record.UserID)

	return Receipt{
		QueueID:   id,
		Status:    StatusAccepted,
		Message:   "Event queued for processing",
		Timestamp: now,
	}, nil
}

// GetProcessingStats returns the queue statistics.
func (s *Service) GetProcessingStats() queue.Stats {
	return s.queue.Stats()
}
