// Package query serves reads over persisted events. It never touches the
// queue: events still buffered in memory are not visible here.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	eventerrors "github.com/rbaliyan/event/v3/errors"
	"github.com/rbaliyan/event/v3/transport"

	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/store"
)

// DefaultThreshold is the number of stored events after which a user is
// ready for personalization.
const DefaultThreshold = 50

// Errors returned by the service.
var (
	ErrEventsRequired = fmt.Errorf("event reader is required: %w", eventerrors.ErrInvalidArgument)
	ErrUserIDRequired = fmt.Errorf("user id is required: %w", eventerrors.ErrInvalidArgument)
)

// EventReader is the read side of the event store.
type EventReader interface {
	Find(ctx context.Context, filter store.Filter) ([]store.StoredEvent, error)
	Count(ctx context.Context, filter store.Filter) (int64, error)
	Summary(ctx context.Context, userID string) (*store.Summary, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
}

// DeadLetterReader lists dropped queue items.
type DeadLetterReader interface {
	List(ctx context.Context, filter store.DeadLetterFilter) ([]store.DeadLetterEntry, error)
}

// Readiness reports whether a user has enough history for personalization.
type Readiness struct {
	UserID    string `json:"userId"`
	Ready     bool   `json:"ready"`
	Count     int64  `json:"count"`
	Threshold int64  `json:"threshold"`
}

// Service answers read queries.
type Service struct {
	events      EventReader
	deadLetters DeadLetterReader
	threshold   int64
	logger      *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithDeadLetters enables DeadLetters.
func WithDeadLetters(r DeadLetterReader) Option {
	return func(s *Service) {
		if r != nil {
			s.deadLetters = r
		}
	}
}

// WithThreshold sets the personalization threshold.
func WithThreshold(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a query service over events.
func NewService(events EventReader, opts ...Option) (*Service, error) {
	if events == nil {
		return nil, ErrEventsRequired
	}
	s := &Service{
		events:    events,
		threshold: DefaultThreshold,
		logger:    transport.Logger("query>service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Threshold returns the personalization threshold.
func (s *Service) Threshold() int64 {
	return s.threshold
}

// History returns a user's events, newest first. eventType is optional.
// limit follows store.Filter: 0 means store.DefaultLimit.
func (s *Service) History(ctx context.Context, userID, eventType string, limit int) ([]store.StoredEvent, error) {
	filter, err := userFilter(userID, eventType)
	if err != nil {
		return nil, err
	}
	filter.Limit = limit

	events, err := s.events.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []store.StoredEvent{}
	}
	return events, nil
}

// Count returns the number of stored events for a user.
func (s *Service) Count(ctx context.Context, userID, eventType string) (int64, error) {
	filter, err := userFilter(userID, eventType)
	if err != nil {
		return 0, err
	}
	return s.events.Count(ctx, filter)
}

// IsPersonalizationReady reports whether userID has at least Threshold
// stored events.
func (s *Service) IsPersonalizationReady(ctx context.Context, userID string) (Readiness, error) {
	n, err := s.Count(ctx, userID, "")
	if err != nil {
		return Readiness{}, err
	}
	return Readiness{
		UserID:    userID,
		Ready:     n >= s.threshold,
		Count:     n,
		Threshold: s.threshold,
	}, nil
}

// Summary aggregates a user's events by type.
func (s *Service) Summary(ctx context.Context, userID string) (*store.Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserIDRequired
	}
	return s.events.Summary(ctx, userID)
}

// Delete removes a stored event. It returns store.ErrNotFound when nothing
// was deleted, including for ids that are not valid event ids.
func (s *Service) Delete(ctx context.Context, id string) error {
	deleted, err := s.events.DeleteByID(ctx, id)
	if errors.Is(err, store.ErrInvalidID) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	s.logger.InfoContext(ctx, "event deleted", "id", id)
	return nil
}

// DeadLetters returns the most recently dropped queue items. It returns an
// empty list when no dead letter store is configured.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]store.DeadLetterEntry, error) {
	if s.deadLetters == nil {
		return []store.DeadLetterEntry{}, nil
	}
	entries, err := s.deadLetters.List(ctx, store.DeadLetterFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.DeadLetterEntry{}
	}
	return entries, nil
}

func userFilter(userID, eventType string) (store.Filter, error) {
	if strings.TrimSpace(userID) == "" {
		return store.Filter{}, ErrUserIDRequired
	}
	filter := store.Filter{UserID: userID}
	if eventType != "" {
		t, err := progress.ParseEventType(eventType)
		if err != nil {
			return store.Filter{}, err
		}
		filter.EventType = t
	}
	return filter, nil
}
