// Package broker republishes processed events onto the event bus and feeds
// bus messages back into ingestion.
//
// Implementations:
//   - Bus: topics on an event/v3 bus (in-process channel transport by default)
//   - Breaker: wraps any Broker with a circuit breaker
//   - Noop: used when publishing is disabled
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3/transport"
)

// Well-known topics.
const (
	// TopicEvents receives every persisted progress event.
	TopicEvents = "events"
	// TopicQuestions carries question attempts produced by the match service.
	TopicQuestions = "dualmatch:question"
)

// Message is the envelope published on a topic.
type Message struct {
	ID        string          `json:"id"`
	StoreID   string          `json:"storeId,omitempty"`
	QueueID   string          `json:"queueId,omitempty"`
	Type      string          `json:"type"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage returns a message with a fresh id.
func NewMessage(msgType string, data json.RawMessage) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes one message delivered from a topic.
type Handler func(ctx context.Context, msg Message) error

// Broker publishes messages to topics and delivers them to subscribers.
type Broker interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// HealthChecker is implemented by brokers that can report their health.
type HealthChecker interface {
	Health(ctx context.Context) *transport.HealthCheckResult
}

// Closer is implemented by brokers that hold resources.
type Closer interface {
	Close(ctx context.Context) error
}

// Health reports the health of b, treating brokers without a health check as healthy.
func Health(ctx context.Context, b Broker) *transport.HealthCheckResult {
	if hc, ok := b.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return &transport.HealthCheckResult{
		Status:    transport.HealthStatusHealthy,
		Message:   "broker has no health check",
		CheckedAt: time.Now(),
		Details:   map[string]any{},
	}
}

// Close closes b if it holds resources.
func Close(ctx context.Context, b Broker) error {
	if c, ok := b.(Closer); ok {
		return c.Close(ctx)
	}
	return nil
}
