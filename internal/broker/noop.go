package broker

import (
	"context"
	"time"

	"github.com/rbaliyan/event/v3/transport"
)

// Noop discards published messages and never delivers any.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, string, Message) error { return nil }

// Subscribe does nothing.
func (Noop) Subscribe(context.Context, string, Handler) error { return nil }

// Health always reports healthy.
func (Noop) Health(context.Context) *transport.HealthCheckResult {
	return &transport.HealthCheckResult{
		Status:    transport.HealthStatusHealthy,
		Message:   "publishing disabled",
		CheckedAt: time.Now(),
		Details:   map[string]any{"type": "noop"},
	}
}

var _ Broker = Noop{}
