package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	event "github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/event/v3/transport/channel"
)

// DefaultBufferSize is the per-subscriber buffer of the default channel transport.
const DefaultBufferSize = 1024

// Bus implements Broker on an event/v3 bus. Each topic is an event.Event[Message]
// registered on first use.
type Bus struct {
	name       string
	bus        *event.Bus
	transport  transport.Transport
	bufferSize int
	logger     *slog.Logger
	metrics    *Metrics

	mu     sync.Mutex
	topics map[string]event.Event[Message]
}

// BusOption configures the bus.
type BusOption func(*Bus)

// WithTransport sets the transport. By default an in-process channel
// transport is used.
func WithTransport(t transport.Transport) BusOption {
	return func(b *Bus) {
		if t != nil {
			b.transport = t
		}
	}
}

// WithBufferSize sets the buffer size of the default channel transport.
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records publish and handler metrics.
func WithMetrics(m *Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = m
	}
}

// NewBus creates a bus named name.
//
// Example:
//
//	b, err := broker.NewBus("progress", broker.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer b.Close(ctx)
//	b.Publish(ctx, broker.TopicEvents, msg)
func NewBus(name string, opts ...BusOption) (*Bus, error) {
	b := &Bus{
		name:       name,
		bufferSize: DefaultBufferSize,
		logger:     transport.Logger("broker>bus"),
		topics:     make(map[string]event.Event[Message]),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.transport == nil {
		b.transport = channel.New(
			channel.WithBufferSize(uint(b.bufferSize)),
			channel.WithLogger(b.logger),
		)
	}

	bus, err := event.NewBus(name, event.WithTransport(b.transport))
	if err != nil {
		return nil, fmt.Errorf("create bus %s: %w", name, err)
	}
	b.bus = bus

	return b, nil
}

// topic returns the event for name, registering it on first use.
func (b *Bus) topic(ctx context.Context, name string) (event.Event[Message], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev, ok := b.topics[name]; ok {
		return ev, nil
	}

	ev := event.New[Message](name)
	if err := event.Register(ctx, b.bus, ev); err != nil {
		return nil, fmt.Errorf("register topic %s: %w", name, err)
	}
	b.topics[name] = ev
	b.logger.Debug("topic registered", "topic", name)
	return ev, nil
}

// Publish sends msg to topic.
func (b *Bus) Publish(ctx context.Context, topic string, msg Message) error {
	ev, err := b.topic(ctx, topic)
	if err != nil {
		return err
	}

	err = ev.Publish(ctx, msg)
	b.metrics.recordPublish(ctx, topic, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers every message published to topic to h.
func (b *Bus) Subscribe(ctx context.Context, topic string, h Handler) error {
	ev, err := b.topic(ctx, topic)
	if err != nil {
		return err
	}

	handler := func(ctx context.Context, _ event.Event[Message], msg Message) error {
		return h(ctx, msg)
	}
	if err := ev.Subscribe(ctx, handler, event.WithMiddleware(MetricsMiddleware[Message](b.metrics))); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.logger.Info("subscribed", "topic", topic)
	return nil
}

// Health reports the transport health.
func (b *Bus) Health(ctx context.Context) *transport.HealthCheckResult {
	if hc, ok := b.transport.(interface {
		Health(context.Context) *transport.HealthCheckResult
	}); ok {
		result := hc.Health(ctx)
		if result.Details == nil {
			result.Details = make(map[string]any)
		}
		result.Details["bus"] = b.name
		return result
	}

	return &transport.HealthCheckResult{
		Status:    transport.HealthStatusHealthy,
		Message:   "bus is running",
		CheckedAt: time.Now(),
		Details:   map[string]any{"bus": b.name},
	}
}

// Close shuts down the bus and its transport.
func (b *Bus) Close(ctx context.Context) error {
	return b.bus.Close(ctx)
}

// Compile-time checks
var (
	_ Broker        = (*Bus)(nil)
	_ HealthChecker = (*Bus)(nil)
	_ Closer        = (*Bus)(nil)
)
