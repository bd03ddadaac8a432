package broker

import (
	"context"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/rbaliyan/event/v3/transport"
)

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	Threshold   int           // consecutive failures before opening
	Timeout     time.Duration // how long to stay open
	MaxRequests int           // requests allowed in half-open
}

// DefaultBreakerConfig returns the defaults used when a field is unset.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Timeout:     30 * time.Second,
		MaxRequests: 1,
	}
}

// Breaker wraps a Broker with a circuit breaker on Publish. While the circuit
// is open publishes fail immediately, which the queue counts as a failed
// attempt.
type Breaker struct {
	next Broker
	cb   circuitbreaker.CircuitBreaker[struct{}]
}

// NewBreaker wraps next.
func NewBreaker(next Broker, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}

	threshold := cfg.Threshold
	return &Breaker{
		next: next,
		cb: circuitbreaker.New[struct{}](circuitbreaker.Config{
			MaxRequests: uint32(cfg.MaxRequests), // #nosec G115 -- bounded config value
			Interval:    cfg.Timeout,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- bounded config value
			},
		}),
	}
}

// Publish sends msg through the circuit breaker.
func (b *Breaker) Publish(ctx context.Context, topic string, msg Message) error {
	_, err := b.cb.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.next.Publish(ctx, topic, msg)
	})
	return err
}

// Subscribe is not guarded by the breaker.
func (b *Breaker) Subscribe(ctx context.Context, topic string, h Handler) error {
	return b.next.Subscribe(ctx, topic, h)
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Health reports the wrapped broker's health and the circuit state. An open
// circuit is reported as unhealthy.
func (b *Breaker) Health(ctx context.Context) *transport.HealthCheckResult {
	result := Health(ctx, b.next)
	if result.Details == nil {
		result.Details = make(map[string]any)
	}
	state := b.State()
	result.Details["circuit"] = state
	if state == "open" {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "publish circuit is open"
	}
	return result
}

// Close closes the wrapped broker.
func (b *Breaker) Close(ctx context.Context) error {
	return Close(ctx, b.next)
}

// Compile-time checks
var (
	_ Broker        = (*Breaker)(nil)
	_ HealthChecker = (*Breaker)(nil)
	_ Closer        = (*Breaker)(nil)
)
