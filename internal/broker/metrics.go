package broker

import (
	"context"
	"time"

	event "github.com/rbaliyan/event/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/rbaliyan/progress-events/internal/broker"
)

// Metrics provides OpenTelemetry metrics for the broker.
//
// All methods are nil-safe. Calling any method on a nil *Metrics is a no-op.
//
// Available metrics:
//   - broker_messages_published_total: Counter of published messages, by topic and outcome
//   - broker_messages_handled_total: Counter of messages handled successfully
//   - broker_messages_failed_total: Counter of handler errors
//   - broker_handler_duration_seconds: Histogram of handler processing time
type Metrics struct {
	publishedTotal  metric.Int64Counter
	handledTotal    metric.Int64Counter
	failedTotal     metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

// MetricsOption configures the Metrics instance.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
}

// WithMeterProvider sets a custom meter provider for metrics.
// By default, uses the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithMetricsNamespace sets a namespace prefix for all metrics.
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		if namespace != "" {
			o.namespace = namespace + "_"
		}
	}
}

// NewMetrics creates a new Metrics instance for recording broker metrics.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := o.meterProvider.Meter(meterName)
	prefix := o.namespace

	m := &Metrics{}

	var err error

	m.publishedTotal, err = meter.Int64Counter(
		prefix+"broker_messages_published_total",
		metric.WithDescription("Total number of messages published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.handledTotal, err = meter.Int64Counter(
		prefix+"broker_messages_handled_total",
		metric.WithDescription("Total number of messages handled successfully"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.failedTotal, err = meter.Int64Counter(
		prefix+"broker_messages_failed_total",
		metric.WithDescription("Total number of messages whose handler failed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.handlerDuration, err = meter.Float64Histogram(
		prefix+"broker_handler_duration_seconds",
		metric.WithDescription("Time spent handling a message"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordPublish(ctx context.Context, topic string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.publishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

// MetricsMiddleware creates a subscriber middleware that records handler
// duration and outcome. Errors are classified with event.ClassifyError, so a
// handler returning an error that wraps event.ErrAck counts as handled.
// If m is nil, the middleware is a no-op passthrough.
func MetricsMiddleware[T any](m *Metrics) event.Middleware[T] {
	return func(next event.Handler[T]) event.Handler[T] {
		if m == nil {
			return next
		}
		return func(ctx context.Context, ev event.Event[T], data T) error {
			topic := event.ContextName(ctx)
			if topic == "" && ev != nil {
				topic = ev.Name()
			}
			attrs := metric.WithAttributes(attribute.String("topic", topic))

			start := time.Now()
			handlerErr := next(ctx, ev, data)
			m.handlerDuration.Record(ctx, time.Since(start).Seconds(), attrs)

			if handlerErr != nil && event.ClassifyError(handlerErr) != event.ResultAck {
				m.failedTotal.Add(ctx, 1, attrs)
			} else {
				m.handledTotal.Add(ctx, 1, attrs)
			}

			return handlerErr
		}
	}
}
