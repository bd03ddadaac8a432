package queue

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rbaliyan/progress-events/internal/progress"
)

const (
	meterName = "github.com/rbaliyan/progress-events/internal/queue"
)

// Metrics provides OpenTelemetry metrics for the event queue.
//
// All methods are nil-safe. Calling any method on a nil *Metrics is a no-op.
//
// Available metrics:
//   - progress_queue_enqueued_total: Counter of records accepted by Enqueue
//   - progress_queue_processed_total: Counter of successful processing attempts
//   - progress_queue_failed_total: Counter of failed processing attempts
//   - progress_queue_retried_total: Counter of items re-queued after a failure
//   - progress_queue_dropped_total: Counter of terminal drops, by reason
//   - progress_queue_process_duration_seconds: Histogram of processing time per attempt
//   - progress_queue_depth: Gauge of buffered items (callback-based)
type Metrics struct {
	meter metric.Meter

	enqueuedTotal  metric.Int64Counter
	processedTotal metric.Int64Counter
	failedTotal    metric.Int64Counter
	retriedTotal   metric.Int64Counter
	droppedTotal   metric.Int64Counter

	processDuration metric.Float64Histogram

	depth         metric.Int64ObservableGauge
	depthCallback func() int64

	registration metric.Registration
	mu           sync.RWMutex
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
//
//	metrics, _ := queue.NewMetrics(queue.WithMetricsNamespace("learning"))
//	// Metrics will be: learning_progress_queue_enqueued_total, etc.
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		if namespace != "" {
			o.namespace = namespace + "_"
		}
	}
}

// NewMetrics creates a new Metrics instance for recording queue metrics.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := o.meterProvider.Meter(meterName)
	prefix := o.namespace

	m := &Metrics{
		meter: meter,
	}

	var err error

	m.enqueuedTotal, err = meter.Int64Counter(
		prefix+"progress_queue_enqueued_total",
		metric.WithDescription("Total number of records accepted into the queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.processedTotal, err = meter.Int64Counter(
		prefix+"progress_queue_processed_total",
		metric.WithDescription("Total number of successful processing attempts"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.failedTotal, err = meter.Int64Counter(
		prefix+"progress_queue_failed_total",
		metric.WithDescription("Total number of failed processing attempts"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.retriedTotal, err = meter.Int64Counter(
		prefix+"progress_queue_retried_total",
		metric.WithDescription("Total number of items re-queued after a failed attempt"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.droppedTotal, err = meter.Int64Counter(
		prefix+"progress_queue_dropped_total",
		metric.WithDescription("Total number of items dropped after the retry budget or at shutdown"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.processDuration, err = meter.Float64Histogram(
		prefix+"progress_queue_process_duration_seconds",
		metric.WithDescription("Time spent persisting and publishing one item"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.depth, err = meter.Int64ObservableGauge(
		prefix+"progress_queue_depth",
		metric.WithDescription("Current number of buffered items"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.registration, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()

			if m.depthCallback != nil {
				o.ObserveInt64(m.depth, m.depthCallback())
			}
			return nil
		},
		m.depth,
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// SetDepthCallback sets the callback for the depth gauge. New binds it to the
// queue the metrics are passed to.
func (m *Metrics) SetDepthCallback(fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depthCallback = fn
}

// Close unregisters the metrics callbacks.
func (m *Metrics) Close() error {
	if m == nil {
		return nil
	}
	if m.registration != nil {
		return m.registration.Unregister()
	}
	return nil
}

func typeAttr(t progress.EventType) attribute.KeyValue {
	return attribute.String("event_type", string(t))
}

func (m *Metrics) recordEnqueued(ctx context.Context, t progress.EventType) {
	if m == nil {
		return
	}
	m.enqueuedTotal.Add(ctx, 1, metric.WithAttributes(typeAttr(t)))
}

func (m *Metrics) recordAttempt(ctx context.Context, t progress.EventType, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.failedTotal.Add(ctx, 1, metric.WithAttributes(typeAttr(t)))
	} else {
		m.processedTotal.Add(ctx, 1, metric.WithAttributes(typeAttr(t)))
	}
	m.processDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		typeAttr(t),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordRetry(ctx context.Context, t progress.EventType) {
	if m == nil {
		return
	}
	m.retriedTotal.Add(ctx, 1, metric.WithAttributes(typeAttr(t)))
}

func (m *Metrics) recordDrop(ctx context.Context, t progress.EventType, reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.Add(ctx, 1, metric.WithAttributes(
		typeAttr(t),
		attribute.String("reason", reason),
	))
}
