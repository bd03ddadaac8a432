package broker

import (
	"context"
	"errors"
	"testing"

	event "github.com/rbaliyan/event/v3"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(WithMeterProvider(provider))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumCounter(m *metricdata.Metrics) int64 {
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

// stubEvent implements event.Event[T] for testing.
type stubEvent[T any] struct{}

func (stubEvent[T]) Name() string                         { return "test-event" }
func (stubEvent[T]) Publish(_ context.Context, _ T) error { return nil }
func (stubEvent[T]) Subscribe(_ context.Context, _ event.Handler[T], _ ...event.SubscribeOption[T]) error {
	return nil
}

func TestMetricsMiddleware_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantHandled int64
		wantFailed  int64
	}{
		{"nil error counts as handled", nil, 1, 0},
		{"ErrAck counts as handled", event.ErrAck, 1, 0},
		{"ErrNack counts as failed", event.ErrNack, 0, 1},
		{"unknown error counts as failed", errors.New("boom"), 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reader := testMetrics(t)

			handler := MetricsMiddleware[Message](m)(func(ctx context.Context, ev event.Event[Message], msg Message) error {
				return tt.err
			})
			if err := handler(context.Background(), stubEvent[Message]{}, Message{}); err != tt.err {
				t.Fatalf("handler error = %v, want %v", err, tt.err)
			}

			rm := collectMetrics(t, reader)
			if got := sumCounter(findMetric(rm, "broker_messages_handled_total")); got != tt.wantHandled {
				t.Errorf("handled_total = %d, want %d", got, tt.wantHandled)
			}
			if got := sumCounter(findMetric(rm, "broker_messages_failed_total")); got != tt.wantFailed {
				t.Errorf("failed_total = %d, want %d", got, tt.wantFailed)
			}
		})
	}
}

func TestMetricsMiddleware_TopicAttribute(t *testing.T) {
	m, reader := testMetrics(t)

	handler := MetricsMiddleware[Message](m)(func(ctx context.Context, ev event.Event[Message], msg Message) error {
		return nil
	})
	_ = handler(context.Background(), stubEvent[Message]{}, Message{})

	rm := collectMetrics(t, reader)
	handled := findMetric(rm, "broker_messages_handled_total")
	if handled == nil {
		t.Fatal("handled_total metric not found")
	}
	sum := handled.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	v, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("topic"))
	if !ok || v.AsString() != "test-event" {
		t.Errorf("topic attribute = %q, want test-event", v.AsString())
	}
}

func TestMetrics_RecordPublish(t *testing.T) {
	m, reader := testMetrics(t)

	m.recordPublish(context.Background(), TopicEvents, nil)
	m.recordPublish(context.Background(), TopicEvents, errors.New("down"))

	rm := collectMetrics(t, reader)
	if got := sumCounter(findMetric(rm, "broker_messages_published_total")); got != 2 {
		t.Errorf("published_total = %d, want 2", got)
	}
}

func TestMetricsMiddleware_NilMetrics(t *testing.T) {
	called := false
	handler := MetricsMiddleware[Message](nil)(func(ctx context.Context, ev event.Event[Message], msg Message) error {
		called = true
		return nil
	})
	if err := handler(context.Background(), stubEvent[Message]{}, Message{}); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}

	var nilMetrics *Metrics
	nilMetrics.recordPublish(context.Background(), TopicEvents, nil)
}
