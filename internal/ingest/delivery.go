package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/event/v3/transport"

	"github.com/rbaliyan/progress-events/internal/broker"
	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/queue"
)

// EventWriter persists a record and returns its store id. Writing the same
// queue id twice must return the id of the first write.
type EventWriter interface {
	Create(ctx context.Context, record progress.Record, queueID string) (string, error)
}

// Delivery is the queue processor: it persists an item, then publishes the
// persisted event. A failure in either step fails the attempt and leaves the
// retry decision to the queue.
type Delivery struct {
	store  EventWriter
	broker broker.Broker
	topic  string
	logger *slog.Logger
}

// DeliveryOption configures a Delivery.
type DeliveryOption func(*Delivery)

// WithBroker sets the broker events are published to. Without it events are
// only persisted.
func WithBroker(b broker.Broker) DeliveryOption {
	return func(d *Delivery) {
		if b != nil {
			d.broker = b
		}
	}
}

// WithTopic sets the publish topic. Defaults to broker.TopicEvents.
func WithTopic(topic string) DeliveryOption {
	return func(d *Delivery) {
		if topic != "" {
			d.topic = topic
		}
	}
}

// WithDeliveryLogger sets the logger.
func WithDeliveryLogger(logger *slog.Logger) DeliveryOption {
	return func(d *Delivery) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDelivery creates a processor writing to store.
func NewDelivery(store EventWriter, opts ...DeliveryOption) (*Delivery, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	d := &Delivery{
		store:  store,
		broker: broker.Noop{},
		topic:  broker.TopicEvents,
		logger: transport.Logger("ingest>delivery"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Process persists and publishes one queued item.
func (d *Delivery) Process(ctx context.Context, item *queue.Item) error {
	rec := item.Record

	storeID, err := d.store.Create(ctx, rec, item.ID)
	if err != nil {
		return fmt.Errorf("store event %s: %w", item.ID, err)
	}

	msg, err := d.message(storeID, item)
	if err != nil {
		return err
	}
	if err := d.broker.Publish(ctx, d.topic, msg); err != nil {
		return fmt.Errorf("publish event %s: %w", item.ID, err)
	}

	d.logger.DebugContext(ctx, "event delivered",
		"queue_id", item.ID, "store_id", storeID, "event_type", rec.Type, "attempt", item.RetryCount+1)
	return nil
}

func (d *Delivery) message(storeID string, item *queue.Item) (broker.Message, error) {
	rec := item.Record
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return broker.Message{}, fmt.Errorf("encode event %s: %w", item.ID, err)
	}

	msg := broker.NewMessage(string(rec.Type), data)
	msg.StoreID = storeID
	msg.QueueID = item.ID
	msg.UserID = rec.UserID
	msg.Metadata = rec.Metadata
	msg.Timestamp = rec.Timestamp
	return msg, nil
}

// Compile-time checks
var _ queue.Processor = (*Delivery)(nil)
