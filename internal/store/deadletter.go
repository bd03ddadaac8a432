package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/queue"
)

// DefaultDeadLetterCollection is the collection dropped queue items are kept in.
const DefaultDeadLetterCollection = "_progress_dead_letters"

// deadLetterDoc is the stored snapshot of a dropped queue item.
type deadLetterDoc struct {
	ID         bson.ObjectID  `bson:"_id"`
	QueueID    string         `bson:"queue_id"`
	EventType  string         `bson:"event_type"`
	EventData  progress.Data  `bson:"event_data"`
	UserID     string         `bson:"user_id"`
	Metadata   map[string]any `bson:"metadata,omitempty"`
	Timestamp  time.Time      `bson:"timestamp"`
	EnqueuedAt time.Time      `bson:"enqueued_at"`
	RetryCount int            `bson:"retry_count"`
	Reason     string         `bson:"reason"`
	Error      string         `bson:"error,omitempty"`
	DroppedAt  time.Time      `bson:"dropped_at"`
}

// storedDeadLetterDoc is the read side of deadLetterDoc.
type storedDeadLetterDoc struct {
	ID         bson.ObjectID `bson:"_id"`
	QueueID    string        `bson:"queue_id"`
	EventType  string        `bson:"event_type"`
	EventData  bson.RawValue `bson:"event_data"`
	UserID     string        `bson:"user_id"`
	Metadata   bson.M        `bson:"metadata"`
	Timestamp  time.Time     `bson:"timestamp"`
	EnqueuedAt time.Time     `bson:"enqueued_at"`
	RetryCount int           `bson:"retry_count"`
	Reason     string        `bson:"reason"`
	Error      string        `bson:"error"`
	DroppedAt  time.Time     `bson:"dropped_at"`
}

// DeadLetterEntry is a dropped queue item read back from the store.
type DeadLetterEntry struct {
	ID         string             `json:"id"`
	QueueID    string             `json:"queueId"`
	EventType  progress.EventType `json:"eventType"`
	EventData  any                `json:"eventData"`
	UserID     string             `json:"userId"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
	RetryCount int                `json:"retryCount"`
	Reason     string             `json:"reason"`
	Error      string             `json:"error,omitempty"`
	DroppedAt  time.Time          `json:"droppedAt"`
}

// DeadLetterFilter selects dead letters for List and Count.
type DeadLetterFilter struct {
	Reason    string
	UserID    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int // List only; clamped to [1, MaxLimit], DefaultLimit when unset
	Offset    int
}

// DeadLetterStore keeps snapshots of queue items that were dropped after
// their retry budget or at shutdown. It implements queue.Sink.
type DeadLetterStore struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// DeadLetterOption configures the dead letter store.
type DeadLetterOption func(*DeadLetterStore)

// WithTTL sets how long dead letters are retained. MongoDB deletes older
// entries automatically once EnsureIndexes has created the TTL index.
// Default is 0 (kept until purged).
func WithTTL(ttl time.Duration) DeadLetterOption {
	return func(s *DeadLetterStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewDeadLetterStore creates a dead letter store using the given collection.
//
// Example:
//
//	dead, err := store.NewDeadLetterStore(
//	    db.Collection(store.DefaultDeadLetterCollection),
//	    store.WithTTL(7*24*time.Hour),
//	)
//	q, _ := queue.New(processor, queue.WithDeadLetter(dead))
func NewDeadLetterStore(collection *mongo.Collection, opts ...DeadLetterOption) (*DeadLetterStore, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}
	s := &DeadLetterStore{collection: collection}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put stores a snapshot of a dropped item.
func (s *DeadLetterStore) Put(ctx context.Context, dl queue.DeadLetter) error {
	doc := deadLetterDoc{
		ID:         bson.NewObjectID(),
		QueueID:    dl.Item.ID,
		EventType:  string(dl.Item.Record.Type),
		EventData:  dl.Item.Record.Data,
		UserID:     dl.Item.Record.UserID,
		Metadata:   dl.Item.Record.Metadata,
		Timestamp:  dl.Item.Record.Timestamp,
		EnqueuedAt: dl.Item.EnqueuedAt,
		RetryCount: dl.Item.RetryCount,
		Reason:     dl.Reason,
		DroppedAt:  dl.DroppedAt,
	}
	if dl.Err != nil {
		doc.Error = dl.Err.Error()
	}
	if doc.DroppedAt.IsZero() {
		doc.DroppedAt = time.Now()
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns dead letters matching the filter, most recently dropped first.
func (s *DeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "dropped_at", Value: -1}}).
		SetLimit(int64(normalizeLimit(filter.Limit)))
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, buildDeadLetterFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find dead letters: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	entries := []DeadLetterEntry{}
	for cursor.Next(ctx) {
		var doc storedDeadLetterDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		data, err := decodeData(doc.EventType, doc.EventData)
		if err != nil {
			return nil, fmt.Errorf("dead letter %s: %w", doc.ID.Hex(), err)
		}
		entries = append(entries, DeadLetterEntry{
			ID:         doc.ID.Hex(),
			QueueID:    doc.QueueID,
			EventType:  progress.EventType(doc.EventType),
			EventData:  data,
			UserID:     doc.UserID,
			Metadata:   bsonMToMap(doc.Metadata),
			Timestamp:  doc.Timestamp.UTC(),
			EnqueuedAt: doc.EnqueuedAt.UTC(),
			RetryCount: doc.RetryCount,
			Reason:     doc.Reason,
			Error:      doc.Error,
			DroppedAt:  doc.DroppedAt.UTC(),
		})
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

// Count returns the number of dead letters matching the filter.
func (s *DeadLetterStore) Count(ctx context.Context, filter DeadLetterFilter) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, buildDeadLetterFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Purge deletes dead letters dropped more than age ago.
// Use this for manual cleanup if TTL is not configured.
func (s *DeadLetterStore) Purge(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result, err := s.collection.DeleteMany(ctx, bson.M{
		"dropped_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return result.DeletedCount, nil
}

// EnsureIndexes creates the necessary indexes for the dead letter store.
// Call this once during application startup.
func (s *DeadLetterStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Indexes returns the index models for manual creation.
// Use this if you prefer to manage indexes separately (e.g., via migrations).
func (s *DeadLetterStore) Indexes() []mongo.IndexModel {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "reason", Value: 1}, {Key: "dropped_at", Value: -1}},
			Options: options.Index().SetName("reason_dropped_at"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "dropped_at", Value: -1}},
			Options: options.Index().SetName("user_dropped_at"),
		},
	}

	if s.ttl > 0 {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "dropped_at", Value: 1}},
			Options: options.Index().
				SetName("dropped_at_ttl").
				SetExpireAfterSeconds(int32(s.ttl.Seconds())),
		})
	}

	return indexes
}

// buildDeadLetterFilter creates a MongoDB filter from DeadLetterFilter.
func buildDeadLetterFilter(filter DeadLetterFilter) bson.M {
	f := bson.M{}

	if filter.Reason != "" {
		f["reason"] = filter.Reason
	}
	if filter.UserID != "" {
		f["user_id"] = filter.UserID
	}

	if !filter.StartTime.IsZero() || !filter.EndTime.IsZero() {
		droppedFilter := bson.M{}
		if !filter.StartTime.IsZero() {
			droppedFilter["$gte"] = filter.StartTime
		}
		if !filter.EndTime.IsZero() {
			droppedFilter["$lt"] = filter.EndTime
		}
		f["dropped_at"] = droppedFilter
	}

	return f
}

// Compile-time check
var _ queue.Sink = (*DeadLetterStore)(nil)
