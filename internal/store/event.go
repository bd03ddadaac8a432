// Package store persists progress events and dropped queue items in MongoDB.
//
// Two stores are provided:
//   - EventStore: the durable home of every accepted event, queried by the
//     read endpoints (history, counts, per-type summaries).
//   - DeadLetterStore: a snapshot of items the queue gave up on, so they can
//     be inspected or replayed. It implements queue.Sink.
//
// Event document structure:
//
//	{
//	    "_id": ObjectId("..."),
//	    "queueId": "evt_1700000000000_42",
//	    "eventType": "quiz-attempt",
//	    "eventData": { "quizId": "q1", "score": 8, ... },
//	    "userId": "user-1",
//	    "metadata": { ... },
//	    "timestamp": ISODate("..."),
//	    "createdAt": ISODate("...")
//	}
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/rbaliyan/progress-events/internal/progress"
)

// Limits applied to Find.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// DefaultEventCollection is the collection events are stored in.
const DefaultEventCollection = "progress_events"

// eventDoc is the document written for an event.
type eventDoc struct {
	ID        bson.ObjectID  `bson:"_id"`
	QueueID   string         `bson:"queueId,omitempty"`
	EventType string         `bson:"eventType"`
	EventData progress.Data  `bson:"eventData"`
	UserID    string         `bson:"userId"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
	Timestamp time.Time      `bson:"timestamp"`
	CreatedAt time.Time      `bson:"createdAt"`
}

// storedEventDoc is the read side of eventDoc. The payload is kept raw until
// the event type is known.
type storedEventDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	QueueID   string        `bson:"queueId"`
	EventType string        `bson:"eventType"`
	EventData bson.RawValue `bson:"eventData"`
	UserID    string        `bson:"userId"`
	Metadata  bson.M        `bson:"metadata"`
	Timestamp time.Time     `bson:"timestamp"`
	CreatedAt time.Time     `bson:"createdAt"`
}

// StoredEvent is an event read back from the store. EventData holds the typed
// progress.Data variant for known event types.
type StoredEvent struct {
	ID        string             `json:"id"`
	QueueID   string             `json:"queueId,omitempty"`
	EventType progress.EventType `json:"eventType"`
	EventData any                `json:"eventData"`
	UserID    string             `json:"userId"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Filter selects events for Find and Count.
type Filter struct {
	UserID    string
	EventType progress.EventType
	Since     time.Time
	Until     time.Time
	Limit     int // Find only; clamped to [1, MaxLimit], DefaultLimit when unset
}

// TypeSummary aggregates one event type for a user.
type TypeSummary struct {
	EventType progress.EventType `json:"eventType"`
	Count     int64              `json:"count"`
	LastAt    time.Time          `json:"lastAt"`
}

// Summary aggregates a user's events by type.
type Summary struct {
	UserID string        `json:"userId"`
	Total  int64         `json:"total"`
	ByType []TypeSummary `json:"byType"`
}

// EventStore persists progress events.
type EventStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewEventStore creates an event store using the given collection.
//
// Example:
//
//	events, err := store.NewEventStore(db.Collection(store.DefaultEventCollection))
//	if err != nil {
//	    return err
//	}
//	events.EnsureIndexes(ctx)
func NewEventStore(collection *mongo.Collection) (*EventStore, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}
	return &EventStore{collection: collection, now: time.Now}, nil
}

// Create inserts record and returns the new document id.
//
// queueID ties the document to the queue item that produced it. A retried
// item whose earlier attempt already persisted gets the existing id back
// instead of a duplicate document.
func (s *EventStore) Create(ctx context.Context, record progress.Record, queueID string) (string, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}

	doc := eventDoc{
		ID:        bson.NewObjectID(),
		QueueID:   queueID,
		EventType: string(record.Type),
		EventData: record.Data,
		UserID:    record.UserID,
		Metadata:  record.Metadata,
		Timestamp: record.Timestamp,
		CreatedAt: s.now(),
	}

	_, err := s.collection.InsertOne(ctx, doc)
	if err == nil {
		return doc.ID.Hex(), nil
	}
	if queueID != "" && mongo.IsDuplicateKeyError(err) {
		var existing struct {
			ID bson.ObjectID `bson:"_id"`
		}
		findErr := s.collection.FindOne(ctx, bson.M{"queueId": queueID},
			options.FindOne().SetProjection(bson.M{"_id": 1})).Decode(&existing)
		if findErr == nil {
			return existing.ID.Hex(), nil
		}
	}
	return "", fmt.Errorf("insert event: %w", err)
}

// Find returns events matching filter, newest first.
func (s *EventStore) Find(ctx context.Context, filter Filter) ([]StoredEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(normalizeLimit(filter.Limit)))

	cursor, err := s.collection.Find(ctx, buildEventFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	events := []StoredEvent{}
	for cursor.Next(ctx) {
		var doc storedEventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ev, err := doc.event()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Get returns a single event by id.
func (s *EventStore) Get(ctx context.Context, id string) (*StoredEvent, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidID, id)
	}

	var doc storedEventDoc
	if err := s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev, err := doc.event()
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Count returns the number of events matching filter. Limit is ignored.
func (s *EventStore) Count(ctx context.Context, filter Filter) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, buildEventFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteByID removes one event. It reports false when no event had that id.
func (s *EventStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrInvalidID, id)
	}

	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return false, fmt.Errorf("delete event: %w", err)
	}
	return result.DeletedCount > 0, nil
}

// Summary returns per-type counts and the latest event time for userID.
func (s *EventStore) Summary(ctx context.Context, userID string) (*Summary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"userId": userID}}},
		{{Key: "$group", Value: bson.M{
			"_id":    "$eventType",
			"count":  bson.M{"$sum": 1},
			"lastAt": bson.M{"$max": "$timestamp"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate summary: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	summary := &Summary{UserID: userID, ByType: []TypeSummary{}}
	for cursor.Next(ctx) {
		var result struct {
			ID     string    `bson:"_id"`
			Count  int64     `bson:"count"`
			LastAt time.Time `bson:"lastAt"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("decode summary result: %w", err)
		}
		summary.ByType = append(summary.ByType, TypeSummary{
			EventType: progress.EventType(result.ID),
			Count:     result.Count,
			LastAt:    result.LastAt.UTC(),
		})
		summary.Total += result.Count
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	return summary, nil
}

// Ping checks connectivity to the primary.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the required indexes for efficient queries.
// Call this once during application startup.
//
// Creates the following indexes:
//   - (userId, timestamp) - for history queries and summaries
//   - (userId, eventType, timestamp) - for history filtered by type
//   - (queueId) unique - for idempotent retries
func (s *EventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Indexes returns the index models for manual creation.
// Use this if you prefer to manage indexes separately (e.g., via migrations).
func (s *EventStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "userId", Value: 1},
				{Key: "timestamp", Value: -1},
			},
			Options: options.Index().SetName("user_timestamp"),
		},
		{
			Keys: bson.D{
				{Key: "userId", Value: 1},
				{Key: "eventType", Value: 1},
				{Key: "timestamp", Value: -1},
			},
			Options: options.Index().SetName("user_type_timestamp"),
		},
		{
			Keys: bson.D{{Key: "queueId", Value: 1}},
			Options: options.Index().
				SetName("queue_id").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"queueId": bson.M{"$type": "string"}}),
		},
	}
}

// Collection returns the underlying MongoDB collection for custom queries.
func (s *EventStore) Collection() *mongo.Collection {
	return s.collection
}

func (d storedEventDoc) event() (StoredEvent, error) {
	data, err := decodeData(d.EventType, d.EventData)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("event %s: %w", d.ID.Hex(), err)
	}
	return StoredEvent{
		ID:        d.ID.Hex(),
		QueueID:   d.QueueID,
		EventType: progress.EventType(d.EventType),
		EventData: data,
		UserID:    d.UserID,
		Metadata:  bsonMToMap(d.Metadata),
		Timestamp: d.Timestamp.UTC(),
		CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

// buildEventFilter creates a MongoDB filter from Filter.
func buildEventFilter(filter Filter) bson.M {
	f := bson.M{}

	if filter.UserID != "" {
		f["userId"] = filter.UserID
	}
	if filter.EventType != "" {
		f["eventType"] = string(filter.EventType)
	}

	if !filter.Since.IsZero() || !filter.Until.IsZero() {
		tsFilter := bson.M{}
		if !filter.Since.IsZero() {
			tsFilter["$gte"] = filter.Since
		}
		if !filter.Until.IsZero() {
			tsFilter["$lt"] = filter.Until
		}
		f["timestamp"] = tsFilter
	}

	return f
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
