package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultCheckpointCollection is the collection watcher checkpoints are kept in.
const DefaultCheckpointCollection = "_event_resume_tokens"

// Key identifies one watcher: the namespace it tails and the instance
// running it. Instances never share a checkpoint.
type Key struct {
	Database   string
	Collection string
	Instance   string
}

// String returns "database.collection:instance".
func (k Key) String() string {
	return k.Database + "." + k.Collection + ":" + k.Instance
}

// Checkpoint is the persisted position and progress of a watcher.
type Checkpoint struct {
	// Token is the change stream resume token. Nil starts the stream at the
	// current position.
	Token bson.Raw

	// Published counts documents published over the watcher's lifetime,
	// across restarts.
	Published int64

	// LastPublishedAt is when the last document was published.
	LastPublishedAt time.Time
}

// CheckpointStore persists watcher checkpoints.
type CheckpointStore interface {
	// Load returns the checkpoint for key. found is false when none exists.
	Load(ctx context.Context, key Key) (cp Checkpoint, found bool, err error)

	// Save replaces the checkpoint for key.
	Save(ctx context.Context, key Key, cp Checkpoint) error

	// ResetToken drops the resume token for key and keeps the counters.
	// Used when the oplog has rolled past the stored position.
	ResetToken(ctx context.Context, key Key) error
}

type checkpointDoc struct {
	ID              string    `bson:"_id"`
	Database        string    `bson:"database"`
	Collection      string    `bson:"collection"`
	Instance        string    `bson:"instance"`
	Token           bson.Raw  `bson:"token,omitempty"`
	Published       int64     `bson:"published"`
	LastPublishedAt time.Time `bson:"last_published_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

// MongoCheckpointStore keeps one document per watcher key.
type MongoCheckpointStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoCheckpointStore creates a checkpoint store on collection.
func NewMongoCheckpointStore(collection *mongo.Collection) (*MongoCheckpointStore, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}
	return &MongoCheckpointStore{collection: collection, now: time.Now}, nil
}

// Load returns the checkpoint stored for key.
func (s *MongoCheckpointStore) Load(ctx context.Context, key Key) (Checkpoint, bool, error) {
	var doc checkpointDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return doc.checkpoint(), true, nil
}

// Save upserts the checkpoint for key.
func (s *MongoCheckpointStore) Save(ctx context.Context, key Key, cp Checkpoint) error {
	doc := newCheckpointDoc(key, cp, s.now())
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

// ResetToken unsets the stored token. A missing checkpoint is not an error.
func (s *MongoCheckpointStore) ResetToken(ctx context.Context, key Key) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": key.String()}, bson.M{
		"$unset": bson.M{"token": ""},
		"$set":   bson.M{"updated_at": s.now()},
	})
	if err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", key, err)
	}
	return nil
}

// EnsureIndexes creates the checkpoint indexes.
func (s *MongoCheckpointStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Indexes returns the index models for manual creation.
func (s *MongoCheckpointStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "database", Value: 1},
				{Key: "collection", Value: 1},
				{Key: "instance", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
		},
	}
}

func newCheckpointDoc(key Key, cp Checkpoint, now time.Time) checkpointDoc {
	return checkpointDoc{
		ID:              key.String(),
		Database:        key.Database,
		Collection:      key.Collection,
		Instance:        key.Instance,
		Token:           cp.Token,
		Published:       cp.Published,
		LastPublishedAt: cp.LastPublishedAt,
		UpdatedAt:       now,
	}
}

func (d checkpointDoc) checkpoint() Checkpoint {
	cp := Checkpoint{Published: d.Published}
	if len(d.Token) > 0 {
		cp.Token = d.Token
	}
	if !d.LastPublishedAt.IsZero() {
		cp.LastPublishedAt = d.LastPublishedAt.UTC()
	}
	return cp
}

// memoryCheckpointStore backs watchers that run without persistence.
type memoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[Key]Checkpoint
}

func newMemoryCheckpointStore() *memoryCheckpointStore {
	return &memoryCheckpointStore{checkpoints: make(map[Key]Checkpoint)}
}

func (s *memoryCheckpointStore) Load(_ context.Context, key Key) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[key]
	return cp, ok, nil
}

func (s *memoryCheckpointStore) Save(_ context.Context, key Key, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[key] = cp
	return nil
}

func (s *memoryCheckpointStore) ResetToken(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[key]; ok {
		cp.Token = nil
		s.checkpoints[key] = cp
	}
	return nil
}

var (
	_ CheckpointStore = (*MongoCheckpointStore)(nil)
	_ CheckpointStore = (*memoryCheckpointStore)(nil)
)
