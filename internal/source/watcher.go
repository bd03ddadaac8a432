// Package source feeds external writes into the broker.
//
// Watcher tails a MongoDB collection with a change stream and publishes every
// inserted document to a broker topic (by default broker.TopicQuestions). The
// match service writes question attempts into that collection; ingestion
// subscribes to the topic and turns them into question-attempt events.
//
// Features:
//   - A checkpoint per watcher key (resume token plus publish counters), so
//     restarts continue where the previous process stopped
//   - Automatic reconnection with exponential backoff
//   - Stale resume tokens (oplog rolled past) are cleared and the stream
//     restarts from the current position
//
// A checkpoint is only advanced after the document was published. When a
// publish fails the stream is reopened from the last saved position, so a
// document may be published more than once.
//
// Change streams require a replica set or sharded cluster.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/event/v3/transport/base"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/progress-events/internal/broker"
)

// DefaultMessageType is the Message.Type of published documents.
const DefaultMessageType = "question"

// Watcher publishes documents inserted into a collection.
type Watcher struct {
	collection   *mongo.Collection
	broker       broker.Broker
	topic        string
	messageType  string
	checkpoints  CheckpointStore
	instance     string
	logger       *slog.Logger
	batchSize    *int32
	maxAwaitTime *time.Duration

	running       atomic.Bool
	published     atomic.Int64
	lastPublished atomic.Int64 // unix nanos
	lastError     atomic.Value // string
}

// hostname is replaced in tests.
var hostname = os.Hostname

// Option configures the watcher.
type Option func(*Watcher)

// WithTopic sets the topic documents are published to.
func WithTopic(topic string) Option {
	return func(w *Watcher) {
		if topic != "" {
			w.topic = topic
		}
	}
}

// WithMessageType sets Message.Type on published messages.
func WithMessageType(t string) Option {
	return func(w *Watcher) {
		if t != "" {
			w.messageType = t
		}
	}
}

// WithCheckpointStore persists checkpoints across restarts. Without it
// checkpoints are only kept in memory and a restart begins at the current
// position.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(w *Watcher) {
		if store != nil {
			w.checkpoints = store
		}
	}
}

// WithInstanceID sets the instance part of the checkpoint key.
// Defaults to the hostname, so every instance keeps its own position.
func WithInstanceID(id string) Option {
	return func(w *Watcher) {
		if id != "" {
			w.instance = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithBatchSize sets the change stream cursor batch size.
func WithBatchSize(n int32) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.batchSize = &n
		}
	}
}

// WithMaxAwaitTime sets how long the server waits for new changes per getMore.
func WithMaxAwaitTime(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.maxAwaitTime = &d
		}
	}
}

// NewWatcher creates a watcher on collection that publishes to b.
//
// Example:
//
//	checkpoints, _ := source.NewMongoCheckpointStore(db.Collection(source.DefaultCheckpointCollection))
//	w, err := source.NewWatcher(db.Collection("dualmatch_questions"), bus,
//	    source.WithCheckpointStore(checkpoints),
//	)
//	go w.Run(ctx)
func NewWatcher(collection *mongo.Collection, b broker.Broker, opts ...Option) (*Watcher, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}
	if b == nil {
		return nil, ErrBrokerRequired
	}

	w := &Watcher{
		collection:  collection,
		broker:      b,
		topic:       broker.TopicQuestions,
		messageType: DefaultMessageType,
		checkpoints: newMemoryCheckpointStore(),
		logger:      transport.Logger("source>watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.instance == "" {
		w.instance = w.defaultInstance()
	}
	return w, nil
}

// defaultInstance returns the hostname, or "default" when it is unknown.
func (w *Watcher) defaultInstance() string {
	name, err := hostname()
	if err == nil && name != "" {
		return name
	}
	w.logger.Warn("hostname unavailable, using shared instance id; instances with the same id share a checkpoint",
		"instance", "default", "error", err)
	return "default"
}

// Run watches the collection until ctx is done, reconnecting with
// exponential backoff on errors. It returns nil when ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)

	w.restore(ctx, w.key())
	backoff := base.NewBackoff()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff.Reset()
			continue
		}

		w.lastError.Store(err.Error())
		backoffDuration := backoff.Next()
		w.logger.Error("change stream error, reconnecting",
			"error", err, "backoff", backoffDuration)

		if isChangeStreamHistoryLost(err) {
			w.logger.Warn("resume token is stale (oplog rolled past), clearing and starting fresh")
			if clearErr := w.checkpoints.ResetToken(ctx, w.key()); clearErr != nil {
				w.logger.Error("failed to clear stale resume token", "error", clearErr)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoffDuration):
		}
	}
}

// isChangeStreamHistoryLost checks if the error indicates the resume token
// is no longer valid because the oplog has rolled past that position.
func isChangeStreamHistoryLost(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 286 {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "ChangeStreamHistoryLost") ||
		strings.Contains(errStr, "resume point may no longer be in the oplog")
}

// watchOnce opens one change stream and publishes inserts until it fails.
func (w *Watcher) watchOnce(ctx context.Context) error {
	csOpts := options.ChangeStream()
	if w.batchSize != nil {
		csOpts.SetBatchSize(*w.batchSize)
	}
	if w.maxAwaitTime != nil {
		csOpts.SetMaxAwaitTime(*w.maxAwaitTime)
	}

	key := w.key()

	var hasExistingToken bool
	cp, _, err := w.checkpoints.Load(ctx, key)
	if err != nil {
		w.logger.Warn("failed to load checkpoint", "error", err)
	} else if cp.Token != nil {
		csOpts.SetResumeAfter(cp.Token)
		hasExistingToken = true
		w.logger.Debug("resuming from checkpoint", "key", key.String())
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": "insert"}}},
	}

	cs, err := w.collection.Watch(ctx, pipeline, csOpts)
	if err != nil {
		return err
	}
	defer func() { _ = cs.Close(context.WithoutCancel(ctx)) }()

	w.logger.Info("change stream opened",
		"database", w.collection.Database().Name(), "collection", w.collection.Name(), "topic", w.topic)

	// Without a stored token, record the current position so a restart does
	// not replay the collection's history.
	if !hasExistingToken && cs.ResumeToken() != nil {
		if err := w.checkpoints.Save(ctx, key, w.checkpoint(cs.ResumeToken())); err != nil {
			w.logger.Warn("failed to save initial checkpoint", "error", err)
		}
	}

	for cs.Next(ctx) {
		if err := w.processChange(ctx, cs.Current); err != nil {
			return err
		}
		if err := w.checkpoints.Save(ctx, key, w.checkpoint(cs.ResumeToken())); err != nil {
			w.logger.Warn("failed to save checkpoint", "error", err)
		}
	}

	return cs.Err()
}

// processChange publishes one change document.
func (w *Watcher) processChange(ctx context.Context, raw bson.Raw) error {
	msg, ok, err := w.message(raw)
	if err != nil {
		// A document that cannot be decoded will never succeed; skip it.
		w.logger.Error("skipping undecodable change", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	if err := w.broker.Publish(ctx, w.topic, msg); err != nil {
		return fmt.Errorf("publish change %s: %w", msg.ID, err)
	}
	w.published.Add(1)
	w.lastPublished.Store(time.Now().UnixNano())
	w.logger.Debug("change published", "id", msg.ID, "topic", w.topic, "document_key", msg.Metadata[MetadataDocumentKey])
	return nil
}

// message builds the broker message for a change document. It reports false
// for changes without a full document.
func (w *Watcher) message(raw bson.Raw) (broker.Message, bool, error) {
	var doc changeStreamDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return broker.Message{}, false, fmt.Errorf("decode change: %w", err)
	}
	change, err := doc.changeEvent()
	if err != nil {
		return broker.Message{}, false, err
	}
	if len(change.FullDocument) == 0 {
		return broker.Message{}, false, nil
	}

	msg := broker.NewMessage(w.messageType, change.FullDocument)
	if change.ID != "" {
		msg.ID = change.ID
	}
	msg.Timestamp = change.Timestamp
	msg.Metadata = map[string]any{
		MetadataOperation:   string(change.OperationType),
		MetadataNamespace:   change.Namespace,
		MetadataDocumentKey: change.DocumentKey,
	}
	return msg, true, nil
}

// key returns the checkpoint key of this watcher.
func (w *Watcher) key() Key {
	return Key{
		Database:   w.collection.Database().Name(),
		Collection: w.collection.Name(),
		Instance:   w.instance,
	}
}

// restore seeds the publish counters from the checkpoint stored for key.
func (w *Watcher) restore(ctx context.Context, key Key) {
	cp, found, err := w.checkpoints.Load(ctx, key)
	if err != nil {
		w.logger.Warn("failed to load checkpoint", "error", err)
		return
	}
	if !found {
		return
	}
	w.published.Store(cp.Published)
	if !cp.LastPublishedAt.IsZero() {
		w.lastPublished.Store(cp.LastPublishedAt.UnixNano())
	}
}

// checkpoint captures the current position and counters.
func (w *Watcher) checkpoint(token bson.Raw) Checkpoint {
	cp := Checkpoint{Token: token, Published: w.published.Load()}
	if n := w.lastPublished.Load(); n > 0 {
		cp.LastPublishedAt = time.Unix(0, n).UTC()
	}
	return cp
}

// Running reports whether Run is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Stats is a snapshot of watcher activity.
type Stats struct {
	Running         bool      `json:"running"`
	Published       int64     `json:"published"`
	LastPublishedAt time.Time `json:"lastPublishedAt,omitzero"`
	LastError       string    `json:"lastError,omitempty"`
}

// Stats returns a snapshot of watcher activity. Published and
// LastPublishedAt include earlier runs restored from the checkpoint.
func (w *Watcher) Stats() Stats {
	s := Stats{Running: w.running.Load(), Published: w.published.Load()}
	if n := w.lastPublished.Load(); n > 0 {
		s.LastPublishedAt = time.Unix(0, n).UTC()
	}
	if v, ok := w.lastError.Load().(string); ok {
		s.LastError = v
	}
	return s
}
