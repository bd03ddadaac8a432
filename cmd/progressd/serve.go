package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"
	eventerrors "github.com/rbaliyan/event/v3/errors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/progress-events/internal/broker"
	"github.com/rbaliyan/progress-events/internal/config"
	"github.com/rbaliyan/progress-events/internal/httpapi"
	"github.com/rbaliyan/progress-events/internal/ingest"
	"github.com/rbaliyan/progress-events/internal/query"
	"github.com/rbaliyan/progress-events/internal/queue"
	"github.com/rbaliyan/progress-events/internal/source"
	"github.com/rbaliyan/progress-events/internal/store"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the event queue and the broker consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.cfg, a.logger)
		},
	}
}

// serve runs until ctx is canceled. Shutdown order is fixed: the HTTP server
// stops accepting events, the queue drains, the broker closes, and the
// MongoDB client disconnects last.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := connectMongo(ctx, cfg.Mongo, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
			logger.Error("mongodb disconnect failed", "error", err)
		}
	}()
	db := client.Database(cfg.Mongo.Database)

	stores, err := openStores(ctx, db, cfg)
	if err != nil {
		return err
	}

	b, err := newBroker(cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(context.WithoutCancel(ctx), b); err != nil {
			logger.Error("broker close failed", "error", err)
		}
	}()

	queueMetrics, err := queue.NewMetrics()
	if err != nil {
		return fmt.Errorf("queue metrics: %w", err)
	}
	defer func() { _ = queueMetrics.Close() }()

	delivery, err := ingest.NewDelivery(stores.events,
		ingest.WithBroker(b),
		ingest.WithTopic(cfg.Broker.Topic),
		ingest.WithDeliveryLogger(logger.With("component", "delivery")),
	)
	if err != nil {
		return err
	}

	qopts := []queue.Option{
		queue.WithDrainInterval(cfg.Queue.DrainInterval),
		queue.WithBatchSize(cfg.Queue.BatchSize),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithItemTimeout(cfg.Queue.ItemTimeout),
		queue.WithMaxDrainTime(cfg.Queue.MaxDrainTime),
		queue.WithLogger(logger.With("component", "queue")),
		queue.WithMetrics(queueMetrics),
	}
	if stores.deadLetters != nil {
		qopts = append(qopts, queue.WithDeadLetter(stores.deadLetters))
	}
	q, err := queue.New(delivery, qopts...)
	if err != nil {
		return err
	}

	svc, err := ingest.NewService(q, ingest.WithLogger(logger.With("component", "ingest")))
	if err != nil {
		return err
	}

	qryOpts := []query.Option{
		query.WithThreshold(cfg.Personalization.Threshold),
		query.WithLogger(logger.With("component", "query")),
	}
	if stores.deadLetters != nil {
		qryOpts = append(qryOpts, query.WithDeadLetters(stores.deadLetters))
	}
	reader, err := query.NewService(stores.events, qryOpts...)
	if err != nil {
		return err
	}

	if cfg.Broker.Enabled && cfg.Broker.QuestionTopic != "" {
		if err := b.Subscribe(ctx, cfg.Broker.QuestionTopic, svc.HandleQuestion); err != nil {
			return err
		}
	}

	var watcher *source.Watcher
	if cfg.Source.Collection != "" {
		watcher, err = newWatcher(ctx, db, cfg, b, logger)
		if err != nil {
			return err
		}
	}

	deps := httpapi.Deps{Ingest: svc, Query: reader, DB: stores.events, Broker: b}
	if watcher != nil {
		deps.Source = watcher
	}
	srvOpts := []httpapi.Option{httpapi.WithLogger(logger.With("component", "http"))}
	if cfg.HTTP.RateLimit.Enabled {
		srvOpts = append(srvOpts, httpapi.WithRateLimiter(ratelimit.New(&ratelimit.Config{
			Rate:     cfg.HTTP.RateLimit.Rate,
			Burst:    cfg.HTTP.RateLimit.Burst,
			Interval: cfg.HTTP.RateLimit.Interval,
		})))
	}
	var corsOrigins []string
	if cfg.HTTP.CORS.Enabled {
		corsOrigins = cfg.HTTP.CORS.AllowedOrigins
	}
	server, err := httpapi.NewServer(httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		CORSOrigins:     corsOrigins,
	}, deps, srvOpts...)
	if err != nil {
		return err
	}

	if err := q.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	runErr := g.Wait()

	logger.Info("draining event queue", "pending", q.Len())
	if err := q.Stop(context.WithoutCancel(ctx)); err != nil {
		logger.Error("event queue draindown incomplete", "error", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// connectMongo connects with exponential backoff so the service survives a
// database that starts after it.
func connectMongo(ctx context.Context, cfg config.MongoConfig, logger *slog.Logger) (*mongo.Client, error) {
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	r := retry.New[*mongo.Client](retry.Config{
		MaxAttempts:   attempts,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    2.0,
		Jitter:        true,
		IsRetryable: func(err error) bool {
			return !errors.Is(err, eventerrors.ErrInvalidArgument) &&
				!errors.Is(err, context.Canceled)
		},
	})

	client, err := r.Do(ctx, func(ctx context.Context) (*mongo.Client, error) {
		client, err := store.Connect(ctx, store.ConnectConfig{
			URI:                    cfg.URI,
			AppName:                cfg.AppName,
			MinPoolSize:            cfg.MinPoolSize,
			MaxPoolSize:            cfg.MaxPoolSize,
			ConnectTimeout:         cfg.ConnectTimeout,
			ServerSelectionTimeout: cfg.ServerSelectionTimeout,
		})
		if err != nil {
			logger.Warn("mongodb connect failed", "error", err)
		}
		return client, err
	})
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	logger.Info("connected to mongodb", "database", cfg.Database)
	return client, nil
}

type stores struct {
	events      *store.EventStore
	deadLetters *store.DeadLetterStore
}

// openStores creates the stores and their indexes.
func openStores(ctx context.Context, db *mongo.Database, cfg *config.Config) (*stores, error) {
	events, err := store.NewEventStore(db.Collection(cfg.Mongo.EventCollection))
	if err != nil {
		return nil, err
	}
	if err := events.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("event indexes: %w", err)
	}
	s := &stores{events: events}

	if cfg.Queue.DeadLetter {
		s.deadLetters, err = store.NewDeadLetterStore(db.Collection(cfg.Mongo.DeadLetterCollection),
			store.WithTTL(cfg.Mongo.DeadLetterTTL))
		if err != nil {
			return nil, err
		}
		if err := s.deadLetters.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("dead letter indexes: %w", err)
		}
	}
	return s, nil
}

// newBroker builds the publish side. A disabled broker is a Noop so the
// rest of the wiring does not branch on it.
func newBroker(cfg config.BrokerConfig, logger *slog.Logger) (broker.Broker, error) {
	if !cfg.Enabled {
		return broker.Noop{}, nil
	}

	metrics, err := broker.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("broker metrics: %w", err)
	}
	bus, err := broker.NewBus(cfg.Name,
		broker.WithBufferSize(cfg.BufferSize),
		broker.WithLogger(logger.With("component", "broker")),
		broker.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	if !cfg.Breaker.Enabled {
		return bus, nil
	}
	return broker.NewBreaker(bus, broker.BreakerConfig{
		Threshold:   cfg.Breaker.Threshold,
		Timeout:     cfg.Breaker.Timeout,
		MaxRequests: cfg.Breaker.MaxRequests,
	}), nil
}

// newWatcher builds the change stream watcher that feeds the question topic.
func newWatcher(ctx context.Context, db *mongo.Database, cfg *config.Config, b broker.Broker, logger *slog.Logger) (*source.Watcher, error) {
	checkpoints, err := openCheckpoints(ctx, db, cfg)
	if err != nil {
		return nil, err
	}
	return source.NewWatcher(db.Collection(cfg.Source.Collection), b,
		source.WithTopic(cfg.Broker.QuestionTopic),
		source.WithCheckpointStore(checkpoints),
		source.WithInstanceID(cfg.Source.ResumeTokenID),
		source.WithBatchSize(cfg.Source.BatchSize),
		source.WithMaxAwaitTime(cfg.Source.MaxAwaitTime),
		source.WithLogger(logger.With("component", "source")),
	)
}

// openCheckpoints creates the watcher checkpoint store and its indexes.
func openCheckpoints(ctx context.Context, db *mongo.Database, cfg *config.Config) (*source.MongoCheckpointStore, error) {
	checkpoints, err := source.NewMongoCheckpointStore(db.Collection(cfg.Mongo.ResumeTokenCollection))
	if err != nil {
		return nil, err
	}
	if err := checkpoints.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint indexes: %w", err)
	}
	return checkpoints, nil
}
