// Package queue provides the in-process event queue that decouples ingestion
// from persistence.
//
// Enqueue appends to an in-memory buffer and returns immediately. A background
// loop wakes every drain interval, removes up to BatchSize items from the
// front of the buffer and processes them concurrently. Failed items are
// appended to the back of the buffer with RetryCount+1 until MaxRetries is
// exhausted, after which they are dropped (and handed to a Sink if one is
// configured).
//
// Delivery guarantees:
//   - At-least-once per attempt budget: an item is attempted at most
//     MaxRetries+1 times.
//   - Stop drains the buffer completely before returning, so a clean shutdown
//     never loses an accepted item. Items still buffered after MaxDrainTime are
//     dropped with ReasonShutdown.
//   - The buffer is NOT durable. A crash or kill loses everything that has not
//     reached the Processor yet. Run several instances if you need
//     availability; each instance owns an independent buffer.
//
// Usage:
//
//	q, _ := queue.New(processor,
//	    queue.WithDrainInterval(100*time.Millisecond),
//	    queue.WithBatchSize(10),
//	    queue.WithMaxRetries(3),
//	)
//	q.Start()
//	defer q.Stop(context.Background())
//
//	id, err := q.Enqueue(record)
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/progress-events/internal/progress"
)

// Defaults for queue tuning.
const (
	DefaultDrainInterval = 100 * time.Millisecond
	DefaultBatchSize     = 10
	DefaultMaxRetries    = 3
)

const tracerName = "github.com/rbaliyan/progress-events/internal/queue"

// ErrDrainTimeout is returned by Stop when the draindown was cut short by
// MaxDrainTime or by the caller's context.
var ErrDrainTimeout = errors.New("event queue draindown incomplete")

// abandonGrace is how long Stop waits for canceled attempts to return once
// the draindown deadline has passed.
const abandonGrace = 100 * time.Millisecond

// Stats is a point-in-time view of the queue.
type Stats struct {
	Total        int  `json:"total"`
	IsProcessing bool `json:"isProcessing"`
}

// Queue buffers records in memory and delivers them through a Processor.
type Queue struct {
	mu        sync.Mutex
	items     []*Item
	closed    bool
	abandoned bool

	counter    atomic.Uint64
	processing atomic.Bool
	started    atomic.Bool

	proc         Processor
	interval     time.Duration
	batchSize    int
	maxRetries   int
	itemTimeout  time.Duration
	maxDrainTime time.Duration
	sink         Sink
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	now          func() time.Time

	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup

	// stopCtx parents every attempt made by the drain loop. It is canceled
	// when the draindown deadline passes.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	stopOnce   sync.Once
	stopErr    error
}

// Option configures the queue.
type Option func(*Queue)

// WithDrainInterval sets how often the drain loop wakes up.
func WithDrainInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.interval = d
		}
	}
}

// WithBatchSize sets the maximum number of items processed per drain cycle.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithMaxRetries sets how many times a failed item is re-queued before it is
// dropped. Zero means a single attempt.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithItemTimeout bounds a single processing attempt. Zero (the default)
// waits for the processor to finish however long it takes.
func WithItemTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.itemTimeout = d
		}
	}
}

// WithMaxDrainTime bounds the draindown performed by Stop. Zero (the default)
// drains until the buffer is empty with no deadline.
func WithMaxDrainTime(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxDrainTime = d
		}
	}
}

// WithDeadLetter sets the sink that receives terminal drops. Without a sink
// dropped items are logged and counted only.
func WithDeadLetter(sink Sink) Option {
	return func(q *Queue) {
		q.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics records queue metrics. The depth gauge is bound to this queue.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithTracerProvider sets the tracer provider used for per-item spans.
// By default the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(q *Queue) {
		if tp != nil {
			q.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a queue that delivers items through proc.
func New(proc Processor, opts ...Option) (*Queue, error) {
	if proc == nil {
		return nil, ErrProcessorRequired
	}

	q := &Queue{
		proc:       proc,
		interval:   DefaultDrainInterval,
		batchSize:  DefaultBatchSize,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default().With("component", "queue"),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.stopCtx, q.stopCancel = context.WithCancel(context.Background())

	q.metrics.SetDepthCallback(func() int64 {
		return int64(q.Len())
	})

	return q, nil
}

// Enqueue appends record to the buffer and returns its queue id. It never
// waits on I/O. The only error is ErrClosed once Stop has begun.
func (q *Queue) Enqueue(record progress.Record) (string, error) {
	now := q.now()
	item := &Item{
		ID:         formatID(now, q.counter.Add(1)),
		Record:     record,
		EnqueuedAt: now,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.metrics.recordEnqueued(context.Background(), record.Type)
	return item.ID, nil
}

// Stats returns the buffer length and whether a drain cycle is in flight.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	total := len(q.items)
	q.mu.Unlock()
	return Stats{Total: total, IsProcessing: q.processing.Load()}
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start begins the recurring drain loop.
func (q *Queue) Start() error {
	if !q.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.loopCancel = cancel
	q.mu.Unlock()

	q.loopWg.Add(1)
	go func() {
		defer q.loopWg.Done()
		q.run(ctx)
	}()

	q.logger.Info("event queue started",
		"interval", q.interval, "batch_size", q.batchSize, "max_retries", q.maxRetries)
	return nil
}

// Stop cancels the drain loop, waits for the in-flight cycle and then drains
// the buffer synchronously until it is empty. Retries produced during the
// draindown are attempted again immediately.
//
// MaxDrainTime and ctx bound the whole call, including the wait for a cycle
// that was already running. When either ends first, in-flight attempts are
// canceled, the remaining items are dropped with ReasonShutdown and
// ErrDrainTimeout is returned. The buffer is empty when Stop returns either
// way. Enqueue fails with ErrClosed from the moment Stop is called.
//
// Only the first call drains. Concurrent and later calls wait for it and
// return its result.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.stopErr = q.stop(ctx)
	})
	return q.stopErr
}

func (q *Queue) stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	cancel := q.loopCancel
	q.mu.Unlock()
	defer q.stopCancel()

	drainCtx, drainCancel := context.WithCancel(context.WithoutCancel(ctx))
	if q.maxDrainTime > 0 {
		drainCtx, drainCancel = context.WithTimeout(context.WithoutCancel(ctx), q.maxDrainTime)
	}
	defer drainCancel()
	stopAfter := context.AfterFunc(ctx, drainCancel)
	defer stopAfter()
	releaseLoop := context.AfterFunc(drainCtx, q.stopCancel)
	defer releaseLoop()

	if cancel != nil {
		cancel()
	}
	loopDone := make(chan struct{})
	go func() {
		q.loopWg.Wait()
		close(loopDone)
	}()
	awaitCycle(drainCtx, loopDone)

	start := q.now()
	remaining := q.Len()
	q.logger.Info("event queue draining", "remaining", remaining)

	cycles := 0
	for {
		if q.Len() == 0 && !q.processing.Load() {
			break
		}
		if err := drainCtx.Err(); err != nil {
			abandoned := q.abandon(context.WithoutCancel(ctx), err)
			q.logger.Error("event queue draindown incomplete",
				"abandoned", abandoned, "cycles", cycles, "error", err)
			return fmt.Errorf("%w: %d items dropped: %w", ErrDrainTimeout, abandoned, err)
		}

		cycleDone := make(chan struct{})
		go func() {
			defer close(cycleDone)
			q.drainOnce(drainCtx)
		}()
		awaitCycle(drainCtx, cycleDone)
		cycles++
	}

	q.logger.Info("event queue stopped",
		"drained", remaining, "cycles", cycles, "duration", q.now().Sub(start))
	return nil
}

// awaitCycle waits for done. After drainCtx ends it waits at most
// abandonGrace more, so a processor that ignores cancellation cannot hold
// Stop past its deadline.
func awaitCycle(drainCtx context.Context, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-drainCtx.Done():
	}
	timer := time.NewTimer(abandonGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

// run wakes every interval and performs one drain cycle.
func (q *Queue) run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			// Canceling the loop lets the current cycle finish; only the
			// draindown deadline cancels its attempts.
			q.drainOnce(q.stopCtx)
		}
	}
}

// drainOnce runs one drain cycle and returns the number of items taken.
// It does nothing if a cycle is already in flight or the buffer is empty.
func (q *Queue) drainOnce(ctx context.Context) int {
	if q.Len() == 0 {
		return 0
	}
	if !q.processing.CompareAndSwap(false, true) {
		return 0
	}
	defer q.processing.Store(false)

	batch := q.take(q.batchSize)
	if len(batch) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	wg.Add(len(batch))
	for _, item := range batch {
		go func(item *Item) {
			defer wg.Done()
			q.attempt(ctx, item)
		}(item)
	}
	wg.Wait()

	return len(batch)
}

// take removes up to n items from the front of the buffer.
func (q *Queue) take(n int) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}

	batch := make([]*Item, n)
	copy(batch, q.items[:n])
	rest := copy(q.items, q.items[n:])
	clear(q.items[rest:])
	q.items = q.items[:rest]
	return batch
}

// requeue appends a failed item to the back of the buffer. It reports false
// once Stop has abandoned the buffer.
func (q *Queue) requeue(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// attempt processes one item and applies the retry policy.
func (q *Queue) attempt(ctx context.Context, item *Item) {
	ctx, span := q.tracer.Start(ctx, "queue.process", trace.WithAttributes(
		attribute.String("queue.item_id", item.ID),
		attribute.String("event.type", string(item.Record.Type)),
		attribute.Int("queue.retry_count", item.RetryCount),
	))
	defer span.End()

	procCtx := ctx
	if q.itemTimeout > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(ctx, q.itemTimeout)
		defer cancel()
	}

	start := q.now()
	err := q.process(procCtx, item)
	q.metrics.recordAttempt(ctx, item.Record.Type, q.now().Sub(start), err)
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if item.RetryCount < q.maxRetries {
		item.RetryCount++
		if !q.requeue(item) {
			q.drop(context.WithoutCancel(ctx), item, ReasonShutdown, err)
			return
		}
		q.logger.Warn("event processing failed, retrying",
			"id", item.ID, "type", item.Record.Type, "retry_count", item.RetryCount, "error", err)
		q.metrics.recordRetry(ctx, item.Record.Type)
		return
	}

	q.drop(context.WithoutCancel(ctx), item, ReasonRetriesExhausted, err)
}

// process calls the processor, turning a panic into an error so one bad item
// cannot take down the drain loop.
func (q *Queue) process(ctx context.Context, item *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return q.proc.Process(ctx, item)
}

// drop records a terminal failure.
func (q *Queue) drop(ctx context.Context, item *Item, reason string, cause error) {
	q.metrics.recordDrop(ctx, item.Record.Type, reason)
	q.logger.Error("event dropped",
		"id", item.ID,
		"type", item.Record.Type,
		"user_id", item.Record.UserID,
		"retry_count", item.RetryCount,
		"enqueued_at", item.EnqueuedAt,
		"reason", reason,
		"error", cause,
	)

	if q.sink == nil {
		return
	}
	dl := DeadLetter{Item: *item, Reason: reason, Err: cause, DroppedAt: q.now()}
	if err := q.sink.Put(ctx, dl); err != nil {
		q.logger.Error("dead letter sink failed", "id", item.ID, "error", err)
	}
}

// abandon empties the buffer, dropping every item with ReasonShutdown.
// Attempts still in flight drop their item instead of requeueing it.
func (q *Queue) abandon(ctx context.Context, cause error) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.abandoned = true
	q.mu.Unlock()

	for _, item := range items {
		q.drop(ctx, item, ReasonShutdown, cause)
	}
	return len(items)
}
