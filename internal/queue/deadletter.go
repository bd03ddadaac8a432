package queue

import (
	"context"
	"time"
)

// Drop reasons recorded for terminal drops.
const (
	// ReasonRetriesExhausted marks an item that failed MaxRetries+1 attempts.
	ReasonRetriesExhausted = "retries_exhausted"
	// ReasonShutdown marks an item still buffered when the draindown deadline passed.
	ReasonShutdown = "shutdown"
)

// DeadLetter describes an item the queue gave up on.
type DeadLetter struct {
	Item      Item
	Reason    string
	Err       error
	DroppedAt time.Time
}

// Sink receives terminal drops. Without a sink the queue only logs and
// counts them; with one, dropped items are kept for inspection or replay.
type Sink interface {
	Put(ctx context.Context, dl DeadLetter) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, dl DeadLetter) error

// Put calls f(ctx, dl).
func (f SinkFunc) Put(ctx context.Context, dl DeadLetter) error {
	return f(ctx, dl)
}
