package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/progress-events/internal/progress"
)

// Item is a record wrapped with queue bookkeeping. Items are owned by the
// queue and are never persisted as a distinct entity.
type Item struct {
	ID         string
	Record     progress.Record
	EnqueuedAt time.Time
	RetryCount int
}

// Processor delivers one item: persist it, then publish it. A non-nil error
// fails the attempt and hands the item to the retry policy.
type Processor interface {
	Process(ctx context.Context, item *Item) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item *Item) error

// Process calls f(ctx, item).
func (f ProcessorFunc) Process(ctx context.Context, item *Item) error {
	return f(ctx, item)
}

// formatID builds "evt_<unixMillis>_<counter>".
func formatID(at time.Time, counter uint64) string {
	return fmt.Sprintf("evt_%d_%d", at.UnixMilli(), counter)
}
