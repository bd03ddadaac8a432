package queue_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rbaliyan/progress-events/internal/progress"
	"github.com/rbaliyan/progress-events/internal/queue"
)

// This example shows the queue lifecycle: accept records without waiting on
// I/O, then drain everything on shutdown.
func Example() {
	proc := queue.ProcessorFunc(func(ctx context.Context, item *queue.Item) error {
		fmt.Println("processed", item.Record.Type, "for", item.Record.UserID)
		return nil
	})

	q, err := queue.New(proc,
		queue.WithDrainInterval(time.Hour),
		queue.WithBatchSize(1),
		queue.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if err := q.Start(); err != nil {
		fmt.Println("error:", err)
		return
	}

	_, _ = q.Enqueue(progress.Record{Type: progress.TypeVideoWatch, UserID: "alice"})
	_, _ = q.Enqueue(progress.Record{Type: progress.TypeQuizAttempt, UserID: "bob"})
	fmt.Println("buffered:", q.Stats().Total)

	if err := q.Stop(context.Background()); err != nil {
		fmt.Println("error:", err)
	}
	fmt.Println("buffered:", q.Stats().Total)

	// Output:
	// buffered: 2
	// processed video-watch for alice
	// processed quiz-attempt for bob
	// buffered: 0
}
