package queue

import (
	"errors"
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Sentinel errors for the event queue.
var (
	// ErrProcessorRequired is returned by New when the processor is nil.
	ErrProcessorRequired = fmt.Errorf("queue processor is required: %w", eventerrors.ErrInvalidArgument)

	// ErrClosed is returned by Enqueue once Stop has begun. Accepting an item
	// at that point would lose it silently.
	ErrClosed = errors.New("event queue is closed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("event queue already started")
)
