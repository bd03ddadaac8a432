package ingest

import (
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Sentinel errors for service construction.
var (
	ErrQueueRequired = fmt.Errorf("queue is required: %w", eventerrors.ErrInvalidArgument)
	ErrStoreRequired = fmt.Errorf("event store is required: %w", eventerrors.ErrInvalidArgument)

	// ErrInvalidQuestion is returned by HandleQuestion for messages that
	// cannot be turned into a question-attempt event.
	ErrInvalidQuestion = fmt.Errorf("invalid question message: %w", eventerrors.ErrInvalidArgument)
)
