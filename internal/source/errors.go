package source

import (
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Sentinel errors for the change stream source.
var (
	// ErrCollectionRequired is returned when a nil collection is passed to a constructor.
	ErrCollectionRequired = fmt.Errorf("mongodb collection is required: %w", eventerrors.ErrInvalidArgument)

	// ErrBrokerRequired is returned by NewWatcher when the broker is nil.
	ErrBrokerRequired = fmt.Errorf("broker is required: %w", eventerrors.ErrInvalidArgument)
)
