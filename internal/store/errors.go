package store

import (
	"errors"
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Errors returned by the stores.
var (
	// ErrCollectionRequired is returned when a nil collection is passed to a constructor.
	ErrCollectionRequired = fmt.Errorf("mongodb collection is required: %w", eventerrors.ErrInvalidArgument)

	// ErrInvalidID is returned when an id is not a valid ObjectID hex string.
	ErrInvalidID = fmt.Errorf("invalid event id: %w", eventerrors.ErrInvalidArgument)

	// ErrURIRequired is returned by Connect when no connection string is configured.
	ErrURIRequired = fmt.Errorf("mongodb uri is required: %w", eventerrors.ErrInvalidArgument)

	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("event not found")
)
