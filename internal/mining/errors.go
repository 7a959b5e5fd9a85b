package mining

import (
	"context"
	"errors"
	"fmt"

	"hardmine/internal/domain"
)

var (
	// ErrNotFound means the session was never provisioned. It is not retryable.
	ErrNotFound = domain.ErrNotFound
	// ErrConflict means another writer changed the session since it was read.
	ErrConflict = domain.ErrConflict

	ErrTransient           = errors.New("mining: transient store error")
	ErrInsufficientPending = errors.New("mining: nothing to claim")
	ErrStoreUnavailable    = errors.New("mining: session store unavailable")
	ErrNotLive             = errors.New("mining: session is not live")
)

// classify maps a store error onto the mining error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidUpdate):
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
}
