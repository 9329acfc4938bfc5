package engine

import (
	"errors"
	"fmt"

	"dealhealth/internal/db"
)

var (
	// ErrPreconditionFailed reports a field that is already resolved or belongs to another deal.
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrValidationFailed   = errors.New("validation failed")
	// ErrStoreUnavailable wraps transient store failures that outlasted the retries.
	ErrStoreUnavailable = errors.New("store unavailable")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}

// storeErr tags SQLite busy/locked errors as ErrStoreUnavailable.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if db.IsBusy(err) && !errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
