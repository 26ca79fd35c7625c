package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/leafybank/transactor/pkg/domain"
	"github.com/leafybank/transactor/pkg/ledger"
)

// translateErr normalizes driver failures into the boundary error kinds.
// Domain sentinels pass through untouched so errors.Is keeps working.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrVersionConflict),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrStoreUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
}
