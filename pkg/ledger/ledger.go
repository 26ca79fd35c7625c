// Package ledger defines typed access to account balance records.
//
// All balance mutation in the system funnels through CompareAndSwapBalance;
// no other component performs read-modify-write on an account.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/domain/account"
)

// ErrVersionConflict is returned when a compare-and-swap write finds a
// stored version different from the expected one. No mutation is performed.
var ErrVersionConflict = errors.New("account version conflict")

// Store is the client contract for the account system of record.
//
// Implementations report raw outcomes only; retry policy belongs to the
// coordinator.
type Store interface {
	// Get returns a strongly-consistent read of the account, including its
	// current version counter.
	Get(ctx context.Context, accountID uuid.UUID) (*account.Account, error)

	// CompareAndSwapBalance applies delta (minor units, signed) to the
	// account balance iff the stored version equals expectedVersion.
	// On success the version counter increments and the new version is
	// returned. On mismatch it returns ErrVersionConflict and performs no
	// partial write.
	CompareAndSwapBalance(ctx context.Context, accountID uuid.UUID, expectedVersion int64, delta int64) (int64, error)
}
