// Package txlog defines the append-only transaction log.
//
// The log is the durable record used to reconstruct outcomes after a
// coordinator crash and to answer "what happened" queries without touching
// account state. The idempotency guard is only a fast-path cache over it.
package txlog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/domain/transaction"
)

// ErrNotFound is returned when no transaction with the given id was logged.
var ErrNotFound = errors.New("transaction not found")

// Log is the contract for the transaction record store.
type Log interface {
	// Append records the transaction. Append is idempotent on transaction
	// id: appending an already-present id is a no-op success, never a
	// duplicate row. Implementations enforce at most one logged transaction
	// per idempotency key; an append that would record a second id for a
	// key already on file fails.
	Append(ctx context.Context, tx *transaction.Transaction) error

	// Get returns the logged transaction or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error)

	// GetByKey returns the transaction logged for the idempotency key, or
	// ErrNotFound. The log outlives the guard's retention window, so a
	// replay of a pruned key still finds the original outcome here.
	GetByKey(ctx context.Context, key string) (*transaction.Transaction, error)

	// ListByAccount returns recent transactions where the account is either
	// party, newest first, capped at limit.
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*transaction.Transaction, error)
}
