// Package idempotency deduplicates retried client requests.
//
// For a given key at most one transaction is ever committed; replays return
// the original outcome. Records may be pruned after a retention window —
// that is safe only because the transaction log remains the durable record.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/domain/transaction"
)

// ErrKeyNotFound is returned by Resolve when the key was never claimed
// (or has already been pruned).
var ErrKeyNotFound = errors.New("idempotency key not found")

// Outcome is the recorded result for an idempotency key.
type Outcome struct {
	TransactionID uuid.UUID
	Status        transaction.Status
}

// Terminal reports whether the outcome is final and safe to replay.
func (o Outcome) Terminal() bool { return o.Status.Terminal() }

// Guard is the contract for idempotency-key claims.
type Guard interface {
	// ClaimOrGet atomically claims the key for a new transaction. If two
	// callers race on the same key, exactly one receives claimed=true; the
	// other receives the current outcome (possibly non-terminal while the
	// winner is still working).
	ClaimOrGet(ctx context.Context, key string, transactionID uuid.UUID) (Outcome, bool, error)

	// Resolve records the outcome for a previously claimed key.
	Resolve(ctx context.Context, key string, outcome Outcome) error

	// Prune removes records that expired before the given time.
	Prune(ctx context.Context, before time.Time) error
}
