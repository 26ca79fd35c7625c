package coordinator

import (
	"context"
	"errors"

	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/transaction"
)

// ErrCommitInDoubt is returned by a committer when a sub-write already
// landed but the commit could not finish. The coordinator must never redo
// the cycle for such an error; recovery resumes it from the recorded step.
var ErrCommitInDoubt = errors.New("commit in doubt")

// Committer applies the atomic multi-entity commit: debit source, credit
// destination, append the COMMITTED transaction row.
//
// Two implementations exist: one over a store with native multi-document
// atomicity (a single transaction boundary), and the saga committer, which
// composes per-document compare-and-swap writes with an intent record.
type Committer interface {
	// Commit is given the transaction (INITIATED or VALIDATED) and both
	// accounts as loaded for validation, carrying the version counters the
	// balance writes are conditioned on. On success the transaction is
	// COMMITTED with its commit timestamp set and its row appended to the
	// log.
	//
	// A ledger.ErrVersionConflict return means nothing was applied and the
	// whole validate-and-commit cycle may be retried. ErrCommitInDoubt
	// means a partial state exists and recovery owns it.
	Commit(ctx context.Context, tx *transaction.Transaction, src, dst *account.Account) error
}
