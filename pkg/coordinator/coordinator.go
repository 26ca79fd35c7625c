// Package coordinator orchestrates atomic multi-entity transfers.
//
// Execute drives the full operation: idempotency claim, business-rule
// validation against the ledger, the atomic multi-entity commit, and
// recovery of partially-applied operations. The coordinator is the only
// component that decides retry versus surface; stores report raw outcomes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/events"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/eventbus"
	"github.com/leafybank/transactor/pkg/idempotency"
	"github.com/leafybank/transactor/pkg/ledger"
	"github.com/leafybank/transactor/pkg/money"
	"github.com/leafybank/transactor/pkg/retry"
	"github.com/leafybank/transactor/pkg/txlog"
)

// Request carries one transfer or payment submission.
type Request struct {
	IdempotencyKey string
	SourceID       uuid.UUID
	DestID         uuid.UUID
	Amount         int64
	Currency       currency.Code
	Kind           transaction.Kind
	PaymentMethod  string
	Description    string
}

// Config bounds the coordinator's behavior.
type Config struct {
	// AmountLimit rejects single transactions above this many minor units.
	// Zero means no limit.
	AmountLimit int64
	// CommitPolicy governs retries of the validate-and-commit cycle on
	// version conflicts and transient store errors.
	CommitPolicy retry.Policy
	// CallTimeout is the deadline applied to each external store call.
	CallTimeout time.Duration
	// ClaimPollAttempts bounds how often a request that lost an idempotency
	// claim re-checks for the winner's outcome before ErrInProgress.
	ClaimPollAttempts int
	// ClaimPollInterval is the delay between those checks.
	ClaimPollInterval time.Duration
	// IntentStaleAfter is how old an unresolved intent must be before
	// recovery may assume its owner died and resume it.
	IntentStaleAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CommitPolicy:      retry.Default,
		CallTimeout:       5 * time.Second,
		ClaimPollAttempts: 5,
		ClaimPollInterval: 100 * time.Millisecond,
		IntentStaleAfter:  30 * time.Second,
	}
}

// Coordinator owns the transaction lifecycle end to end.
type Coordinator struct {
	ledger    ledger.Store
	log       txlog.Log
	guard     idempotency.Guard
	committer Committer
	intents   IntentStore // nil when the committer is natively atomic
	bus       eventbus.EventBus
	cfg       Config
	logger    *slog.Logger
}

// New wires a coordinator. intents may be nil when the committer provides
// native multi-document atomicity; it is required for the saga committer so
// recovery can resume partial commits.
func New(
	ledgerStore ledger.Store,
	log txlog.Log,
	guard idempotency.Guard,
	committer Committer,
	intents IntentStore,
	bus eventbus.EventBus,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ledger:    ledgerStore,
		log:       log,
		guard:     guard,
		committer: committer,
		intents:   intents,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs one transfer or payment to a definite outcome.
//
// The returned transaction is non-nil whenever a terminal record exists for
// the idempotency key; err is nil only when that record is COMMITTED.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*transaction.Transaction, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	amount, err := money.New(req.Amount, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	tx := transaction.New(req.IdempotencyKey, req.SourceID, req.DestID, amount, req.Kind)
	tx.PaymentMethod = req.PaymentMethod
	tx.Description = req.Description

	outcome, claimed, err := c.claim(ctx, req.IdempotencyKey, tx.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return c.awaitOutcome(ctx, req.IdempotencyKey, outcome)
	}
	// A won claim can still be a replay: the guard prunes records past
	// retention, but the log keeps the key's terminal row forever. Without
	// this check a retry of a pruned key would move the money twice.
	if prior, err := c.loggedOutcome(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		c.resolveReplayed(ctx, req.IdempotencyKey, prior)
		return prior, terminalErr(prior)
	}
	return c.validateAndCommit(ctx, tx)
}

// loggedOutcome returns the terminal transaction already logged for the
// idempotency key, or nil when the key has never reached an outcome.
func (c *Coordinator) loggedOutcome(ctx context.Context, key string) (*transaction.Transaction, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	tx, err := c.log.GetByKey(callCtx, key)
	switch {
	case err == nil:
		return tx, nil
	case errors.Is(err, txlog.ErrNotFound):
		return nil, nil
	default:
		return nil, classifyStoreErr(err)
	}
}

// resolveReplayed points the freshly-claimed guard record at the original
// outcome so concurrent losers of the claim replay the same transaction.
func (c *Coordinator) resolveReplayed(ctx context.Context, key string, tx *transaction.Transaction) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	outcome := idempotency.Outcome{TransactionID: tx.ID, Status: tx.Status}
	if err := c.guard.Resolve(callCtx, key, outcome); err != nil {
		c.logger.Error("failed to re-resolve replayed idempotency record", "key", key, "tx_id", tx.ID, "error", err)
	}
}

// GetTransaction returns the logged record for the given id.
func (c *Coordinator) GetTransaction(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.log.Get(callCtx, id)
}

// ListTransactions returns the logged records involving the account, newest
// first. limit <= 0 means no limit.
func (c *Coordinator) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*transaction.Transaction, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.log.ListByAccount(callCtx, accountID, limit)
}

// GetAccount returns a strongly-consistent read of the account.
func (c *Coordinator) GetAccount(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.ledger.Get(callCtx, id)
}

func (c *Coordinator) validateRequest(req Request) error {
	switch {
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	case req.SourceID == uuid.Nil || req.DestID == uuid.Nil:
		return fmt.Errorf("%w: source and destination accounts are required", domain.ErrInvalidRequest)
	case req.SourceID == req.DestID:
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, account.ErrCannotTransferToSameAccount)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	case !req.Currency.IsValid():
		return fmt.Errorf("%w: invalid currency %q", domain.ErrInvalidRequest, req.Currency)
	case req.Kind != transaction.KindTransfer && req.Kind != transaction.KindPayment:
		return fmt.Errorf("%w: unknown transaction kind %q", domain.ErrInvalidRequest, req.Kind)
	case req.Kind == transaction.KindPayment && req.PaymentMethod == "":
		return fmt.Errorf("%w: payment method is required for digital payments", domain.ErrInvalidRequest)
	case c.cfg.AmountLimit > 0 && req.Amount > c.cfg.AmountLimit:
		return fmt.Errorf("%w: amount exceeds the limit of %d", domain.ErrInvalidRequest, c.cfg.AmountLimit)
	}
	return nil
}

func (c *Coordinator) claim(ctx context.Context, key string, txID uuid.UUID) (idempotency.Outcome, bool, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	outcome, claimed, err := c.guard.ClaimOrGet(callCtx, key, txID)
	if err != nil {
		return idempotency.Outcome{}, false, classifyStoreErr(err)
	}
	return outcome, claimed, nil
}

// awaitOutcome handles a request that lost the idempotency claim. Terminal
// outcomes replay the original transaction; non-terminal ones are polled a
// bounded number of times (recovering stale intents along the way) before
// the caller is told to retry later.
func (c *Coordinator) awaitOutcome(ctx context.Context, key string, outcome idempotency.Outcome) (*transaction.Transaction, error) {
	for attempt := 0; ; attempt++ {
		if outcome.Terminal() {
			return c.replay(ctx, outcome)
		}
		// The claim holder may have died mid-commit; a stale intent (or an
		// already-logged record) lets us finish its work instead of waiting.
		// Recover resolves the guard and publishes events itself.
		if tx, err := c.Recover(ctx, outcome.TransactionID); err == nil {
			return tx, terminalErr(tx)
		}
		if attempt >= c.cfg.ClaimPollAttempts {
			return nil, fmt.Errorf("%w: idempotency key %q", domain.ErrInProgress, key)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
		case <-time.After(c.cfg.ClaimPollInterval):
		}
		var claimed bool
		var err error
		outcome, claimed, err = c.claim(ctx, key, outcome.TransactionID)
		if err != nil {
			return nil, err
		}
		if claimed {
			// The record was pruned between claims; the key is ours now but
			// the original outcome is unknowable. Refuse rather than risk a
			// second commit.
			return nil, fmt.Errorf("%w: idempotency key %q expired mid-flight", domain.ErrInProgress, key)
		}
	}
}

// replay returns the stored outcome for a terminal idempotency record
// unchanged, sourced from the transaction log.
func (c *Coordinator) replay(ctx context.Context, outcome idempotency.Outcome) (*transaction.Transaction, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	tx, err := c.log.Get(callCtx, outcome.TransactionID)
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	return tx, terminalErr(tx)
}

// validateAndCommit runs the load-validate-commit cycle under the shared
// retry policy. Version conflicts and transient store errors retry the whole
// cycle; business rejections are terminal.
func (c *Coordinator) validateAndCommit(ctx context.Context, tx *transaction.Transaction) (*transaction.Transaction, error) {
	var rejection error
	op := func() error {
		src, dst, err := c.loadAccounts(ctx, tx)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			rejection = err
			return retry.Permanent(err)
		}
		tx.Internal = src.UserID == dst.UserID
		if err := src.ValidateDebit(tx.Amount); err != nil {
			rejection = fmt.Errorf("%w: %v", domain.ErrRejected, err)
			return retry.Permanent(rejection)
		}
		if err := dst.ValidateCredit(tx.Amount); err != nil {
			rejection = fmt.Errorf("%w: %v", domain.ErrRejected, err)
			return retry.Permanent(rejection)
		}
		if tx.Status == transaction.StatusInitiated {
			_ = tx.MarkValidated()
		}

		err = c.committer.Commit(ctx, tx, src, dst)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrCommitInDoubt):
			// A sub-write already landed; redoing the cycle could debit
			// twice. Recovery owns it now.
			return retry.Permanent(err)
		case isRetryable(err):
			return err
		default:
			rejection = err
			return retry.Permanent(err)
		}
	}

	err := c.cfg.CommitPolicy.Do(ctx, op)
	switch {
	case err == nil:
		return c.finish(ctx, tx.IdempotencyKey, tx)
	case errors.Is(err, ErrCommitInDoubt):
		// Resolve the partial commit to a definite outcome before answering.
		// We own this intent, so the staleness threshold does not apply.
		recovered, rerr := c.recover(ctx, tx.ID, true)
		if rerr != nil {
			return nil, fmt.Errorf("%w: commit interrupted: %v", domain.ErrStoreUnavailable, rerr)
		}
		return recovered, terminalErr(recovered)
	case errors.Is(err, ledger.ErrVersionConflict):
		c.fail(ctx, tx)
		return tx, fmt.Errorf("%w: account contention on transfer %s", domain.ErrConflict, tx.ID)
	case rejection != nil:
		c.fail(ctx, tx)
		return tx, rejection
	default:
		c.fail(ctx, tx)
		return tx, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
}

func (c *Coordinator) loadAccounts(ctx context.Context, tx *transaction.Transaction) (src, dst *account.Account, err error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	src, err = c.ledger.Get(callCtx, tx.SourceID)
	if err != nil {
		return nil, nil, sourceLookupErr(err, "source")
	}
	dst, err = c.ledger.Get(callCtx, tx.DestID)
	if err != nil {
		return nil, nil, sourceLookupErr(err, "destination")
	}
	return src, dst, nil
}

// finish resolves the idempotency record for a terminal transaction and,
// for commits, enqueues notification delivery without blocking the response.
func (c *Coordinator) finish(ctx context.Context, key string, tx *transaction.Transaction) (*transaction.Transaction, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	outcome := idempotency.Outcome{TransactionID: tx.ID, Status: tx.Status}
	if err := c.guard.Resolve(callCtx, key, outcome); err != nil {
		// The money already moved; the log remains the source of truth and
		// replays recover through it.
		c.logger.Error("failed to resolve idempotency record", "key", key, "tx_id", tx.ID, "error", err)
	}
	if tx.Status == transaction.StatusCommitted && c.bus != nil {
		if err := c.bus.Publish(ctx, events.TransactionCommitted{TransactionID: tx.ID}); err != nil {
			c.logger.Error("failed to publish commit event", "tx_id", tx.ID, "error", err)
		}
	}
	return tx, terminalErr(tx)
}

// fail persists a FAILED record for the transaction and releases the
// idempotency key to that outcome. Best effort: the guard record stays
// non-terminal if the log write fails, and recovery resolves it later.
func (c *Coordinator) fail(ctx context.Context, tx *transaction.Transaction) {
	if err := tx.MarkFailed(); err != nil {
		c.logger.Error("cannot fail transaction", "tx_id", tx.ID, "status", tx.Status, "error", err)
		return
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.log.Append(callCtx, tx); err != nil {
		c.logger.Error("failed to log failed transaction", "tx_id", tx.ID, "error", err)
		return
	}
	outcome := idempotency.Outcome{TransactionID: tx.ID, Status: transaction.StatusFailed}
	if err := c.guard.Resolve(callCtx, tx.IdempotencyKey, outcome); err != nil {
		c.logger.Error("failed to resolve idempotency record", "key", tx.IdempotencyKey, "error", err)
	}
}

func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// terminalErr maps a terminal transaction to the error kind its submitter
// should observe. Committed transactions map to nil.
func terminalErr(tx *transaction.Transaction) error {
	switch tx.Status {
	case transaction.StatusCommitted:
		return nil
	case transaction.StatusCompensated:
		return fmt.Errorf("%w: transfer reversed after partial failure", domain.ErrRejected)
	default:
		return fmt.Errorf("%w: transfer failed", domain.ErrRejected)
	}
}

func sourceLookupErr(err error, side string) error {
	if errors.Is(err, account.ErrAccountNotFound) {
		return fmt.Errorf("%w: %s account not found", domain.ErrRejected, side)
	}
	return classifyStoreErr(err)
}

// classifyStoreErr normalizes raw store failures into boundary error kinds.
func classifyStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return err
	default:
		return err
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ledger.ErrVersionConflict) ||
		errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, domain.ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
