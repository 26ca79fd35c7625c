package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/events"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/idempotency"
	"github.com/leafybank/transactor/pkg/ledger"
	"github.com/leafybank/transactor/pkg/txlog"
)

// ErrIntentQuarantined marks the one unresolvable recovery case: an intent
// at step NONE whose source version advanced, so the debit may or may not be
// among the later writes. Versions only move forward, so no future read can
// settle the question; the intent is parked at StepQuarantined for operator
// reconciliation and the sweep stops retrying it.
var ErrIntentQuarantined = errors.New("intent quarantined: debit outcome undeterminable")

// Recover drives the transaction with the given id to a definite outcome:
// COMMITTED, FAILED, or COMPENSATED. It is safe to call for any id; when
// there is nothing to recover it returns ErrIntentNotFound.
//
// Fresh intents are skipped — their owner may still be working — unless
// they have passed the staleness threshold.
func (c *Coordinator) Recover(ctx context.Context, txID uuid.UUID) (*transaction.Transaction, error) {
	return c.recover(ctx, txID, false)
}

// recover implements Recover. force bypasses the staleness check for
// callers that own the intent (the in-doubt commit path and the sweep,
// which pre-filters by staleness).
func (c *Coordinator) recover(ctx context.Context, txID uuid.UUID, force bool) (*transaction.Transaction, error) {
	callCtx, cancel := c.callCtx(ctx)
	tx, err := c.log.Get(callCtx, txID)
	cancel()
	switch {
	case err == nil:
		// The terminal row exists; only bookkeeping may be left over.
		c.settle(ctx, tx)
		return tx, nil
	case !errors.Is(err, txlog.ErrNotFound):
		return nil, classifyStoreErr(err)
	}

	if c.intents == nil {
		return nil, ErrIntentNotFound
	}
	callCtx, cancel = c.callCtx(ctx)
	intent, err := c.intents.Get(callCtx, txID)
	cancel()
	if err != nil {
		return nil, err
	}
	if !force && time.Since(intent.UpdatedAt) < c.cfg.IntentStaleAfter {
		return nil, fmt.Errorf("intent for %s is not stale yet", txID)
	}
	return c.resume(ctx, intent)
}

// resume continues a saga from its recorded step. Re-applying a recorded
// step is forbidden: each case below only performs writes the step proves
// have not happened.
func (c *Coordinator) resume(ctx context.Context, intent *Intent) (*transaction.Transaction, error) {
	tx := intent.Transaction()
	c.logger.Info("resuming interrupted transfer", "tx_id", tx.ID, "step", intent.Step)

	switch intent.Step {
	case StepNone:
		src, err := c.ledger.Get(ctx, intent.SourceID)
		if err != nil {
			return nil, classifyStoreErr(err)
		}
		if src.Version != intent.SourceVersion {
			// Someone wrote the account since the intent was recorded; the
			// debit may be among those writes. Never guess with money.
			return nil, c.quarantine(ctx, intent, src.Version)
		}
		// The debit CAS was conditioned on SourceVersion, which is still
		// current, so the debit never landed. Nothing to reverse.
		if err := tx.MarkFailed(); err != nil {
			return nil, err
		}
		return tx, c.finalizeRecovered(ctx, intent, tx)

	case StepDebited:
		err := c.resumeCredit(ctx, intent)
		if errors.Is(err, account.ErrAccountNotFound) {
			return c.compensate(ctx, intent)
		}
		if err != nil {
			return nil, classifyStoreErr(err)
		}
		if serr := c.intents.SetStep(ctx, tx.ID, StepCredited); serr != nil {
			c.logger.Warn("credit resumed but step not recorded", "tx_id", tx.ID, "error", serr)
		}
		fallthrough

	case StepCredited:
		if err := tx.MarkCommitted(time.Now()); err != nil {
			return nil, err
		}
		return tx, c.finalizeRecovered(ctx, intent, tx)

	case StepQuarantined:
		return nil, fmt.Errorf("%w: transaction %s", ErrIntentQuarantined, tx.ID)

	case StepLogged:
		// The log row should exist; re-read it rather than reconstructing.
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()
		logged, err := c.log.Get(callCtx, tx.ID)
		if err != nil {
			return nil, classifyStoreErr(err)
		}
		c.settle(ctx, logged)
		return logged, nil
	}
	return nil, fmt.Errorf("unknown intent step %q for transaction %s", intent.Step, tx.ID)
}

// quarantine parks an unresolvable intent and reports it once, loudly.
// Reconciliation against an external statement is the only way forward.
func (c *Coordinator) quarantine(ctx context.Context, intent *Intent, observedVersion int64) error {
	c.logger.Error("transfer quarantined: debit outcome undeterminable, needs reconciliation",
		"tx_id", intent.TransactionID,
		"key", intent.IdempotencyKey,
		"source", intent.SourceID,
		"amount", intent.Amount,
		"intent_version", intent.SourceVersion,
		"observed_version", observedVersion,
	)
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.intents.SetStep(callCtx, intent.TransactionID, StepQuarantined); err != nil {
		c.logger.Error("failed to record quarantine step", "tx_id", intent.TransactionID, "error", err)
	}
	return fmt.Errorf("%w: transaction %s", ErrIntentQuarantined, intent.TransactionID)
}

// resumeCredit applies the credit leg against the destination's current
// version, bounded. account.ErrAccountNotFound signals the destination is
// permanently unavailable and compensation should run.
func (c *Coordinator) resumeCredit(ctx context.Context, intent *Intent) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		callCtx, cancel := c.callCtx(ctx)
		dst, gerr := c.ledger.Get(callCtx, intent.DestID)
		cancel()
		if gerr != nil {
			return gerr
		}
		callCtx, cancel = c.callCtx(ctx)
		_, err = c.ledger.CompareAndSwapBalance(callCtx, intent.DestID, dst.Version, intent.Amount)
		cancel()
		if err == nil || !errors.Is(err, ledger.ErrVersionConflict) {
			return err
		}
	}
	return err
}

// compensate reverses a debited-but-uncreditable transfer: the only allowed
// corrective mutation for a transaction that never reached COMMITTED.
func (c *Coordinator) compensate(ctx context.Context, intent *Intent) (*transaction.Transaction, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		callCtx, cancel := c.callCtx(ctx)
		src, gerr := c.ledger.Get(callCtx, intent.SourceID)
		cancel()
		if gerr != nil {
			return nil, classifyStoreErr(gerr)
		}
		callCtx, cancel = c.callCtx(ctx)
		_, err = c.ledger.CompareAndSwapBalance(callCtx, intent.SourceID, src.Version, intent.Amount)
		cancel()
		if err == nil {
			break
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return nil, classifyStoreErr(err)
		}
	}
	if err != nil {
		return nil, classifyStoreErr(err)
	}

	tx := intent.Transaction()
	if err := tx.MarkCompensated(); err != nil {
		return nil, err
	}
	c.logger.Warn("transfer compensated", "tx_id", tx.ID, "source", intent.SourceID, "dest", intent.DestID, "amount", intent.Amount)
	if err := c.finalizeRecovered(ctx, intent, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// finalizeRecovered appends the terminal row, releases the intent, settles
// the idempotency record, and publishes the outcome event.
func (c *Coordinator) finalizeRecovered(ctx context.Context, intent *Intent, tx *transaction.Transaction) error {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.log.Append(callCtx, tx); err != nil {
		return classifyStoreErr(err)
	}
	if err := c.intents.Resolve(callCtx, tx.ID); err != nil {
		c.logger.Warn("failed to resolve intent", "tx_id", tx.ID, "error", err)
	}
	c.settle(ctx, tx)
	return nil
}

// settle brings the idempotency record in line with a terminal transaction
// and emits its outcome event. Idempotent; safe after crashes at any point.
func (c *Coordinator) settle(ctx context.Context, tx *transaction.Transaction) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	outcome := idempotency.Outcome{TransactionID: tx.ID, Status: tx.Status}
	if err := c.guard.Resolve(callCtx, tx.IdempotencyKey, outcome); err != nil && !errors.Is(err, idempotency.ErrKeyNotFound) {
		c.logger.Error("failed to settle idempotency record", "key", tx.IdempotencyKey, "error", err)
	}
	if c.intents != nil {
		if err := c.intents.Resolve(callCtx, tx.ID); err != nil {
			c.logger.Debug("no intent to resolve", "tx_id", tx.ID, "error", err)
		}
	}
	if c.bus == nil {
		return
	}
	switch tx.Status {
	case transaction.StatusCommitted:
		_ = c.bus.Publish(ctx, events.TransactionCommitted{TransactionID: tx.ID})
	case transaction.StatusCompensated:
		_ = c.bus.Publish(ctx, events.TransactionCompensated{TransactionID: tx.ID})
	}
}

// RunSweep periodically resumes stale intents until ctx is done. Intended
// to run in its own goroutine next to the server.
func (c *Coordinator) RunSweep(ctx context.Context, interval time.Duration) {
	if c.intents == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepOnce(ctx)
		}
	}
}

// SweepOnce resumes every intent past the staleness threshold.
func (c *Coordinator) SweepOnce(ctx context.Context) {
	if c.intents == nil {
		return
	}
	callCtx, cancel := c.callCtx(ctx)
	stale, err := c.intents.ListStale(callCtx, time.Now().Add(-c.cfg.IntentStaleAfter))
	cancel()
	if err != nil {
		c.logger.Error("failed to list stale intents", "error", err)
		return
	}
	for _, intent := range stale {
		if intent.Step == StepQuarantined {
			// Already reported when it was parked; retrying cannot resolve it.
			continue
		}
		if _, err := c.recover(ctx, intent.TransactionID, true); err != nil {
			c.logger.Error("failed to recover stale intent", "tx_id", intent.TransactionID, "step", intent.Step, "error", err)
		}
	}
}
