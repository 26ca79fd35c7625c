package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/ledger"
	"github.com/leafybank/transactor/pkg/money"
	"github.com/leafybank/transactor/pkg/txlog"
)

// ErrIntentNotFound is returned when no unresolved intent exists for a
// transaction id.
var ErrIntentNotFound = errors.New("intent not found")

// Step records how far a saga commit progressed. Each sub-write advances
// the step after it succeeds, so recovery resumes instead of restarting.
type Step string

// Saga steps, in order. StepQuarantined sits outside the sequence: recovery
// parks an intent there when the ledger no longer carries enough information
// to tell whether the debit landed, and the sweep leaves it for operator
// reconciliation instead of retrying an unresolvable case.
const (
	StepNone        Step = "NONE"
	StepDebited     Step = "DEBITED"
	StepCredited    Step = "CREDITED"
	StepLogged      Step = "LOGGED"
	StepQuarantined Step = "QUARANTINED"
)

// Intent is the durable record written before any account mutation on the
// saga path. It carries everything needed to reconstruct the transaction
// row during recovery.
type Intent struct {
	TransactionID  uuid.UUID
	IdempotencyKey string
	SourceID       uuid.UUID
	DestID         uuid.UUID
	Amount         int64
	Currency       currency.Code
	Kind           transaction.Kind
	PaymentMethod  string
	Internal       bool
	Description    string
	// SourceVersion is the version the debit CAS was conditioned on.
	// Recovery uses it to tell "debit never landed" from the ambiguous case.
	SourceVersion int64
	Step          Step
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transaction reconstructs the transaction the intent was written for,
// in INITIATED state.
func (i *Intent) Transaction() *transaction.Transaction {
	amount, _ := money.New(i.Amount, i.Currency)
	return &transaction.Transaction{
		ID:             i.TransactionID,
		IdempotencyKey: i.IdempotencyKey,
		SourceID:       i.SourceID,
		DestID:         i.DestID,
		Amount:         amount,
		Kind:           i.Kind,
		PaymentMethod:  i.PaymentMethod,
		Internal:       i.Internal,
		Description:    i.Description,
		Status:         transaction.StatusInitiated,
		CreatedAt:      i.CreatedAt,
	}
}

// IntentStore persists saga intents.
type IntentStore interface {
	// Save inserts or replaces the intent keyed by transaction id.
	Save(ctx context.Context, intent *Intent) error
	// SetStep advances the recorded step and refreshes UpdatedAt.
	SetStep(ctx context.Context, transactionID uuid.UUID, step Step) error
	// Get returns the unresolved intent or ErrIntentNotFound.
	Get(ctx context.Context, transactionID uuid.UUID) (*Intent, error)
	// Resolve removes the intent once the transaction reached a terminal
	// outcome.
	Resolve(ctx context.Context, transactionID uuid.UUID) error
	// ListStale returns unresolved intents not updated since olderThan.
	ListStale(ctx context.Context, olderThan time.Time) ([]*Intent, error)
}

// SagaCommitter executes the multi-entity commit as a saga over a store
// that offers only per-document atomicity: intent record first, then each
// sub-write, advancing the intent step after every success.
type SagaCommitter struct {
	ledger         ledger.Store
	log            txlog.Log
	intents        IntentStore
	creditAttempts int
	logger         *slog.Logger
}

// NewSagaCommitter builds a saga committer. creditAttempts bounds the
// in-line re-read/CAS retries of the credit leg before the commit is
// handed to recovery.
func NewSagaCommitter(ledgerStore ledger.Store, log txlog.Log, intents IntentStore, logger *slog.Logger) *SagaCommitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SagaCommitter{
		ledger:         ledgerStore,
		log:            log,
		intents:        intents,
		creditAttempts: 3,
		logger:         logger,
	}
}

// Commit implements Committer.
func (s *SagaCommitter) Commit(ctx context.Context, tx *transaction.Transaction, src, dst *account.Account) error {
	intent := &Intent{
		TransactionID:  tx.ID,
		IdempotencyKey: tx.IdempotencyKey,
		SourceID:       tx.SourceID,
		DestID:         tx.DestID,
		Amount:         tx.Amount.Amount(),
		Currency:       tx.Amount.Currency(),
		Kind:           tx.Kind,
		PaymentMethod:  tx.PaymentMethod,
		Internal:       tx.Internal,
		Description:    tx.Description,
		SourceVersion:  src.Version,
		Step:           StepNone,
		CreatedAt:      tx.CreatedAt,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.intents.Save(ctx, intent); err != nil {
		return err // nothing applied yet; plain store error
	}

	// Debit leg.
	if _, err := s.ledger.CompareAndSwapBalance(ctx, src.ID, src.Version, -tx.Amount.Amount()); err != nil {
		if errors.Is(err, ledger.ErrVersionConflict) {
			// Definite no-op: release the intent so the sweep ignores it and
			// let the coordinator redo the whole cycle.
			if rerr := s.intents.Resolve(ctx, tx.ID); rerr != nil {
				s.logger.Error("failed to release intent after debit conflict", "tx_id", tx.ID, "error", rerr)
			}
			return err
		}
		// Unknown whether the write landed (timeout, lost response).
		return fmt.Errorf("%w: debit leg: %v", ErrCommitInDoubt, err)
	}
	if err := s.setStep(ctx, tx.ID, StepDebited); err != nil {
		return fmt.Errorf("%w: recording debit step: %v", ErrCommitInDoubt, err)
	}

	// Credit leg: re-read and retry on contention, bounded.
	if err := s.credit(ctx, tx.DestID, tx.Amount.Amount(), dst.Version); err != nil {
		return fmt.Errorf("%w: credit leg: %v", ErrCommitInDoubt, err)
	}
	if err := s.setStep(ctx, tx.ID, StepCredited); err != nil {
		return fmt.Errorf("%w: recording credit step: %v", ErrCommitInDoubt, err)
	}

	// Log leg: idempotent append of the terminal row.
	if err := tx.MarkCommitted(time.Now()); err != nil {
		return err
	}
	if err := s.log.Append(ctx, tx); err != nil {
		return fmt.Errorf("%w: log leg: %v", ErrCommitInDoubt, err)
	}
	if err := s.setStep(ctx, tx.ID, StepLogged); err != nil {
		s.logger.Warn("commit complete but step not recorded", "tx_id", tx.ID, "error", err)
	}
	if err := s.intents.Resolve(ctx, tx.ID); err != nil {
		// The commit is durable; a leftover LOGGED intent is cleaned by the
		// sweep without re-applying anything.
		s.logger.Warn("failed to resolve intent after commit", "tx_id", tx.ID, "error", err)
	}
	return nil
}

// credit applies the credit with a bounded re-read/CAS loop. expectedVersion
// is the version observed at validation time; contention refreshes it.
func (s *SagaCommitter) credit(ctx context.Context, destID uuid.UUID, amount int64, expectedVersion int64) error {
	var err error
	for attempt := 0; attempt < s.creditAttempts; attempt++ {
		_, err = s.ledger.CompareAndSwapBalance(ctx, destID, expectedVersion, amount)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return err
		}
		dst, gerr := s.ledger.Get(ctx, destID)
		if gerr != nil {
			return gerr
		}
		expectedVersion = dst.Version
	}
	return err
}

func (s *SagaCommitter) setStep(ctx context.Context, txID uuid.UUID, step Step) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.intents.SetStep(ctx, txID, step); err == nil {
			return nil
		}
	}
	return err
}
