// Package transaction defines the transaction entity and its lifecycle.
//
// The coordinator exclusively owns lifecycle transitions. A transaction is
// immutable once it reaches COMMITTED or FAILED, except for the later
// addition of the COMPENSATED marker on a transaction whose commit never
// completed.
package transaction

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/money"
)

// ErrInvalidTransition is returned on a forbidden status transition.
var ErrInvalidTransition = errors.New("invalid transaction status transition")

// Status is the lifecycle state of a transaction.
type Status string

// Transaction lifecycle states.
const (
	StatusInitiated   Status = "INITIATED"
	StatusValidated   Status = "VALIDATED"
	StatusCommitted   Status = "COMMITTED"
	StatusFailed      Status = "FAILED"
	StatusCompensated Status = "COMPENSATED"
)

// Terminal reports whether the status is a final outcome.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

// Kind distinguishes account transfers from digital payments.
type Kind string

// Transaction kinds.
const (
	KindTransfer Kind = "TRANSFER"
	KindPayment  Kind = "PAYMENT"
)

// Transaction is the immutable record of a money movement attempt.
// Amount and the account pair never change after INITIATED.
type Transaction struct {
	ID             uuid.UUID
	IdempotencyKey string
	SourceID       uuid.UUID
	DestID         uuid.UUID
	Amount         money.Money
	Kind           Kind
	PaymentMethod  string
	Internal       bool
	Description    string
	Status         Status
	CreatedAt      time.Time
	CommittedAt    *time.Time
}

// New creates an INITIATED transaction with a fresh server-generated id.
func New(key string, sourceID, destID uuid.UUID, amount money.Money, kind Kind) *Transaction {
	return &Transaction{
		ID:             uuid.New(),
		IdempotencyKey: key,
		SourceID:       sourceID,
		DestID:         destID,
		Amount:         amount,
		Kind:           kind,
		Status:         StatusInitiated,
		CreatedAt:      time.Now().UTC(),
	}
}

// MarkValidated records that business-rule validation passed.
func (t *Transaction) MarkValidated() error {
	if t.Status != StatusInitiated {
		return ErrInvalidTransition
	}
	t.Status = StatusValidated
	return nil
}

// MarkCommitted records a successful commit at the given time.
func (t *Transaction) MarkCommitted(at time.Time) error {
	if t.Status != StatusInitiated && t.Status != StatusValidated {
		return ErrInvalidTransition
	}
	at = at.UTC()
	t.Status = StatusCommitted
	t.CommittedAt = &at
	return nil
}

// MarkFailed records a terminal failure. Failing an already-terminal
// transaction is forbidden.
func (t *Transaction) MarkFailed() error {
	if t.Status.Terminal() {
		return ErrInvalidTransition
	}
	t.Status = StatusFailed
	return nil
}

// MarkCompensated records that a partially-applied commit was reversed.
// Only a transaction that never reached COMMITTED may be compensated.
func (t *Transaction) MarkCompensated() error {
	if t.Status == StatusCommitted || t.Status == StatusFailed {
		return ErrInvalidTransition
	}
	t.Status = StatusCompensated
	return nil
}
