// Package account defines the account aggregate and its business rules.
package account

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/money"
)

var (
	// ErrAccountNotFound is returned when an account cannot be found.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientFunds is returned when a debit would drive a
	// non-overdraft account below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountFrozen is returned when a frozen account is party to a transfer.
	ErrAccountFrozen = errors.New("account is frozen")

	// ErrCurrencyMismatch is returned when a transfer currency does not
	// match the account currency.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrCannotTransferToSameAccount is returned when source and destination
	// are the same account.
	ErrCannotTransferToSameAccount = errors.New("cannot transfer to same account")
)

// Account represents a user's financial account.
//
// Invariants:
//   - Balance is a Money value in minor units; it never goes negative
//     unless the account is overdraft-eligible.
//   - Version increments on every successful mutation and is the token
//     used for optimistic-concurrency checks. The ledger store is the
//     only component that mutates Balance and Version.
type Account struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Balance           money.Money
	Version           int64
	OverdraftEligible bool
	Frozen            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Builder provides a fluent API for constructing Account instances.
type Builder struct {
	id        uuid.UUID
	userID    uuid.UUID
	balance   int64
	currency  currency.Code
	version   int64
	overdraft bool
	frozen    bool
	createdAt time.Time
	updatedAt time.Time
}

// New creates a new Builder with a fresh UUID and the default currency.
func New() *Builder {
	return &Builder{
		id:        uuid.New(),
		currency:  currency.DefaultCode,
		createdAt: time.Now().UTC(),
	}
}

// WithID sets the ID for the account being built.
func (b *Builder) WithID(id uuid.UUID) *Builder {
	b.id = id
	return b
}

// WithUserID sets the owning user. This is a mandatory field.
func (b *Builder) WithUserID(userID uuid.UUID) *Builder {
	b.userID = userID
	return b
}

// WithCurrency sets the account currency.
func (b *Builder) WithCurrency(code currency.Code) *Builder {
	b.currency = code
	return b
}

// WithBalance sets the balance in minor units. Used when hydrating from a
// data store or for test setup.
func (b *Builder) WithBalance(balance int64) *Builder {
	b.balance = balance
	return b
}

// WithVersion sets the optimistic-concurrency version counter. Used when
// hydrating from a data store.
func (b *Builder) WithVersion(version int64) *Builder {
	b.version = version
	return b
}

// WithOverdraft marks the account as overdraft-eligible.
func (b *Builder) WithOverdraft(eligible bool) *Builder {
	b.overdraft = eligible
	return b
}

// WithFrozen marks the account as frozen.
func (b *Builder) WithFrozen(frozen bool) *Builder {
	b.frozen = frozen
	return b
}

// WithCreatedAt sets the creation timestamp when hydrating from a data store.
func (b *Builder) WithCreatedAt(t time.Time) *Builder {
	b.createdAt = t
	return b
}

// WithUpdatedAt sets the last-updated timestamp when hydrating from a data store.
func (b *Builder) WithUpdatedAt(t time.Time) *Builder {
	b.updatedAt = t
	return b
}

// Build validates invariants and returns the Account.
func (b *Builder) Build() (*Account, error) {
	if !b.currency.IsValid() {
		return nil, currency.ErrInvalidFormat
	}
	if b.userID == uuid.Nil {
		return nil, errors.New("account must have an owner")
	}
	balance, err := money.New(b.balance, b.currency)
	if err != nil {
		return nil, err
	}
	if balance.IsNegative() && !b.overdraft {
		return nil, ErrInsufficientFunds
	}
	return &Account{
		ID:                b.id,
		UserID:            b.userID,
		Balance:           balance,
		Version:           b.version,
		OverdraftEligible: b.overdraft,
		Frozen:            b.frozen,
		CreatedAt:         b.createdAt,
		UpdatedAt:         b.updatedAt,
	}, nil
}

// ValidateDebit checks whether the given amount can be debited from the
// account under current business rules. It does not mutate the account.
func (a *Account) ValidateDebit(amount money.Money) error {
	if a.Frozen {
		return ErrAccountFrozen
	}
	if !amount.SameCurrency(a.Balance) {
		return ErrCurrencyMismatch
	}
	if a.OverdraftEligible {
		return nil
	}
	if !a.Balance.GreaterThanOrEqual(amount) {
		return ErrInsufficientFunds
	}
	return nil
}

// ValidateCredit checks whether the given amount can be credited to the account.
func (a *Account) ValidateCredit(amount money.Money) error {
	if a.Frozen {
		return ErrAccountFrozen
	}
	if !amount.SameCurrency(a.Balance) {
		return ErrCurrencyMismatch
	}
	return nil
}
