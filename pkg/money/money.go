// Package money provides a value object for monetary amounts.
//
// Invariants:
//   - Amount is always stored as an int64 in the smallest currency unit
//     (e.g., cents for USD); floating point types are never used.
//   - Currency code must be valid ISO 4217 (3 uppercase letters).
//   - All arithmetic operations require matching currencies.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/leafybank/transactor/pkg/currency"
)

var (
	// ErrMismatchedCurrencies is returned when performing operations
	// on money values with different currencies.
	ErrMismatchedCurrencies = errors.New("mismatched currencies")

	// ErrOverflow is returned when an operation would overflow the
	// maximum safe integer amount.
	ErrOverflow = errors.New("amount exceeds maximum safe integer value")
)

// Amount represents a monetary amount as an integer in the
// smallest currency unit (e.g., cents for USD).
type Amount = int64

// Money represents a monetary value in a specific currency.
type Money struct {
	amount   Amount
	currency currency.Code
}

// New creates a Money from an amount in minor units and a currency code.
func New(amount Amount, code currency.Code) (Money, error) {
	if !code.IsValid() {
		return Money{}, currency.ErrInvalidFormat
	}
	return Money{amount: amount, currency: code}, nil
}

// MustNew is like New but panics on an invalid currency code.
// Intended for tests and package-level constants.
func MustNew(amount Amount, code currency.Code) Money {
	m, err := New(amount, code)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero-valued Money in the given currency.
func Zero(code currency.Code) Money {
	return Money{amount: 0, currency: code}
}

// Amount returns the amount in minor units.
func (m Money) Amount() Amount { return m.amount }

// Currency returns the currency code.
func (m Money) Currency() currency.Code { return m.currency }

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m.amount > 0 }

// IsNegative reports whether the amount is less than zero.
func (m Money) IsNegative() bool { return m.amount < 0 }

// SameCurrency reports whether the other value carries the same currency.
func (m Money) SameCurrency(other Money) bool { return m.currency == other.currency }

// Add returns the sum of two money values of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, ErrMismatchedCurrencies
	}
	if (other.amount > 0 && m.amount > math.MaxInt64-other.amount) ||
		(other.amount < 0 && m.amount < math.MinInt64-other.amount) {
		return Money{}, ErrOverflow
	}
	return Money{amount: m.amount + other.amount, currency: m.currency}, nil
}

// Sub returns the difference of two money values of the same currency.
func (m Money) Sub(other Money) (Money, error) {
	return m.Add(other.Negate())
}

// Negate returns the money value with its sign flipped.
func (m Money) Negate() Money {
	return Money{amount: -m.amount, currency: m.currency}
}

// GreaterThanOrEqual reports whether m >= other. Currencies must match;
// mismatched currencies compare false.
func (m Money) GreaterThanOrEqual(other Money) bool {
	return m.SameCurrency(other) && m.amount >= other.amount
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(other Money) bool {
	return m.amount == other.amount && m.currency == other.currency
}

// String renders the amount with the currency's decimal places, e.g. "USD 12.50".
func (m Money) String() string {
	decimals := m.currency.Decimals()
	if decimals == 0 {
		return fmt.Sprintf("%s %d", m.currency, m.amount)
	}
	div := int64(1)
	for i := 0; i < decimals; i++ {
		div *= 10
	}
	units := m.amount / div
	frac := m.amount % div
	if frac < 0 {
		frac = -frac
	}
	// %d on a zero quotient loses the sign, e.g. -50 cents.
	sign := ""
	if m.amount < 0 && units == 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s %s%d.%0*d", m.currency, sign, units, decimals, frac)
}
