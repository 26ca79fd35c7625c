// Package currency defines ISO 4217 currency codes used across the ledger.
package currency

import "errors"

// ErrInvalidFormat is returned when a currency code is not three uppercase letters.
var ErrInvalidFormat = errors.New("invalid currency code")

// Code represents a 3-letter ISO 4217 currency code (e.g., "USD").
type Code string

// Common currency codes.
const (
	USD Code = "USD"
	EUR Code = "EUR"
	GBP Code = "GBP"
	JPY Code = "JPY"
)

// DefaultCode is the currency used when none is specified.
var DefaultCode = USD

// String returns the string representation of the currency code.
func (c Code) String() string { return string(c) }

// IsValid checks that the code is three uppercase ASCII letters.
func (c Code) IsValid() bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

// Decimals returns the number of minor-unit decimal places for the currency.
func (c Code) Decimals() int {
	if c == JPY {
		return 0
	}
	return 2
}
