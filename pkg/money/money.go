// Package money provides helpers for monetary amounts. All balances and
// movement amounts in the engine are decimals with two fractional digits.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cent is the smallest representable amount.
var Cent = decimal.New(1, -2)

// Zero is a zero amount.
var Zero = decimal.Zero

// Normalize rounds an amount to two decimal places using bankers' rounding.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// Parse parses a decimal string and normalizes it to two decimal places.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Normalize(d), nil
}

// MustParse parses a decimal string and panics on failure. Intended for
// constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsPositive reports whether the amount is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.GreaterThan(decimal.Zero)
}

// InRange reports whether min <= d <= max.
func InRange(d, min, max decimal.Decimal) bool {
	return d.GreaterThanOrEqual(min) && d.LessThanOrEqual(max)
}
