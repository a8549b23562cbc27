// Package core holds the record and operation types shared by the local
// store, the pending queue and the sync engine.
//
// Amounts travel through the system as decimal strings so no layer ever
// converts user money to a float. This file contains the parsing helpers
// used for shape validation.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount validates a decimal-as-string amount and returns its parsed
// value. It accepts both dot (12.34) and comma (12,34) decimal separators
// and rejects non-positive amounts and anything with more than two
// fractional digits.
//
// Examples:
//
//	ParseAmount("12.34") -> 12.34, nil
//	ParseAmount("12,34") -> 12.34, nil
//	ParseAmount("0")     -> ErrInvalidAmount
//	ParseAmount("12.345")-> ErrInvalidAmount
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		// Only unsigned positive values allowed
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Exponent() < -2 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// NormalizeAmount returns the canonical two-decimal string form of an
// amount, e.g. "12,3" becomes "12.30". The wire payload always carries
// this form.
func NormalizeAmount(s string) (string, error) {
	d, err := ParseAmount(s)
	if err != nil {
		return "", err
	}
	return d.StringFixed(2), nil
}
