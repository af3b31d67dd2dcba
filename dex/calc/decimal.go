// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package calc holds the exact decimal arithmetic shared by the ledger, the
// order book and the matcher. Every rounding step names its target precision
// and rounds half to even. There is no package-level context.
package calc

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// quoGuardDigits is the number of extra fractional digits carried by a
// division before it is rounded to its target precision.
const quoGuardDigits = 8

var (
	// Zero is the zero value, provided for readability at call sites.
	Zero = decimal.Zero
	// One is used to bound fee rates.
	One = decimal.NewFromInt(1)
)

// Parse parses a decimal string and rescales it to prec fractional digits. An
// empty string, exponents and non-numeric input are rejected.
func Parse(s string, prec int32) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty decimal string")
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, fmt.Errorf("exponent notation not accepted: %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return Rescale(d, prec), nil
}

// MustParse is Parse that panics on error. Intended for tests and constants.
func MustParse(s string, prec int32) decimal.Decimal {
	d, err := Parse(s, prec)
	if err != nil {
		panic(err)
	}
	return d
}

// Rescale rounds d to prec fractional digits, half to even.
func Rescale(d decimal.Decimal, prec int32) decimal.Decimal {
	return d.RoundBank(prec)
}

// Quo divides a by b and rounds the quotient to prec fractional digits. The
// division carries guard digits so that the final rounding is the only one
// that can change the result at prec. b must not be zero.
func Quo(a, b decimal.Decimal, prec int32) decimal.Decimal {
	return a.DivRound(b, prec+quoGuardDigits).RoundBank(prec)
}

// Unit is one unit in the last place at prec, i.e. 10^-prec.
func Unit(prec int32) decimal.Decimal {
	return decimal.New(1, -prec)
}

// IsRate reports whether d is a valid fee rate, in the range [0, 1).
func IsRate(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThan(One)
}

// CeilTo rounds d up to the nearest multiple of interval. interval must be
// positive.
func CeilTo(d, interval decimal.Decimal) decimal.Decimal {
	q, r := d.QuoRem(interval, 0)
	if r.IsPositive() {
		q = q.Add(One)
	}
	return q.Mul(interval)
}

// FloorTo rounds d down to the nearest multiple of interval. interval must be
// positive.
func FloorTo(d, interval decimal.Decimal) decimal.Decimal {
	q, r := d.QuoRem(interval, 0)
	if r.IsNegative() {
		q = q.Sub(One)
	}
	return q.Mul(interval)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Format renders d with exactly prec fractional digits.
func Format(d decimal.Decimal, prec int32) string {
	return Rescale(d, prec).StringFixed(prec)
}

// Show renders d with at least prec fractional digits. Digits past prec are
// kept, so no value is rounded for display.
func Show(d decimal.Decimal, prec int32) string {
	s := d.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		prec = max(prec, int32(len(s)-i-1))
	}
	return d.StringFixed(prec)
}
