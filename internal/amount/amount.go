// Package amount provides exact decimal arithmetic for monetary amounts.
//
// Amounts carry 6 fractional digits and are held as big.Int in the smallest
// unit (1.000000 = 1,000,000 units), so daily totals and limit comparisons
// never accumulate floating-point error.
package amount

import (
	"math/big"
	"strings"
)

const Decimals = 6

var unit = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "1500.25") to smallest units.
// Returns (nil, false) for empty, signed, malformed, or over-precise input.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" && (!hasDot || frac == "") {
		return nil, false
	}
	if len(frac) > Decimals {
		return nil, false
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, false
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	return new(big.Int).SetString(whole+frac, 10)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Format renders smallest units as a decimal string with 6 fractional digits.
func Format(v *big.Int) string {
	if v == nil {
		return "0.000000"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Whole returns n whole currency units expressed in smallest units.
func Whole(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

// MustParse is Parse for trusted constants; it panics on malformed input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("amount: invalid literal " + s)
	}
	return v
}

// Add returns a+b without mutating either argument.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// WithinPercent reports whether v lies within pct percent of ref,
// i.e. |v - ref| * 100 <= ref * pct.
func WithinPercent(v, ref *big.Int, pct int64) bool {
	diff := new(big.Int).Sub(v, ref)
	diff.Abs(diff).Mul(diff, big.NewInt(100))
	bound := new(big.Int).Mul(new(big.Int).Abs(ref), big.NewInt(pct))
	return diff.Cmp(bound) <= 0
}

// Float returns an approximate float64 for metrics and display only.
func Float(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(v, unit).Float64()
	return f
}
