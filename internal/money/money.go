// Package money provides fixed-precision token amount parsing and formatting.
//
// Escrowed tokens are tracked with 6 decimal places. All arithmetic is done
// on *big.Int values in the smallest unit (1 token = 1,000,000 units), so
// splits and sums are exact.
package money

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 6

var unit = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "900.5") to base units.
// Returns (nil, false) for empty, negative, malformed input or input with
// more than 6 fractional digits; amounts are never silently truncated.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" || len(frac) > Decimals {
			return nil, false
		}
	}
	if whole == "" || !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}

	frac += strings.Repeat("0", Decimals-len(frac))
	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("money: invalid amount %q", s))
	}
	return v
}

// Format renders base units as a decimal string with exactly 6 decimals
// (e.g. "540.000000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
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

// Normalize re-formats a decimal string to the canonical 6-decimal form.
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// Sub returns a - b as a new value.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}

// Add returns a + b as a new value.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// PercentOf returns floor(amount * pct / 100) in base units.
func PercentOf(amount *big.Int, pct int64) *big.Int {
	v := new(big.Int).Mul(amount, big.NewInt(pct))
	return v.Quo(v, big.NewInt(100))
}

// Units returns the number of base units in one whole token.
func Units() *big.Int {
	return new(big.Int).Set(unit)
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Split is a division of a distributable amount between client and freelancer.
type Split struct {
	Client     *big.Int
	Freelancer *big.Int
}

// Total returns Client + Freelancer.
func (s Split) Total() *big.Int {
	return Add(s.Client, s.Freelancer)
}

// Balances reports whether both sides are non-negative and sum exactly to d.
func (s Split) Balances(d *big.Int) bool {
	if s.Client == nil || s.Freelancer == nil || d == nil {
		return false
	}
	if s.Client.Sign() < 0 || s.Freelancer.Sign() < 0 {
		return false
	}
	return s.Total().Cmp(d) == 0
}
