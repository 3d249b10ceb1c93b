// Package usdc provides amount parsing and formatting for the simulator.
//
// Stablecoin amounts use 6 decimal places and are held as big.Int in the
// smallest unit (1 USDC = 1,000,000 units). The native gas token uses 18
// decimals (wei).
package usdc

import (
	"errors"
	"math/big"
	"strings"
)

const (
	Decimals    = 6
	GasDecimals = 18
)

var (
	ErrEmpty       = errors.New("amount is empty")
	ErrMalformed   = errors.New("amount is not a decimal number")
	ErrNegative    = errors.New("amount is negative")
	ErrZero        = errors.New("amount must be greater than zero")
	ErrTooPrecise  = errors.New("amount has too many decimal places")
	errBadDecimals = errors.New("decimals out of range")
)

// Parse converts a decimal string (e.g. "1.50") to micro-units (1500000).
// Returns (nil, false) on invalid input; "" parses as zero.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	v, err := ParseUnits(s, Decimals)
	if err != nil {
		return nil, false
	}
	return v, true
}

// ParsePositive parses a stablecoin amount that must be strictly positive.
func ParsePositive(s string) (*big.Int, error) {
	v, err := ParseUnits(s, Decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		return nil, ErrZero
	}
	return v, nil
}

// MustParse is Parse for constants and tests. It panics on bad input.
func MustParse(s string) *big.Int {
	v, err := ParseUnits(s, Decimals)
	if err != nil {
		panic("usdc: " + s + ": " + err.Error())
	}
	return v
}

// ParseUnits converts a decimal string to the smallest unit of a token with
// the given number of decimals.
//
// Rules:
//   - Empty strings, signs other than a leading "+" and exponents are rejected
//   - Negative amounts are rejected
//   - At most one decimal point, with digits on at least one side
//   - More fractional digits than decimals is an error, not a truncation
func ParseUnits(s string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > 36 {
		return nil, errBadDecimals
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, ErrMalformed
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, ErrMalformed
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, ErrTooPrecise
	}
	frac += strings.Repeat("0", decimals-len(frac))
	if whole == "" {
		whole = "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrMalformed
	}
	return result, nil
}

// Format converts micro-units to a decimal string with exactly 6 decimal
// places (e.g. "1.500000").
func Format(amount *big.Int) string {
	return FormatUnits(amount, Decimals)
}

// FormatUnits renders the smallest-unit amount with exactly decimals places.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point]
	if decimals > 0 {
		result += "." + s[point:]
	}
	if neg {
		result = "-" + result
	}
	return result
}

// Compact renders a stablecoin amount without trailing zeros ("22.5",
// "45"). Used in human-readable timeline text.
func Compact(amount *big.Int) string {
	return CompactUnits(amount, Decimals)
}

// CompactUnits is Compact for an arbitrary number of decimals.
func CompactUnits(amount *big.Int, decimals int) string {
	s := FormatUnits(amount, decimals)
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// Clone returns an independent copy; nil clones to zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
