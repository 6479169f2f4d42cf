// Package quant holds the fixed-point helpers shared by the order book.
// Every amount is an integer in the smallest unit of its token; prices are
// debt-per-collateral rates scaled by 10^18.
package quant

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the number of implied decimal digits in a price.
const PriceDecimals = 18

// priceKeyWidth fits any uint256 value.
const priceKeyWidth = 78

// Scale is 10^18, the fixed-point unit of a price.
var Scale = decimal.New(1, PriceDecimals)

// ParseAmount parses a non-negative integer amount in base units.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	if !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("fractional amount %q", s)
	}
	return Canonical(d), nil
}

// ParsePositive is ParseAmount that also rejects zero.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := ParseAmount(s)
	if err != nil {
		return d, err
	}
	if d.IsZero() {
		return decimal.Zero, fmt.Errorf("zero amount")
	}
	return d, nil
}

// Canonical drops any exponent so equal integers always print the same way.
func Canonical(d decimal.Decimal) decimal.Decimal {
	return decimal.NewFromBigInt(d.BigInt(), 0)
}

// MulDivFloor returns floor(a*b/c) for non-negative a, b and positive c.
func MulDivFloor(a, b, c decimal.Decimal) decimal.Decimal {
	q, _ := a.Mul(b).QuoRem(c, 0)
	return Canonical(q)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// PriceKey renders a price as a fixed-width decimal string whose
// lexicographic order equals its numeric order.
func PriceKey(price decimal.Decimal) string {
	s := price.BigInt().String()
	if len(s) >= priceKeyWidth {
		return s
	}
	return strings.Repeat("0", priceKeyWidth-len(s)) + s
}

// FromHuman converts a human-readable value ("1.8") into base units with the
// given number of decimals. Precision beyond the decimals is an error.
func FromHuman(s string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return decimal.Zero, fmt.Errorf("%q has more than %d decimals", s, decimals)
	}
	return Canonical(scaled), nil
}

// FormatScaled renders base units back into a human-readable string.
func FormatScaled(d decimal.Decimal, decimals int32) string {
	return d.Shift(-decimals).String()
}
