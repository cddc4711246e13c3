// Package money provides shared ZAR parsing, formatting and fee arithmetic.
//
// All amounts carry two decimal places. Provider payloads and the database
// exchange amounts as decimal strings ("1000.00"); internally they are
// shopspring decimals so percentage splits never round through float64.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places for the settlement currency.
const Places = 2

// Currency is the fixed settlement currency.
const Currency = "ZAR"

// Hundred is the percentage total of a complete milestone plan.
var Hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "1000.00") to an amount.
// Returns (zero, false) on invalid or negative input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Fractional parts beyond two places are rounded half-up
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d.Round(Places), true
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) decimal.Decimal {
	d, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return d
}

// Format renders an amount with exactly two decimal places (e.g. "900.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Fee computes round(gross × rate, 2).
func Fee(gross, rate decimal.Decimal) decimal.Decimal {
	return gross.Mul(rate).Round(Places)
}

// Net returns gross − fee.
func Net(gross, fee decimal.Decimal) decimal.Decimal {
	return gross.Sub(fee)
}

// Share returns round(amount × pct / 100, 2).
func Share(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(Hundred).Round(Places)
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// IsHundred reports whether percentages sum to exactly 100.
func IsHundred(pcts []decimal.Decimal) bool {
	return Sum(pcts...).Equal(Hundred)
}
