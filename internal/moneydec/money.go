// Package moneydec centralizes the fixed-precision decimal quantization
// rules used across the ledger, market-data, and FX services: 4dp for
// quantities, 2dp for EUR amounts. Every monetary value that crosses a
// package boundary or is persisted passes through one of these helpers
// before it does, mirroring the teacher's tick-rounding discipline for
// prices (round/floor/ceil to an exchange's minimum increment) but against
// a fixed decimal scale instead of a configurable tick.
package moneydec

import "github.com/shopspring/decimal"

// EURScale is the number of decimal places EUR amounts are quantized to.
const EURScale = 2

// QtyScale is the number of decimal places position quantities are quantized to.
const QtyScale = 4

// EUR rounds x to 2 decimal places, half-away-from-zero.
func EUR(x decimal.Decimal) decimal.Decimal {
	return x.Round(EURScale)
}

// Qty rounds x to 4 decimal places, half-away-from-zero.
func Qty(x decimal.Decimal) decimal.Decimal {
	return x.Round(QtyScale)
}

// Zero is the canonical zero-value EUR decimal, quantized.
func Zero() decimal.Decimal {
	return decimal.Zero.Round(EURScale)
}

// ParseEUR parses a numeric string into an EUR-quantized decimal. Accepts
// a leading sign and either '.' or ',' as the decimal separator, matching
// the registry's number coercion rule.
func ParseEUR(s string) (decimal.Decimal, error) {
	d, err := parseLoose(s)
	if err != nil {
		return decimal.Zero, err
	}
	return EUR(d), nil
}

// ParseQty parses a numeric string into a quantity-quantized decimal.
func ParseQty(s string) (decimal.Decimal, error) {
	d, err := parseLoose(s)
	if err != nil {
		return decimal.Zero, err
	}
	return Qty(d), nil
}

func parseLoose(s string) (decimal.Decimal, error) {
	normalized := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ',' {
			c = '.'
		}
		normalized = append(normalized, c)
	}
	return decimal.NewFromString(string(normalized))
}

// IsPositive reports whether x is strictly greater than zero.
func IsPositive(x decimal.Decimal) bool {
	return x.Sign() > 0
}

// IsNegative reports whether x is strictly less than zero.
func IsNegative(x decimal.Decimal) bool {
	return x.Sign() < 0
}
