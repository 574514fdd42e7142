package moneydec

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseEUR(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"12.345", "12.35"},
		{"12,345", "12.35"},
		{"-3,5", "-3.50"},
		{"0", "0.00"},
	}
	for _, c := range cases {
		got, err := ParseEUR(c.in)
		if err != nil {
			t.Fatalf("ParseEUR(%q) returned error: %v", c.in, err)
		}
		if got.String() != c.want {
			t.Errorf("ParseEUR(%q) = %s, want %s", c.in, got.String(), c.want)
		}
	}
}

func TestParseEUR_Invalid(t *testing.T) {
	if _, err := ParseEUR("not-a-number"); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestParseQty(t *testing.T) {
	got, err := ParseQty("1,23456789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.String() != "1.2346" {
		t.Errorf("ParseQty rounded to %s, want 1.2346", got.String())
	}
}

func TestIsPositiveNegative(t *testing.T) {
	if !IsPositive(decimal.NewFromInt(1)) {
		t.Error("1 should be positive")
	}
	if IsPositive(decimal.Zero) {
		t.Error("0 should not be positive")
	}
	if !IsNegative(decimal.NewFromInt(-1)) {
		t.Error("-1 should be negative")
	}
	if IsNegative(decimal.Zero) {
		t.Error("0 should not be negative")
	}
}
