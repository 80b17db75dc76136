package escrow

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"500", 500_000000},
		{"0.000001", 1},
		{"12.5", 12_500000},
		{"1234.567891", 1234_567891},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(decimal.RequireFromString(tc.in))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.in, err)
		}
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("%s: expected %d, got %s", tc.in, tc.want, got)
		}
	}
}

func TestToBaseUnits_Rejects(t *testing.T) {
	for _, in := range []string{"0", "-1", "0.0000001", "1.1234567"} {
		if _, err := ToBaseUnits(decimal.RequireFromString(in)); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%s: expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(big.NewInt(500_000000)); got != "500" {
		t.Fatalf("expected 500, got %s", got)
	}
	if got := FormatAmount(big.NewInt(12_340000)); got != "12.34" {
		t.Fatalf("expected 12.34, got %s", got)
	}
	if got := FormatAmount(nil); got != "0" {
		t.Fatalf("expected 0 for nil, got %s", got)
	}
}
