package escrow

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a decimal token amount into the token's 6-decimal
// fixed-point integer.
func ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	scaled := amount.Shift(TokenDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, amount, TokenDecimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -TokenDecimals)
}

// FormatAmount renders base units for display, without trailing zeros.
func FormatAmount(units *big.Int) string {
	return FromBaseUnits(units).String()
}
