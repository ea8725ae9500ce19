// Package units converts between human-readable decimal amounts and
// integer base units.
package units

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// GweiDecimals is the number of decimals between gwei and wei.
const GweiDecimals = 9

// ToBaseUnits converts a decimal amount to integer base units, truncating
// any precision beyond decimals.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts integer base units to a decimal amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// GweiToWei converts a gwei amount to wei.
func GweiToWei(gwei decimal.Decimal) *big.Int {
	return ToBaseUnits(gwei, GweiDecimals)
}

// WeiToGwei converts wei to gwei.
func WeiToGwei(wei *big.Int) decimal.Decimal {
	return FromBaseUnits(wei, GweiDecimals)
}

// Format renders base units as a decimal string with the given precision.
func Format(v *big.Int, decimals int32) string {
	return FromBaseUnits(v, decimals).String()
}

// ParseAmount parses a non-negative decimal amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %q is negative", s)
	}
	return d, nil
}
