package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of base units per native coin.
const NativeDecimals = 18

// ToBaseUnits converts an amount of native coin to base units. Amounts finer
// than one base unit are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	shifted := amount.Shift(NativeDecimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s exceeds %d decimals", amount, NativeDecimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts base units to native coin.
func FromBaseUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -NativeDecimals)
}
