package math

import (
	"fmt"
	stdmath "math"

	"github.com/shopspring/decimal"
)

// MaxDecimals bounds asset precision so that 10^decimals fits comfortably in int64.
const MaxDecimals = 18

// Denomination describes the fixed-point precision of an asset.
// Amounts are always carried as int64 base units; 1 whole unit == 10^Decimals base units.
type Denomination struct {
	Decimals uint8
}

// Validate rejects precisions the ledger cannot represent.
func (d Denomination) Validate() error {
	if d.Decimals > MaxDecimals {
		return fmt.Errorf("decimals %d exceeds max %d", d.Decimals, MaxDecimals)
	}
	return nil
}

// Format renders base units as a fixed decimal string, e.g. 5_000_000 @6 -> "5.000000".
func (d Denomination) Format(amount int64) string {
	return decimal.New(amount, -int32(d.Decimals)).StringFixed(int32(d.Decimals))
}

// Parse converts a decimal string into base units.
// Fails if the value has more fractional digits than the denomination allows
// or does not fit in int64.
func (d Denomination) Parse(s string) (int64, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}

	units := v.Shift(int32(d.Decimals))
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, d.Decimals)
	}
	if units.GreaterThan(decimal.NewFromInt(stdmath.MaxInt64)) || units.LessThan(decimal.NewFromInt(stdmath.MinInt64)) {
		return 0, fmt.Errorf("amount %q overflows int64 base units", s)
	}

	return units.IntPart(), nil
}

// CheckedAdd returns a+b and false if the sum overflows int64.
func CheckedAdd(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// CheckedSub returns a-b and false if the difference overflows int64.
func CheckedSub(a, b int64) (int64, bool) {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		return 0, false
	}
	return diff, true
}
