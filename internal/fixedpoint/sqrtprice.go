package fixedpoint

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Q96 is 2^96, the scale of square-root prices.
var Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

var (
	q192  = new(uint256.Int).Lsh(uint256.NewInt(1), 192)
	micro = uint256.NewInt(MicroPerUnit)
)

// SqrtPriceX96FromPrice encodes a price as floor(sqrt(price) * 2^96).
// The price is first truncated to micro precision; negative prices encode as zero.
func SqrtPriceX96FromPrice(price decimal.Decimal) *uint256.Int {
	pm := ToMicro(price)
	if pm <= 0 {
		return new(uint256.Int)
	}
	z := new(uint256.Int).Lsh(uint256.NewInt(uint64(pm)), 192)
	z.Div(z, micro)
	return z.Sqrt(z)
}

// PriceFromSqrtPriceX96 decodes a Q64.96 square-root price back to a
// micro-precision price. Values whose square does not fit 256 bits decode as zero.
func PriceFromSqrtPriceX96(s *uint256.Int) decimal.Decimal {
	if s == nil || s.IsZero() {
		return decimal.Zero
	}
	sq, overflow := new(uint256.Int).MulOverflow(s, s)
	if overflow {
		return decimal.Zero
	}
	pm, overflow := new(uint256.Int).MulDivOverflow(sq, micro, q192)
	if overflow || !pm.IsUint64() || pm.Gt(maxInt64) {
		return decimal.Zero
	}
	return FromMicro(int64(pm.Uint64()))
}
