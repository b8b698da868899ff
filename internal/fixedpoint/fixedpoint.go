// Package fixedpoint holds the integer unit conversions shared by pricing,
// settlement and redistribution. Ledger-facing and conserved quantities are
// kept as scaled integers; decimal.Decimal is used only at the display edge.
package fixedpoint

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"belief-market/internal/model"
)

const (
	MicroDecimals = 6
	MicroPerUnit  = 1_000_000
	Q32Shift      = 32
)

var (
	q32 = decimal.New(1<<Q32Shift, 0)

	maxInt64 = uint256.NewInt(math.MaxInt64)
)

// ToMicro converts display units to micro units, truncating toward zero.
func ToMicro(d decimal.Decimal) int64 {
	return d.Shift(MicroDecimals).Truncate(0).IntPart()
}

// FromMicro converts micro units to display units.
func FromMicro(v int64) decimal.Decimal {
	return decimal.New(v, -MicroDecimals)
}

// CheckScore validates a ground-truth score.
func CheckScore(score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return model.Invalid("score", "not a finite number")
	}
	if score < 0 || score > 1 {
		return model.Invalid("score", fmt.Sprintf("%v outside [0,1]", score))
	}
	return nil
}

// ScoreToQ32 returns floor(score * 2^32), the Q32.32 value the ledger expects.
func ScoreToQ32(score float64) (uint64, error) {
	if err := CheckScore(score); err != nil {
		return 0, err
	}
	v := decimal.NewFromFloat(score).Mul(q32).Truncate(0)
	return v.BigInt().Uint64(), nil
}

// ScoreToMicro returns floor(score * 10^6).
func ScoreToMicro(score float64) (int64, error) {
	if err := CheckScore(score); err != nil {
		return 0, err
	}
	return ToMicro(decimal.NewFromFloat(score)), nil
}

// Q32ToScore is the display inverse of ScoreToQ32.
func Q32ToScore(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0).Div(q32)
}

// MulDiv returns floor(a*b/d) with a 256-bit intermediate product.
func MulDiv(a, b, d int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("muldiv: negative operand %d, %d", a, b)
	}
	if d <= 0 {
		return 0, fmt.Errorf("muldiv: non-positive divisor %d", d)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)), uint256.NewInt(uint64(d)))
	if overflow || z.Gt(maxInt64) {
		return 0, fmt.Errorf("muldiv: %d*%d/%d overflows int64", a, b, d)
	}
	return int64(z.Uint64()), nil
}

// Apportion splits total across parts proportionally. Every share is floored
// and the leftover units go to the largest remainders, so the shares always
// sum to exactly total. Ties are broken by index.
func Apportion(total int64, parts []int64) ([]int64, error) {
	out := make([]int64, len(parts))
	if total < 0 {
		return nil, fmt.Errorf("apportion: negative total %d", total)
	}
	var sum int64
	for _, p := range parts {
		if p < 0 {
			return nil, fmt.Errorf("apportion: negative part %d", p)
		}
		if sum > math.MaxInt64-p {
			return nil, fmt.Errorf("apportion: parts overflow int64")
		}
		sum += p
	}
	if sum == 0 || total == 0 {
		return out, nil
	}

	type rem struct {
		idx int
		r   *uint256.Int
	}
	rems := make([]rem, len(parts))
	den := uint256.NewInt(uint64(sum))
	var assigned int64
	for i, p := range parts {
		prod := new(uint256.Int).Mul(uint256.NewInt(uint64(p)), uint256.NewInt(uint64(total)))
		q, r := new(uint256.Int), new(uint256.Int)
		q.DivMod(prod, den, r)
		out[i] = int64(q.Uint64())
		assigned += out[i]
		rems[i] = rem{idx: i, r: r}
	}
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].r.Gt(rems[j].r) })
	for i := int64(0); i < total-assigned; i++ {
		out[rems[i].idx]++
	}
	return out, nil
}
