// Package curve prices the two-sided bonding curve of a belief pool.
//
// The marginal price of one side is
//
//	p = λ·F·s^(F/β−1)·(s_long^(F/β) + s_short^(F/β))^(β−1)
//
// which with the protocol parameters F=1, β=½ reduces to λ·s/‖s‖₂.
// Floating point is confined to this package; callers convert results to
// micro units through fixedpoint before anything is persisted.
package curve

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"belief-market/internal/fixedpoint"
	"belief-market/internal/model"
)

type Params struct {
	Lambda float64 `mapstructure:"lambda" json:"lambda"`
	F      float64 `mapstructure:"f" json:"f"`
	Beta   float64 `mapstructure:"beta" json:"beta"`
}

var DefaultParams = Params{Lambda: 1, F: 1, Beta: 0.5}

func (p Params) Validate() error {
	if !(p.Lambda > 0) || math.IsInf(p.Lambda, 0) {
		return fmt.Errorf("lambda must be positive, got %v", p.Lambda)
	}
	if !(p.F > 0) || math.IsInf(p.F, 0) {
		return fmt.Errorf("f must be positive, got %v", p.F)
	}
	if !(p.Beta > 0 && p.Beta <= 1) {
		return fmt.Errorf("beta must be in (0,1], got %v", p.Beta)
	}
	return nil
}

func (p Params) reduced() bool { return p.F == 1 && p.Beta == 0.5 }

// Price returns the marginal price of side given its own and the opposite supply
// in display units. A side with zero supply trades at the floor price λ.
func Price(supplySelf, supplyOther decimal.Decimal, side model.Side, p Params) decimal.Decimal {
	self, _ := supplySelf.Float64()
	other, _ := supplyOther.Float64()
	return decimal.NewFromFloat(price(self, other, side, p))
}

func price(self, other float64, side model.Side, p Params) float64 {
	if self <= 0 {
		return p.Lambda
	}
	if other < 0 {
		other = 0
	}
	var v float64
	if p.reduced() {
		v = p.Lambda * self / math.Hypot(self, other)
	} else {
		sLong, sShort := self, other
		if side == model.SideShort {
			sLong, sShort = other, self
		}
		k := p.F / p.Beta
		norm := math.Pow(sLong, k) + math.Pow(sShort, k)
		v = p.Lambda * p.F * math.Pow(self, k-1) * math.Pow(norm, p.Beta-1)
	}
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

// MarketPrediction is the crowd probability reserveLong/(reserveLong+reserveShort)
// where reserve_side = supply_side × price_side. Empty pools predict 0.5.
func MarketPrediction(supplyLong, supplyShort decimal.Decimal, p Params) decimal.Decimal {
	sl, _ := supplyLong.Float64()
	ss, _ := supplyShort.Float64()
	return decimal.NewFromFloat(prediction(sl, ss, p))
}

func prediction(sl, ss float64, p Params) float64 {
	rl := math.Max(sl, 0) * price(sl, ss, model.SideLong, p)
	rs := math.Max(ss, 0) * price(ss, sl, model.SideShort, p)
	total := rl + rs
	if total <= 0 || math.IsNaN(total) {
		return 0.5
	}
	return math.Min(1, math.Max(0, rl/total))
}

// ImpliedProbability reads the crowd probability off stored micro reserves.
func ImpliedProbability(reserveLong, reserveShort int64) decimal.Decimal {
	if reserveLong < 0 {
		reserveLong = 0
	}
	if reserveShort < 0 {
		reserveShort = 0
	}
	total := reserveLong + reserveShort
	if total <= 0 {
		return decimal.NewFromFloat(0.5)
	}
	return decimal.NewFromInt(reserveLong).Div(decimal.NewFromInt(total))
}

// PoolPrice prices one side of a stored pool.
func PoolPrice(pool *model.Pool, side model.Side, p Params) decimal.Decimal {
	self := fixedpoint.FromMicro(pool.Supply(side))
	other := fixedpoint.FromMicro(pool.Supply(side.Other()))
	return Price(self, other, side, p)
}

// Quote prices a pool side for the trading surface.
func Quote(pool *model.Pool, side model.Side, p Params) model.Quote {
	return model.Quote{
		PoolAddress: pool.Address,
		Side:        side,
		Price:       PoolPrice(pool, side, p),
		MarketPrediction: MarketPrediction(
			fixedpoint.FromMicro(pool.SupplyLong), fixedpoint.FromMicro(pool.SupplyShort), p),
		ImpliedByReserve: ImpliedProbability(pool.ReserveLong, pool.ReserveShort),
	}
}

// SyncSqrtPrices recomputes both Q64.96 square-root prices from the current supplies.
func SyncSqrtPrices(pool *model.Pool, p Params) {
	pool.SqrtPriceLongX96 = fixedpoint.SqrtPriceX96FromPrice(PoolPrice(pool, model.SideLong, p))
	pool.SqrtPriceShortX96 = fixedpoint.SqrtPriceX96FromPrice(PoolPrice(pool, model.SideShort, p))
}

// SettledSqrtPrices sets each side's square-root price to reserve/supply after
// a settlement has rewritten the reserves. A side with no supply keeps its curve price.
func SettledSqrtPrices(pool *model.Pool, p Params) {
	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		price := PoolPrice(pool, side, p)
		if supply := pool.Supply(side); supply > 0 {
			price = decimal.NewFromInt(pool.Reserve(side)).Div(decimal.NewFromInt(supply))
		}
		sq := fixedpoint.SqrtPriceX96FromPrice(price)
		if side == model.SideLong {
			pool.SqrtPriceLongX96 = sq
		} else {
			pool.SqrtPriceShortX96 = sq
		}
	}
}
