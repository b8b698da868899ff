package curve

import (
	"math"

	"github.com/shopspring/decimal"

	"belief-market/internal/fixedpoint"
	"belief-market/internal/model"
)

const (
	DefaultTolerance            = 0.01 // one cent
	DefaultMaxIterations        = 64
	DefaultUpperBoundMultiplier = 4.0
)

// Estimator inverts the curve for trade sizing. Costs use the average of the
// marginal prices before and after the trade.
type Estimator struct {
	Params               Params
	Tolerance            float64
	MaxIterations        int
	UpperBoundMultiplier float64
}

func NewEstimator(p Params) *Estimator {
	return &Estimator{
		Params:               p,
		Tolerance:            DefaultTolerance,
		MaxIterations:        DefaultMaxIterations,
		UpperBoundMultiplier: DefaultUpperBoundMultiplier,
	}
}

func (e *Estimator) cost(current, other, tokens float64, side model.Side) float64 {
	before := price(current, other, side, e.Params)
	after := price(current+tokens, other, side, e.Params)
	return (before + after) / 2 * tokens
}

// TokensOut estimates the tokens received for spending usdcIn on side.
// On budget exhaustion the lower bracket is returned so the spend is never exceeded
// by more than the tolerance.
func (e *Estimator) TokensOut(currentSupply, otherSupply, usdcIn decimal.Decimal, side model.Side) (decimal.Decimal, error) {
	if err := checkInputs(currentSupply, otherSupply, usdcIn, side, "usdc_in"); err != nil {
		return decimal.Zero, err
	}
	current, _ := currentSupply.Float64()
	other, _ := otherSupply.Float64()
	target, _ := usdcIn.Float64()

	maxIter := e.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	mult := e.UpperBoundMultiplier
	if mult <= 0 {
		mult = DefaultUpperBoundMultiplier
	}
	tol := e.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}

	lo, hi := 0.0, target*mult/e.Params.Lambda
	iter := 0
	for ; iter < maxIter && e.cost(current, other, hi, side) < target; iter++ {
		lo, hi = hi, hi*2
	}

	for ; iter < maxIter; iter++ {
		mid := (lo + hi) / 2
		c := e.cost(current, other, mid, side)
		if math.Abs(c-target) < tol {
			return toDisplay(mid), nil
		}
		if c < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return toDisplay(lo), nil
}

// USDCOut estimates the USDC received for selling tokensIn of side. Selling
// more than the supply clamps the resulting supply to zero.
func (e *Estimator) USDCOut(currentSupply, otherSupply, tokensIn decimal.Decimal, side model.Side) (decimal.Decimal, error) {
	if err := checkInputs(currentSupply, otherSupply, tokensIn, side, "tokens_in"); err != nil {
		return decimal.Zero, err
	}
	current, _ := currentSupply.Float64()
	other, _ := otherSupply.Float64()
	sold, _ := tokensIn.Float64()
	if sold > current {
		sold = current
	}
	after := current - sold
	avg := (price(current, other, side, e.Params) + price(after, other, side, e.Params)) / 2
	return toDisplay(avg * sold), nil
}

// EstimateTrade sizes a buy (amount in USDC) or sell (amount in tokens) against a stored pool.
func (e *Estimator) EstimateTrade(pool *model.Pool, side model.Side, dir model.TradeDirection, amount decimal.Decimal) (decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Zero, model.Invalid("side", "must be LONG or SHORT")
	}
	self := fixedpoint.FromMicro(pool.Supply(side))
	other := fixedpoint.FromMicro(pool.Supply(side.Other()))
	switch dir {
	case model.DirectionBuy:
		return e.TokensOut(self, other, amount, side)
	case model.DirectionSell:
		return e.USDCOut(self, other, amount, side)
	}
	return decimal.Zero, model.Invalid("direction", "must be BUY or SELL")
}

func checkInputs(current, other, amount decimal.Decimal, side model.Side, field string) error {
	switch {
	case !side.Valid():
		return model.Invalid("side", "must be LONG or SHORT")
	case current.IsNegative():
		return model.Invalid("current_supply", "must be >= 0")
	case other.IsNegative():
		return model.Invalid("other_supply", "must be >= 0")
	case !amount.IsPositive():
		return model.Invalid(field, "must be > 0")
	}
	return nil
}

func toDisplay(v float64) decimal.Decimal {
	if v <= 0 || math.IsNaN(v) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Truncate(fixedpoint.MicroDecimals)
}
