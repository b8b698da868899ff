package curve

import (
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"belief-market/internal/fixedpoint"
	"belief-market/internal/model"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestLargerSideCarriesHigherPrice(t *testing.T) {
	long := Price(d(116), d(24), model.SideLong, DefaultParams)
	short := Price(d(24), d(116), model.SideShort, DefaultParams)

	assert.True(t, long.GreaterThan(short), "long %s short %s", long, short)
	lf, _ := long.Float64()
	sf, _ := short.Float64()
	assert.InDelta(t, 0.979, lf, 0.001)
	assert.InDelta(t, 0.2026, sf, 0.001)
}

func TestZeroSupplyTradesAtFloor(t *testing.T) {
	p := Params{Lambda: 2.5, F: 1, Beta: 0.5}
	assert.True(t, Price(decimal.Zero, d(50), model.SideLong, p).Equal(d(2.5)))
	assert.True(t, Price(decimal.Zero, decimal.Zero, model.SideShort, p).Equal(d(2.5)))
}

func TestGeneralFormMatchesHandComputation(t *testing.T) {
	p := Params{Lambda: 1, F: 2, Beta: 0.5}
	// 2·s^3/sqrt(s^4+o^4) at s=1, o=0
	got, _ := Price(d(1), decimal.Zero, model.SideLong, p).Float64()
	assert.InDelta(t, 2.0, got, 1e-9)

	// sides are symmetric
	l, _ := Price(d(3), d(5), model.SideLong, p).Float64()
	s, _ := Price(d(3), d(5), model.SideShort, p).Float64()
	assert.InDelta(t, l, s, 1e-12)
}

func TestPriceAndPredictionBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, p := range []Params{DefaultParams, {Lambda: 3, F: 2, Beta: 0.5}, {Lambda: 0.5, F: 1, Beta: 0.8}} {
		for i := 0; i < 500; i++ {
			sl := rng.Float64() * 1e6
			ss := rng.Float64() * 1e6
			if i%10 == 0 {
				ss = 0
			}
			pl := price(sl, ss, model.SideLong, p)
			ps := price(ss, sl, model.SideShort, p)
			q := prediction(sl, ss, p)
			assert.GreaterOrEqual(t, pl, 0.0)
			assert.GreaterOrEqual(t, ps, 0.0)
			assert.GreaterOrEqual(t, q, 0.0)
			assert.LessOrEqual(t, q, 1.0)
		}
	}
}

func TestPriceNonDecreasingInOwnSupply(t *testing.T) {
	for _, p := range []Params{DefaultParams, {Lambda: 1, F: 2, Beta: 0.5}} {
		for _, other := range []float64{0, 1, 24, 1000} {
			prev := 0.0
			for s := 0.5; s < 5000; s *= 1.7 {
				cur := price(s, other, model.SideLong, p)
				assert.GreaterOrEqual(t, cur, prev, "params %+v other %v supply %v", p, other, s)
				prev = cur
			}
		}
	}
}

func TestMarketPrediction(t *testing.T) {
	assert.True(t, MarketPrediction(decimal.Zero, decimal.Zero, DefaultParams).Equal(d(0.5)))

	q, _ := MarketPrediction(d(50), d(50), DefaultParams).Float64()
	assert.InDelta(t, 0.5, q, 1e-12)

	q, _ = MarketPrediction(d(116), d(24), DefaultParams).Float64()
	assert.Greater(t, q, 0.9)

	q, _ = MarketPrediction(d(10), decimal.Zero, DefaultParams).Float64()
	assert.InDelta(t, 1.0, q, 1e-12)
}

func TestImpliedProbability(t *testing.T) {
	assert.True(t, ImpliedProbability(0, 0).Equal(d(0.5)))
	assert.True(t, ImpliedProbability(75_000_000, 25_000_000).Equal(d(0.75)))
	assert.True(t, ImpliedProbability(-5, 10).Equal(decimal.Zero))
}

func TestQuoteAndSqrtPrices(t *testing.T) {
	pool := &model.Pool{
		Address:      "pool-1",
		SupplyLong:   116_000_000,
		SupplyShort:  24_000_000,
		ReserveLong:  60_000_000,
		ReserveShort: 40_000_000,
	}
	q := Quote(pool, model.SideLong, DefaultParams)
	assert.Equal(t, "pool-1", q.PoolAddress)
	assert.True(t, q.ImpliedByReserve.Equal(d(0.6)))
	pf, _ := q.Price.Float64()
	assert.InDelta(t, 0.979, pf, 0.001)

	SyncSqrtPrices(pool, DefaultParams)
	require.NotNil(t, pool.SqrtPriceLongX96)
	assert.True(t, pool.SqrtPriceLongX96.Gt(pool.SqrtPriceShortX96))
	assert.True(t, pool.SqrtPriceLongX96.Lt(fixedpoint.Q96), "long price is below one")

	empty := &model.Pool{}
	SyncSqrtPrices(empty, DefaultParams)
	assert.Equal(t, 0, empty.SqrtPriceLongX96.Cmp(new(uint256.Int).Set(fixedpoint.Q96)))
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams.Validate())
	assert.Error(t, Params{Lambda: 0, F: 1, Beta: 0.5}.Validate())
	assert.Error(t, Params{Lambda: 1, F: -1, Beta: 0.5}.Validate())
	assert.Error(t, Params{Lambda: 1, F: 1, Beta: 0}.Validate())
	assert.Error(t, Params{Lambda: 1, F: 1, Beta: 1.5}.Validate())
}

func TestSettledSqrtPricesFollowReserves(t *testing.T) {
	pool := &model.Pool{
		SupplyLong:   100_000_000,
		SupplyShort:  0,
		ReserveLong:  75_000_000,
		ReserveShort: 25_000_000,
	}
	SettledSqrtPrices(pool, DefaultParams)
	long := fixedpoint.PriceFromSqrtPriceX96(pool.SqrtPriceLongX96)
	assert.True(t, long.Sub(d(0.75)).Abs().LessThanOrEqual(fixedpoint.FromMicro(1)), "got %s", long)
	// empty side falls back to the floor price
	short := fixedpoint.PriceFromSqrtPriceX96(pool.SqrtPriceShortX96)
	assert.True(t, short.Sub(d(1)).Abs().LessThanOrEqual(fixedpoint.FromMicro(1)), "got %s", short)
}
