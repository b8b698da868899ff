package epoch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"belief-market/internal/curve"
	"belief-market/internal/ledger"
	"belief-market/internal/lock"
	"belief-market/internal/memstore"
	"belief-market/internal/model"
	"belief-market/internal/redistribution"
	"belief-market/internal/settlement"
)

func ptr[T any](v T) *T { return &v }

func setup(t *testing.T) (*memstore.Store, *Driver) {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()

	auth, err := ledger.NewAuthority(strings.Repeat("22", 32))
	require.NoError(t, err)
	sim := ledger.NewSimulator(auth.PublicKey())
	settler := settlement.New(s, sim, auth, curve.DefaultParams, nil, zap.NewNop())
	redist := redistribution.New(s, lock.NewLocal(), nil, zap.NewNop())

	require.NoError(t, s.CreatePool(ctx, &model.Pool{
		Address: "scored", SupplyLong: 2_000_000, SupplyShort: 2_000_000,
		ReserveLong: 20_000_000, ReserveShort: 20_000_000, VaultBalance: 40_000_000,
		MinSettleInterval: time.Hour,
	}, &model.Belief{ID: "b-scored", PreviousAggregate: ptr(0.6)}))
	require.NoError(t, s.CreatePool(ctx, &model.Pool{Address: "unscored", MinSettleInterval: time.Hour},
		&model.Belief{ID: "b-unscored"}))

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.PutAgent(ctx, &model.Agent{ID: id, TotalStake: 10_000_000}))
		require.NoError(t, s.UpsertPosition(ctx, &model.Position{
			AgentID: id, PoolAddress: "scored", Side: model.SideLong, TokenBalance: 1_000_000, BeliefLock: 4_000_000,
		}))
	}
	require.NoError(t, s.PutInformationScore(ctx, &model.InformationScore{BeliefID: "b-scored", Epoch: 0, AgentID: "a", Score: 0.5}))
	require.NoError(t, s.PutInformationScore(ctx, &model.InformationScore{BeliefID: "b-scored", Epoch: 0, AgentID: "b", Score: -0.5}))

	return s, New(s, settler, redist, zap.NewNop())
}

func TestRunOnceSettlesThenRedistributes(t *testing.T) {
	s, d := setup(t)
	ctx := context.Background()

	sum := d.RunOnce(ctx)
	assert.Equal(t, 2, sum.Pools)
	assert.Equal(t, 1, sum.Settled)
	assert.Equal(t, 1, sum.Redistributed)
	assert.Zero(t, sum.Failed)

	p, err := s.GetPool(ctx, "scored")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.CurrentEpoch)
	assert.Equal(t, int64(24_000_000), p.ReserveLong)
	assert.Equal(t, int64(16_000_000), p.ReserveShort)

	a, err := s.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(12_000_000), a.TotalStake)
	b, err := s.GetAgent(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(8_000_000), b.TotalStake)
}

func TestRunOnceIsRepeatable(t *testing.T) {
	s, d := setup(t)
	ctx := context.Background()
	d.RunOnce(ctx)

	sum := d.RunOnce(ctx)
	assert.Zero(t, sum.Settled)
	assert.Equal(t, 1, sum.Cooling)
	assert.Equal(t, 1, sum.AlreadyApplied)
	assert.Zero(t, sum.Redistributed)
	assert.Zero(t, sum.Failed)

	a, err := s.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(12_000_000), a.TotalStake, "stakes move once per epoch")
}

func TestStartRejectsBadSpec(t *testing.T) {
	_, d := setup(t)
	assert.Error(t, d.Start(context.Background(), "not a cron spec"))
}
