package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"belief-market/internal/model"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreatePool(ctx, &model.Pool{Address: "p"}, &model.Belief{ID: "b"}))
	require.NoError(t, s.PutAgent(ctx, &model.Agent{ID: "a", TotalStake: 100}))
	return s
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context) error {
		_, _, err := s.AdjustStake(ctx, "a", 50)
		require.NoError(t, err)
		p, err := s.GetPool(ctx, "p")
		require.NoError(t, err)
		p.VaultBalance = 999
		require.NoError(t, s.UpdatePool(ctx, p))
		require.NoError(t, s.AppendEvent(ctx, "p", "Marker", map[string]int{"n": 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	a, err := s.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.TotalStake)
	p, err := s.GetPool(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, p.VaultBalance)
	evs, err := s.ListEvents(ctx, "p", 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestWithTxCommitsAndNests(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(ctx context.Context) error {
		return s.WithTx(ctx, func(ctx context.Context) error {
			_, _, err := s.AdjustStake(ctx, "a", 25)
			return err
		})
	})
	require.NoError(t, err)
	a, err := s.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(125), a.TotalStake)
}

func TestAdjustStakeFloorsAtZero(t *testing.T) {
	s := seeded(t)
	before, after, err := s.AdjustStake(context.Background(), "a", -500)
	require.NoError(t, err)
	assert.Equal(t, int64(100), before)
	assert.Equal(t, int64(0), after)

	_, _, err = s.AdjustStake(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDuplicatesAreRejected(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	err := s.CreatePool(ctx, &model.Pool{Address: "p"}, &model.Belief{ID: "b2"})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	require.NoError(t, s.InsertSettlement(ctx, &model.SettlementRecord{PoolAddress: "p", Epoch: 0}))
	err = s.InsertSettlement(ctx, &model.SettlementRecord{PoolAddress: "p", Epoch: 0})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	ev := &model.RedistributionEvent{BeliefID: "b", Epoch: 0, AgentID: "a"}
	require.NoError(t, s.InsertRedistributionEvent(ctx, ev))
	err = s.InsertRedistributionEvent(ctx, &model.RedistributionEvent{BeliefID: "b", Epoch: 0, AgentID: "a"})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	done, err := s.HasRedistribution(ctx, "b", 0)
	require.NoError(t, err)
	assert.True(t, done)
	done, err = s.HasRedistribution(ctx, "b", 1)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestLatestConfirmedSettlement(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	for e := int64(0); e < 3; e++ {
		r := &model.SettlementRecord{PoolAddress: "p", Epoch: e, Confirmed: e < 2}
		require.NoError(t, s.InsertSettlement(ctx, r))
	}
	r, err := s.LatestConfirmedSettlement(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(1), r.Epoch)

	r, err = s.LatestConfirmedSettlement(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestReturnedPoolsAreCopies(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	p, err := s.GetPool(ctx, "p")
	require.NoError(t, err)
	p.SupplyLong = 42

	again, err := s.GetPool(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, again.SupplyLong)

	missing, err := s.GetPool(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListEventsNewestFirst(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	for _, typ := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendEvent(ctx, "p", typ, nil))
	}
	require.NoError(t, s.AppendEvent(ctx, "q", "elsewhere", nil))

	evs, err := s.ListEvents(ctx, "p", 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "third", evs[0].Type)
	assert.Equal(t, "second", evs[1].Type)
	assert.Greater(t, evs[0].ID, evs[1].ID)
}

func TestCanceledContext(t *testing.T) {
	s := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.GetPool(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
}
