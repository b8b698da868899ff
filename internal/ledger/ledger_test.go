package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"belief-market/internal/model"
)

var testSeed = strings.Repeat("ab", 32)

func testAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := NewAuthority(testSeed)
	require.NoError(t, err)
	return a
}

func TestAuthoritySignAndVerify(t *testing.T) {
	a := testAuthority(t)
	ins := a.Sign(Instruction{PoolAddress: "pool-1", ScoreQ32: 3 << 30})
	assert.Equal(t, a.PublicKey(), ins.Authority)
	require.NoError(t, Verify(ins))

	tampered := ins
	tampered.ScoreQ32++
	assert.ErrorIs(t, Verify(tampered), ErrBadSignature)

	tampered = ins
	tampered.Authority = "zz"
	assert.ErrorIs(t, Verify(tampered), ErrBadSignature)
}

func TestNewAuthorityRejectsBadSeed(t *testing.T) {
	_, err := NewAuthority("not-hex")
	assert.Error(t, err)
	_, err = NewAuthority("abcd")
	assert.Error(t, err)
}

func TestSimulatorConfirmsImmediately(t *testing.T) {
	a := testAuthority(t)
	sim := NewSimulator(a.PublicKey())

	r, err := sim.Settle(context.Background(), a.Sign(Instruction{PoolAddress: "p", ScoreQ32: 1 << 31}))
	require.NoError(t, err)
	assert.True(t, r.Confirmed)
	assert.NotEmpty(t, r.TxRef)
	assert.Equal(t, uint64(1), r.Slot)
	assert.Len(t, sim.Submissions(), 1)
}

func TestSimulatorConfirmAfterPolls(t *testing.T) {
	a := testAuthority(t)
	sim := NewSimulator(a.PublicKey())
	sim.ConfirmAfter = 2

	r, err := sim.Settle(context.Background(), a.Sign(Instruction{PoolAddress: "p"}))
	require.NoError(t, err)
	assert.False(t, r.Confirmed)

	r, err = sim.Status(context.Background(), r.TxRef)
	require.NoError(t, err)
	assert.False(t, r.Confirmed)

	r, err = sim.Status(context.Background(), r.TxRef)
	require.NoError(t, err)
	assert.True(t, r.Confirmed)

	_, err = sim.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTx)
}

func TestSimulatorRejectsForeignAuthority(t *testing.T) {
	a := testAuthority(t)
	other, err := NewAuthority(strings.Repeat("cd", 32))
	require.NoError(t, err)

	sim := NewSimulator(a.PublicKey())
	_, err = sim.Settle(context.Background(), other.Sign(Instruction{PoolAddress: "p"}))
	assert.ErrorIs(t, err, model.ErrAuthorityMismatch)
	assert.Empty(t, sim.Submissions())
}

func TestSimulatorLatencyHonoursDeadline(t *testing.T) {
	a := testAuthority(t)
	sim := NewSimulator(a.PublicKey())
	sim.Latency = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sim.Settle(ctx, a.Sign(Instruction{PoolAddress: "p"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimitedPassesThrough(t *testing.T) {
	a := testAuthority(t)
	sim := NewSimulator(a.PublicKey())
	rl := NewRateLimited(sim, 1000, 2)

	r, err := rl.Settle(context.Background(), a.Sign(Instruction{PoolAddress: "p"}))
	require.NoError(t, err)
	got, err := rl.Status(context.Background(), r.TxRef)
	require.NoError(t, err)
	assert.Equal(t, r.TxRef, got.TxRef)

	auth, err := rl.FactoryAuthority(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), auth)
}

func TestRateLimitedRespectsContext(t *testing.T) {
	a := testAuthority(t)
	rl := NewRateLimited(NewSimulator(a.PublicKey()), 0.001, 1)
	_, err := rl.Settle(context.Background(), a.Sign(Instruction{PoolAddress: "p"}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = rl.Settle(ctx, a.Sign(Instruction{PoolAddress: "p", Epoch: 1}))
	assert.Error(t, err)
}

func TestSignatureBindsEpoch(t *testing.T) {
	a := testAuthority(t)
	e0 := a.Sign(Instruction{PoolAddress: "p", Epoch: 0, ScoreQ32: 3 << 30})
	e1 := a.Sign(Instruction{PoolAddress: "p", Epoch: 1, ScoreQ32: 3 << 30})
	assert.NotEqual(t, e0.Signature, e1.Signature)
	assert.NotEqual(t, e0.Ref(), e1.Ref())

	replayed := e0
	replayed.Epoch = 1
	assert.ErrorIs(t, Verify(replayed), ErrBadSignature)

	again := a.Sign(Instruction{PoolAddress: "p", Epoch: 0, ScoreQ32: 3 << 30})
	assert.Equal(t, e0.Ref(), again.Ref(), "refs are deterministic")
}

func TestSimulatorRejectsSecondInstructionForEpoch(t *testing.T) {
	a := testAuthority(t)
	sim := NewSimulator(a.PublicKey())
	ctx := context.Background()

	ins := a.Sign(Instruction{PoolAddress: "p", Epoch: 4, ScoreQ32: 1 << 31})
	r, err := sim.Settle(ctx, ins)
	require.NoError(t, err)
	assert.Equal(t, ins.Ref(), r.TxRef)

	_, err = sim.Settle(ctx, ins)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	_, err = sim.Settle(ctx, a.Sign(Instruction{PoolAddress: "p", Epoch: 4, ScoreQ32: 1 << 30}))
	assert.ErrorIs(t, err, ErrAlreadySettled)

	_, err = sim.Settle(ctx, a.Sign(Instruction{PoolAddress: "p", Epoch: 5, ScoreQ32: 1 << 31}))
	require.NoError(t, err)
	_, err = sim.Settle(ctx, a.Sign(Instruction{PoolAddress: "q", Epoch: 4, ScoreQ32: 1 << 31}))
	require.NoError(t, err)
	assert.Len(t, sim.Submissions(), 3)
}
