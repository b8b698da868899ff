// Package settlement reconciles a pool with its ground-truth score once per epoch.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"belief-market/internal/curve"
	"belief-market/internal/fixedpoint"
	"belief-market/internal/ledger"
	"belief-market/internal/model"
)

const DefaultLedgerTimeout = 30 * time.Second

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetPool(ctx context.Context, address string) (*model.Pool, error)
	UpdatePool(ctx context.Context, p *model.Pool) error
	GetBelief(ctx context.Context, id string) (*model.Belief, error)
	GetSettlement(ctx context.Context, pool string, epoch int64) (*model.SettlementRecord, error)
	LatestConfirmedSettlement(ctx context.Context, pool string) (*model.SettlementRecord, error)
	InsertSettlement(ctx context.Context, r *model.SettlementRecord) error
	UpdateSettlement(ctx context.Context, r *model.SettlementRecord) error
	AppendEvent(ctx context.Context, pool, evType string, payload any) error
}

// PublishFunc broadcasts a settlement to pool subscribers.
type PublishFunc func(poolAddress, msgType string, data any)

type Engine struct {
	store     Store
	ledger    ledger.Ledger
	authority *ledger.Authority
	params    curve.Params
	publish   PublishFunc
	log       *zap.Logger

	Now           func() time.Time
	LedgerTimeout time.Duration

	mu       sync.Mutex
	verified bool
	authErr  error
}

func New(store Store, l ledger.Ledger, auth *ledger.Authority, params curve.Params, pub PublishFunc, log *zap.Logger) *Engine {
	if pub == nil {
		pub = func(string, string, any) {}
	}
	return &Engine{
		store:         store,
		ledger:        l,
		authority:     auth,
		params:        params,
		publish:       pub,
		log:           log.Named("settlement"),
		Now:           time.Now,
		LedgerTimeout: DefaultLedgerTimeout,
	}
}

// VerifyAuthority compares the held authority with the factory's. A mismatch
// is remembered and every later call fails without contacting the ledger.
func (e *Engine) VerifyAuthority(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.authErr != nil {
		return e.authErr
	}
	if e.verified {
		return nil
	}
	factory, err := e.ledger.FactoryAuthority(ctx)
	if err != nil {
		return fmt.Errorf("read factory authority: %w", err)
	}
	if held := e.authority.PublicKey(); held != factory {
		e.authErr = fmt.Errorf("%w: held %s, factory %s", model.ErrAuthorityMismatch, held, factory)
		e.log.Error("authority mismatch, settlement disabled",
			zap.String("held", held), zap.String("factory", factory))
		return e.authErr
	}
	e.verified = true
	return nil
}

// SettleEpoch settles the pool's current epoch. Repeating a call for an
// epoch that is already confirmed returns a Skipped result.
func (e *Engine) SettleEpoch(ctx context.Context, req model.SettleRequest) (model.SettleResult, error) {
	res := model.SettleResult{PoolAddress: req.PoolAddress}
	if err := req.Validate(); err != nil {
		return res, err
	}
	if err := e.VerifyAuthority(ctx); err != nil {
		return res, err
	}

	pool, err := e.store.GetPool(ctx, req.PoolAddress)
	if err != nil {
		return res, fmt.Errorf("get pool: %w", err)
	}
	if pool == nil {
		return res, fmt.Errorf("pool %s: %w", req.PoolAddress, model.ErrNotFound)
	}
	res.Epoch = pool.CurrentEpoch

	if req.Epoch != nil {
		res.Epoch = *req.Epoch
		rec, err := e.store.GetSettlement(ctx, pool.Address, *req.Epoch)
		if err != nil {
			return res, fmt.Errorf("get settlement: %w", err)
		}
		if rec != nil && rec.Confirmed {
			return skipped(res, rec), nil
		}
		if *req.Epoch != pool.CurrentEpoch {
			return res, model.Invalid("epoch", fmt.Sprintf("%d is not the current epoch %d", *req.Epoch, pool.CurrentEpoch))
		}
	}

	// 1. ground-truth score
	belief, err := e.store.GetBelief(ctx, pool.BeliefID)
	if err != nil {
		return res, fmt.Errorf("get belief: %w", err)
	}
	if belief == nil {
		return res, fmt.Errorf("belief %s: %w", pool.BeliefID, model.ErrNotFound)
	}
	if belief.PreviousAggregate == nil {
		return res, fmt.Errorf("belief %s: %w", belief.ID, model.ErrNoScore)
	}
	score := *belief.PreviousAggregate
	scoreQ32, err := fixedpoint.ScoreToQ32(score)
	if err != nil {
		return res, err
	}
	scoreMicro, err := fixedpoint.ScoreToMicro(score)
	if err != nil {
		return res, err
	}
	res.BDScore, res.ScoreQ32 = score, scoreQ32

	// 2. cooldown
	now := e.Now()
	last := pool.LastSettledAt
	if last == nil {
		prev, err := e.store.LatestConfirmedSettlement(ctx, pool.Address)
		if err != nil {
			return res, fmt.Errorf("latest settlement: %w", err)
		}
		if prev != nil && prev.ConfirmedAt != nil {
			last = prev.ConfirmedAt
		}
	}
	if last != nil {
		if elapsed := now.Sub(*last); elapsed < pool.MinSettleInterval {
			return res, &model.CooldownError{Pool: pool.Address, Remaining: pool.MinSettleInterval - elapsed}
		}
	}

	// 3. once per epoch
	rec, err := e.store.GetSettlement(ctx, pool.Address, pool.CurrentEpoch)
	if err != nil {
		return res, fmt.Errorf("get settlement: %w", err)
	}
	if rec != nil && rec.Confirmed {
		return skipped(res, rec), nil
	}

	if rec != nil {
		// a pending record keeps the score it was first signed with
		if scoreMicro, err = fixedpoint.ScoreToMicro(rec.BDScore); err != nil {
			return res, err
		}
		res.BDScore, res.ScoreQ32 = rec.BDScore, rec.ScoreQ32
	}
	if rec != nil && rec.TxRef != "" {
		return e.poll(ctx, res, rec, scoreMicro, true)
	}

	if rec == nil {
		rec = &model.SettlementRecord{
			PoolAddress: pool.Address,
			BeliefID:    belief.ID,
			Epoch:       pool.CurrentEpoch,
			BDScore:     score,
			ScoreQ32:    scoreQ32,
			CreatedAt:   now,
		}
		if err := e.store.InsertSettlement(ctx, rec); err != nil {
			if errors.Is(err, model.ErrDuplicate) {
				// a concurrent call owns this epoch
				res.Unconfirmed = true
				return res, fmt.Errorf("epoch %d in flight: %w", rec.Epoch, model.ErrUnconfirmed)
			}
			return res, fmt.Errorf("insert settlement: %w", err)
		}
	}
	return e.submit(ctx, res, rec, scoreMicro)
}

// submit signs the epoch's instruction and sends it. The instruction's ref is
// stored on the record first, so a call that times out after the ledger
// accepted it is followed up by polling that ref rather than a new submission.
func (e *Engine) submit(ctx context.Context, res model.SettleResult, rec *model.SettlementRecord, scoreMicro int64) (model.SettleResult, error) {
	ins := e.authority.Sign(ledger.Instruction{PoolAddress: rec.PoolAddress, Epoch: rec.Epoch, ScoreQ32: rec.ScoreQ32})
	if rec.TxRef == "" {
		rec.TxRef = ins.Ref()
		if err := e.store.UpdateSettlement(ctx, rec); err != nil {
			return res, fmt.Errorf("record tx ref: %w", err)
		}
	}
	res.TxRef = rec.TxRef

	lctx, cancel := context.WithTimeout(ctx, e.ledgerTimeout())
	receipt, err := e.ledger.Settle(lctx, ins)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, model.ErrAuthorityMismatch):
			e.mu.Lock()
			e.authErr = err
			e.mu.Unlock()
			return res, err
		case errors.Is(err, ledger.ErrAlreadySettled):
			// an earlier attempt landed; its receipt is under the same ref
			return e.poll(ctx, res, rec, scoreMicro, false)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			e.log.Warn("ledger submission timed out",
				zap.String("pool", rec.PoolAddress), zap.Int64("epoch", rec.Epoch),
				zap.String("tx", rec.TxRef))
			res.Unconfirmed = true
			return res, fmt.Errorf("settle %s epoch %d: %w", rec.PoolAddress, rec.Epoch, model.ErrUnconfirmed)
		}
		return res, fmt.Errorf("ledger settle: %w", err)
	}

	if receipt.TxRef != rec.TxRef {
		rec.TxRef = receipt.TxRef
		if err := e.store.UpdateSettlement(ctx, rec); err != nil {
			return res, fmt.Errorf("record tx ref: %w", err)
		}
	}
	res.TxRef, res.Slot = receipt.TxRef, receipt.Slot
	e.log.Info("settlement submitted",
		zap.String("pool", rec.PoolAddress), zap.Int64("epoch", rec.Epoch),
		zap.String("tx", receipt.TxRef), zap.Bool("confirmed", receipt.Confirmed))

	if !receipt.Confirmed {
		res.Unconfirmed = true
		return res, fmt.Errorf("settle %s epoch %d: %w", rec.PoolAddress, rec.Epoch, model.ErrUnconfirmed)
	}
	return e.finalize(ctx, res, rec, scoreMicro)
}

// poll re-checks a recorded submission. Only a ref the ledger has never seen
// is submitted again, and the ledger rejects a duplicate for the same epoch.
func (e *Engine) poll(ctx context.Context, res model.SettleResult, rec *model.SettlementRecord, scoreMicro int64, resubmit bool) (model.SettleResult, error) {
	res.TxRef = rec.TxRef
	lctx, cancel := context.WithTimeout(ctx, e.ledgerTimeout())
	receipt, err := e.ledger.Status(lctx, rec.TxRef)
	cancel()
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownTx) && resubmit {
			e.log.Info("recorded submission never landed, resubmitting",
				zap.String("pool", rec.PoolAddress), zap.Int64("epoch", rec.Epoch),
				zap.String("tx", rec.TxRef))
			return e.submit(ctx, res, rec, scoreMicro)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			res.Unconfirmed = true
			return res, fmt.Errorf("status %s: %w", rec.TxRef, model.ErrUnconfirmed)
		}
		return res, fmt.Errorf("ledger status: %w", err)
	}
	res.Slot = receipt.Slot
	if !receipt.Confirmed {
		res.Unconfirmed = true
		return res, fmt.Errorf("status %s: %w", rec.TxRef, model.ErrUnconfirmed)
	}
	return e.finalize(ctx, res, rec, scoreMicro)
}

// finalize confirms the record and resets the pool's reserve split to the score.
func (e *Engine) finalize(ctx context.Context, res model.SettleResult, rec *model.SettlementRecord, scoreMicro int64) (model.SettleResult, error) {
	now := e.Now()
	var pool *model.Pool
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		pool, err = e.store.GetPool(ctx, rec.PoolAddress)
		if err != nil {
			return err
		}
		if pool == nil {
			return fmt.Errorf("pool %s: %w", rec.PoolAddress, model.ErrNotFound)
		}
		if pool.CurrentEpoch != rec.Epoch {
			return fmt.Errorf("pool %s advanced to epoch %d while settling %d: %w",
				pool.Address, pool.CurrentEpoch, rec.Epoch, model.ErrDuplicate)
		}
		long, err := fixedpoint.MulDiv(pool.VaultBalance, scoreMicro, fixedpoint.MicroPerUnit)
		if err != nil {
			return err
		}
		pool.ReserveLong = long
		pool.ReserveShort = pool.VaultBalance - long
		curve.SettledSqrtPrices(pool, e.params)
		pool.CurrentEpoch++
		pool.LastSettledAt = &now
		if err := e.store.UpdatePool(ctx, pool); err != nil {
			return err
		}

		rec.Confirmed = true
		rec.ConfirmedAt = &now
		rec.ReserveLongAfter = pool.ReserveLong
		rec.ReserveShortAfter = pool.ReserveShort
		if err := e.store.UpdateSettlement(ctx, rec); err != nil {
			return err
		}
		return e.store.AppendEvent(ctx, pool.Address, "EpochSettled", rec)
	})
	if err != nil {
		return res, fmt.Errorf("finalize settlement: %w", err)
	}

	res.Settled = true
	res.ReserveLong, res.ReserveShort = pool.ReserveLong, pool.ReserveShort
	e.log.Info("epoch settled",
		zap.String("pool", pool.Address), zap.Int64("epoch", rec.Epoch),
		zap.Float64("score", rec.BDScore),
		zap.Int64("reserve_long", pool.ReserveLong), zap.Int64("reserve_short", pool.ReserveShort))
	e.publish(pool.Address, "settlement", res)
	e.publish(pool.Address, "pool_state", pool)
	return res, nil
}

func (e *Engine) ledgerTimeout() time.Duration {
	if e.LedgerTimeout <= 0 {
		return DefaultLedgerTimeout
	}
	return e.LedgerTimeout
}

func skipped(res model.SettleResult, rec *model.SettlementRecord) model.SettleResult {
	res.Epoch = rec.Epoch
	res.Skipped = true
	res.TxRef = rec.TxRef
	res.BDScore = rec.BDScore
	res.ScoreQ32 = rec.ScoreQ32
	res.ReserveLong = rec.ReserveLongAfter
	res.ReserveShort = rec.ReserveShortAfter
	return res
}
