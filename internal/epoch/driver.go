// Package epoch drives the per-epoch cycle on a schedule: settle each active
// pool, then redistribute stake for the epoch that was just settled.
package epoch

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"belief-market/internal/model"
)

type Store interface {
	ListActivePools(ctx context.Context) ([]model.Pool, error)
	ListInformationScores(ctx context.Context, beliefID string, epoch int64) ([]model.InformationScore, error)
}

type Settler interface {
	SettleEpoch(ctx context.Context, req model.SettleRequest) (model.SettleResult, error)
}

type Redistributor interface {
	Redistribute(ctx context.Context, req model.RedistributeRequest) (model.RedistributeResult, error)
}

// Summary counts what one pass over the active pools did.
type Summary struct {
	Pools          int
	Settled        int
	Cooling        int
	Unconfirmed    int
	Redistributed  int
	AlreadyApplied int
	Failed         int
}

type Driver struct {
	store  Store
	settle Settler
	redist Redistributor
	log    *zap.Logger
	cron   *cron.Cron

	// PoolTimeout bounds the work done for one pool.
	PoolTimeout time.Duration
}

func New(store Store, s Settler, r Redistributor, log *zap.Logger) *Driver {
	return &Driver{
		store:       store,
		settle:      s,
		redist:      r,
		log:         log.Named("epoch"),
		cron:        cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		PoolTimeout: time.Minute,
	}
}

// Start schedules RunOnce with a six-field cron spec.
func (d *Driver) Start(ctx context.Context, spec string) error {
	if _, err := d.cron.AddFunc(spec, func() { d.RunOnce(ctx) }); err != nil {
		return err
	}
	d.cron.Start()
	d.log.Info("epoch driver started", zap.String("spec", spec))
	return nil
}

func (d *Driver) Stop() {
	<-d.cron.Stop().Done()
	d.log.Info("epoch driver stopped")
}

// RunOnce processes every active pool once. Failures on one pool are logged
// and do not stop the others.
func (d *Driver) RunOnce(ctx context.Context) Summary {
	var sum Summary
	pools, err := d.store.ListActivePools(ctx)
	if err != nil {
		d.log.Error("list active pools", zap.Error(err))
		sum.Failed++
		return sum
	}
	sum.Pools = len(pools)
	for _, p := range pools {
		if ctx.Err() != nil {
			break
		}
		d.runPool(ctx, p, &sum)
	}
	d.log.Info("epoch pass complete",
		zap.Int("pools", sum.Pools), zap.Int("settled", sum.Settled),
		zap.Int("redistributed", sum.Redistributed), zap.Int("failed", sum.Failed))
	return sum
}

func (d *Driver) runPool(ctx context.Context, p model.Pool, sum *Summary) {
	if d.PoolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.PoolTimeout)
		defer cancel()
	}
	log := d.log.With(zap.String("pool", p.Address))

	// last epoch whose settlement is known to be confirmed
	settled := p.CurrentEpoch - 1

	res, err := d.settle.SettleEpoch(ctx, model.SettleRequest{PoolAddress: p.Address})
	var cooldown *model.CooldownError
	switch {
	case err == nil && res.Settled:
		sum.Settled++
		settled = res.Epoch
	case err == nil:
	case errors.As(err, &cooldown):
		sum.Cooling++
		log.Debug("pool cooling down", zap.Duration("remaining", cooldown.Remaining))
	case errors.Is(err, model.ErrUnconfirmed):
		sum.Unconfirmed++
		log.Warn("settlement unconfirmed, will retry next pass", zap.Int64("epoch", res.Epoch))
		return
	case errors.Is(err, model.ErrNoScore):
		log.Debug("no ground-truth score yet")
		return
	default:
		sum.Failed++
		log.Error("settle epoch", zap.Error(err))
		return
	}
	if settled < 0 {
		return
	}
	d.redistribute(ctx, p.BeliefID, settled, log, sum)
}

func (d *Driver) redistribute(ctx context.Context, beliefID string, epoch int64, log *zap.Logger, sum *Summary) {
	scores, err := d.store.ListInformationScores(ctx, beliefID, epoch)
	if err != nil {
		sum.Failed++
		log.Error("list information scores", zap.Error(err))
		return
	}
	if len(scores) == 0 {
		return
	}
	m := make(map[string]float64, len(scores))
	for _, s := range scores {
		m[s.AgentID] = s.Score
	}
	res, err := d.redist.Redistribute(ctx, model.RedistributeRequest{BeliefID: beliefID, Epoch: epoch, Scores: m})
	switch {
	case err != nil:
		sum.Failed++
		log.Error("redistribute", zap.Int64("epoch", epoch), zap.Error(err))
	case res.Skipped:
		sum.AlreadyApplied++
	case res.Occurred:
		sum.Redistributed++
	}
}
