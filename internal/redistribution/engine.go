// Package redistribution moves stake from inaccurate to accurate forecasters
// of a belief, zero-sum, once per epoch.
package redistribution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"belief-market/internal/fixedpoint"
	"belief-market/internal/lock"
	"belief-market/internal/model"
	"belief-market/internal/weights"
)

type Store interface {
	weights.PositionReader
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetBelief(ctx context.Context, id string) (*model.Belief, error)
	HasRedistribution(ctx context.Context, beliefID string, epoch int64) (bool, error)
	AdjustStake(ctx context.Context, agentID string, delta int64) (before, after int64, err error)
	InsertRedistributionEvent(ctx context.Context, ev *model.RedistributionEvent) error
	AppendEvent(ctx context.Context, pool, evType string, payload any) error
}

type PublishFunc func(poolAddress, msgType string, data any)

type Engine struct {
	store   Store
	locker  lock.Locker
	weights *weights.Calculator
	publish PublishFunc
	log     *zap.Logger
}

func New(store Store, locker lock.Locker, pub PublishFunc, log *zap.Logger) *Engine {
	if pub == nil {
		pub = func(string, string, any) {}
	}
	return &Engine{
		store:   store,
		locker:  locker,
		weights: &weights.Calculator{Store: store},
		publish: pub,
		log:     log.Named("redistribution"),
	}
}

var (
	errAlreadyApplied   = errors.New("redistribution already applied")
	errNothingCollected = errors.New("losers hold no stake")
)

// leg is one agent's share of a redistribution.
type leg struct {
	agent    string
	score    float64
	lock     int64
	rawDelta int64
	delta    int64
}

func validate(req model.RedistributeRequest) error {
	if req.BeliefID == "" {
		return model.Invalid("belief_id", "required")
	}
	if req.Epoch < 0 {
		return model.Invalid("epoch", "must be >= 0")
	}
	if len(req.Scores) == 0 {
		return model.Invalid("scores", "at least one information score required")
	}
	for id, s := range req.Scores {
		if id == "" {
			return model.Invalid("scores", "empty agent id")
		}
		if math.IsNaN(s) || math.IsInf(s, 0) || s < -1 || s > 1 {
			return model.Invalid("scores", fmt.Sprintf("score %v for %s outside [-1,1]", s, id))
		}
	}
	return nil
}

// Redistribute applies one epoch's information scores for a belief. A second
// call for the same (belief, epoch) returns a Skipped result and changes nothing.
func (e *Engine) Redistribute(ctx context.Context, req model.RedistributeRequest) (model.RedistributeResult, error) {
	res := model.RedistributeResult{
		BeliefID: req.BeliefID,
		Epoch:    req.Epoch,
		Lambda:   decimal.Zero,
		Rewards:  map[string]int64{},
		Slashes:  map[string]int64{},
	}
	if err := validate(req); err != nil {
		return res, err
	}
	belief, err := e.store.GetBelief(ctx, req.BeliefID)
	if err != nil {
		return res, fmt.Errorf("get belief: %w", err)
	}
	if belief == nil {
		return res, fmt.Errorf("belief %s: %w", req.BeliefID, model.ErrNotFound)
	}
	pool := belief.PoolAddress

	unlock, err := e.locker.Lock(ctx, lock.KeyFor(pool))
	if err != nil {
		return res, fmt.Errorf("lock pool %s: %w", pool, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			e.log.Warn("unlock failed", zap.String("pool", pool), zap.Error(err))
		}
	}()

	done, err := e.store.HasRedistribution(ctx, req.BeliefID, req.Epoch)
	if err != nil {
		return res, fmt.Errorf("check prior redistribution: %w", err)
	}
	if done {
		res.Skipped = true
		return res, nil
	}

	locks, err := e.weights.GrossLocks(ctx, pool)
	if err != nil {
		return res, err
	}
	legs := computeLegs(req.Scores, locks)

	raw := make(map[string]int64, len(legs))
	for _, l := range legs {
		raw[l.agent] = max(l.lock, weights.EpsilonStakes)
	}
	norm, err := weights.Normalize(raw)
	if err != nil {
		return res, err
	}

	var winners, losers int
	for _, l := range legs {
		if l.rawDelta > 0 {
			winners++
		} else if l.rawDelta < 0 {
			losers++
		}
	}
	if winners == 0 || losers == 0 {
		e.log.Info("one-sided epoch, no stake moved",
			zap.String("belief", req.BeliefID), zap.Int64("epoch", req.Epoch),
			zap.Int("winners", winners), zap.Int("losers", losers))
		return res, nil
	}

	var events []model.RedistributionEvent
	var lambda decimal.Decimal
	var collected int64
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		events = events[:0]
		collected = 0
		apply := func(l *leg, amount int64) error {
			before, after, err := e.store.AdjustStake(ctx, l.agent, amount)
			if err != nil {
				return fmt.Errorf("adjust stake %s: %w", l.agent, err)
			}
			if want := max(0, before+amount); after != want {
				return fmt.Errorf("adjust stake %s: before %d delta %d gave %d, want %d",
					l.agent, before, amount, after, want)
			}
			l.delta = after - before
			ev := model.RedistributionEvent{
				BeliefID:         req.BeliefID,
				Epoch:            req.Epoch,
				AgentID:          l.agent,
				InformationScore: l.score,
				BeliefWeight:     raw[l.agent],
				NormalizedWeight: norm[l.agent],
				StakeBefore:      before,
				StakeDelta:       l.delta,
				StakeAfter:       after,
			}
			if err := e.store.InsertRedistributionEvent(ctx, &ev); err != nil {
				if errors.Is(err, model.ErrDuplicate) {
					return errAlreadyApplied
				}
				return fmt.Errorf("insert event %s: %w", l.agent, err)
			}
			events = append(events, ev)
			return nil
		}

		// losers first: winners share only what was actually taken
		for i := range legs {
			if legs[i].rawDelta >= 0 {
				continue
			}
			if err := apply(&legs[i], legs[i].rawDelta); err != nil {
				return err
			}
			collected -= legs[i].delta
		}
		if collected == 0 {
			return errNothingCollected
		}
		var err error
		lambda, err = scale(legs, collected)
		if err != nil {
			return err
		}
		for i := range legs {
			if legs[i].rawDelta <= 0 || legs[i].delta == 0 {
				continue
			}
			if err := apply(&legs[i], legs[i].delta); err != nil {
				return err
			}
		}

		var sum int64
		deltas := make(map[string]int64, len(legs))
		for _, l := range legs {
			sum += l.delta
			deltas[l.agent] = l.delta
		}
		if sum != 0 {
			return &model.ConservationViolation{BeliefID: req.BeliefID, Epoch: req.Epoch, Sum: sum, Deltas: deltas}
		}
		return e.store.AppendEvent(ctx, pool, "StakeRedistributed", map[string]any{
			"belief_id": req.BeliefID, "epoch": req.Epoch, "lambda": lambda.String(), "total": collected,
		})
	})
	switch {
	case errors.Is(err, errAlreadyApplied):
		res.Skipped = true
		return res, nil
	case errors.Is(err, errNothingCollected):
		e.log.Info("losers hold no stake, nothing moved",
			zap.String("belief", req.BeliefID), zap.Int64("epoch", req.Epoch))
		return res, nil
	}
	var cv *model.ConservationViolation
	if errors.As(err, &cv) {
		e.log.Error("conservation violated, nothing applied",
			zap.String("belief", req.BeliefID), zap.Int64("epoch", req.Epoch),
			zap.Int64("net", cv.Sum), zap.Any("deltas", cv.Deltas))
	}
	if err != nil {
		return res, err
	}
	res.Lambda = lambda

	for _, l := range legs {
		switch {
		case l.delta > 0:
			res.Rewards[l.agent] = l.delta
		case l.delta < 0:
			res.Slashes[l.agent] = -l.delta
		}
	}
	res.Occurred = true
	res.TotalRedistributed = collected
	res.Events = events

	e.log.Info("stake redistributed",
		zap.String("belief", req.BeliefID), zap.Int64("epoch", req.Epoch),
		zap.String("lambda", lambda.String()), zap.Int64("total", collected),
		zap.Int("winners", winners), zap.Int("losers", losers))
	e.publish(pool, "redistribution", res)
	return res, nil
}

// computeLegs builds one leg per scored agent, ordered by agent ID.
// rawDelta = floor(score × grossLock).
func computeLegs(scores map[string]float64, locks map[string]int64) []leg {
	legs := make([]leg, 0, len(scores))
	for id, s := range scores {
		l := leg{agent: id, score: s, lock: locks[id]}
		l.rawDelta = decimal.NewFromFloat(s).Mul(decimal.NewFromInt(l.lock)).Floor().IntPart()
		legs = append(legs, l)
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].agent < legs[j].agent })
	return legs
}

// scale splits the stake collected from losers across winners in proportion
// to their raw gains, writing each winner's share into delta. The returned
// lambda is collected over total raw gains.
func scale(legs []leg, collected int64) (decimal.Decimal, error) {
	var totalGains int64
	var idx []int
	var gains []int64
	for i, l := range legs {
		if l.rawDelta > 0 {
			totalGains += l.rawDelta
			idx = append(idx, i)
			gains = append(gains, l.rawDelta)
		}
	}
	if totalGains == 0 || collected == 0 {
		return decimal.Zero, nil
	}
	shares, err := fixedpoint.Apportion(collected, gains)
	if err != nil {
		return decimal.Zero, fmt.Errorf("scale rewards: %w", err)
	}
	for k, i := range idx {
		legs[i].delta = shares[k]
	}
	return decimal.NewFromInt(collected).Div(decimal.NewFromInt(totalGains)), nil
}
