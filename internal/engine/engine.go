// Package engine records confirmed trades against pools. Each pool is owned by
// one goroutine fed through a command channel, so trades on a pool apply in order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"belief-market/internal/curve"
	"belief-market/internal/fixedpoint"
	"belief-market/internal/model"
)

// BeliefLockBps is the share of each buy committed as belief lock, in basis points.
const BeliefLockBps = 200

// PublishFunc broadcasts a WS message for a pool.
type PublishFunc func(poolAddress, msgType string, data any)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetPool(ctx context.Context, address string) (*model.Pool, error)
	UpdatePool(ctx context.Context, p *model.Pool) error
	ListActivePools(ctx context.Context) ([]model.Pool, error)
	GetPosition(ctx context.Context, agentID, pool string, side model.Side) (*model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	EnsureAgent(ctx context.Context, id string) error
	AdjustStake(ctx context.Context, agentID string, delta int64) (before, after int64, err error)
	AdjustActiveBeliefs(ctx context.Context, agentID string, delta int) (int, error)
	AppendEvent(ctx context.Context, pool, evType string, payload any) error
}

// TradeEvent is published to pool subscribers after a trade is applied.
type TradeEvent struct {
	PoolAddress string               `json:"pool_address"`
	AgentID     string               `json:"agent_id"`
	Side        model.Side           `json:"side"`
	Direction   model.TradeDirection `json:"direction"`
	TokenAmount int64                `json:"token_amount"`
	USDCAmount  int64                `json:"usdc_amount"`
	TxRef       string               `json:"tx_ref,omitempty"`
	At          time.Time            `json:"at"`
}

// ── Manager ──────────────────────────────────────────

type Manager struct {
	engines map[string]*PoolEngine
	mu      sync.RWMutex
	store   Store
	params  curve.Params
	publish PublishFunc
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store Store, params curve.Params, pub PublishFunc, log *zap.Logger) *Manager {
	if pub == nil {
		pub = func(string, string, any) {}
	}
	// engines outlive the request that starts them
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engines: make(map[string]*PoolEngine),
		store:   store,
		params:  params,
		publish: pub,
		log:     log.Named("engine"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Boot starts an engine for every active pool.
func (m *Manager) Boot(ctx context.Context) error {
	pools, err := m.store.ListActivePools(ctx)
	if err != nil {
		return err
	}
	for _, p := range pools {
		m.startEngine(p.Address)
	}
	m.log.Info("booted pool engines", zap.Int("pools", len(pools)))
	return nil
}

func (m *Manager) startEngine(address string) *PoolEngine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eng, ok := m.engines[address]; ok {
		return eng
	}
	eng := &PoolEngine{
		address: address,
		cmdCh:   make(chan command, 64),
		store:   m.store,
		params:  m.params,
		publish: m.publish,
		log:     m.log.With(zap.String("pool", address)),
		done:    m.ctx.Done(),
	}
	m.engines[address] = eng
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		eng.run(m.ctx)
	}()
	return eng
}

func (m *Manager) GetEngine(address string) *PoolEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[address]
}

// RecordTrade routes a trade to the pool's engine, starting it if the pool exists.
func (m *Manager) RecordTrade(ctx context.Context, address string, req model.TradeRequest) (model.TradeResult, error) {
	eng := m.GetEngine(address)
	if eng == nil {
		pool, err := m.store.GetPool(ctx, address)
		if err != nil {
			return model.TradeResult{}, err
		}
		if pool == nil {
			return model.TradeResult{}, fmt.Errorf("pool %s: %w", address, model.ErrNotFound)
		}
		eng = m.startEngine(address)
	}
	return eng.Record(ctx, req)
}

// Stop halts every engine and waits for in-flight commands.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// ── PoolEngine ───────────────────────────────────────

type PoolEngine struct {
	address string
	cmdCh   chan command
	store   Store
	params  curve.Params
	publish PublishFunc
	log     *zap.Logger
	done    <-chan struct{}
}

var errStopped = errors.New("trade engine stopped")

func (e *PoolEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *PoolEngine) }

type tradeReply struct {
	res model.TradeResult
	err error
}

type tradeCmd struct {
	ctx context.Context
	req model.TradeRequest
	ch  chan<- tradeReply
}

func (c tradeCmd) exec(e *PoolEngine) {
	res, err := e.applyTrade(c.ctx, c.req)
	c.ch <- tradeReply{res: res, err: err}
}

// Record sends a trade to the pool goroutine and waits for it to apply.
func (e *PoolEngine) Record(ctx context.Context, req model.TradeRequest) (model.TradeResult, error) {
	if err := req.Validate(); err != nil {
		return model.TradeResult{}, err
	}
	ch := make(chan tradeReply, 1)
	select {
	case e.cmdCh <- tradeCmd{ctx: ctx, req: req, ch: ch}:
	case <-ctx.Done():
		return model.TradeResult{}, ctx.Err()
	case <-e.done:
		return model.TradeResult{}, errStopped
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return model.TradeResult{}, ctx.Err()
	case <-e.done:
		return model.TradeResult{}, errStopped
	}
}

// ── Apply Trade ──────────────────────────────────────

func (e *PoolEngine) applyTrade(ctx context.Context, req model.TradeRequest) (model.TradeResult, error) {
	var pool *model.Pool
	var pos *model.Position
	var ev TradeEvent
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		pool, err = e.store.GetPool(ctx, e.address)
		if err != nil {
			return err
		}
		if pool == nil {
			return fmt.Errorf("pool %s: %w", e.address, model.ErrNotFound)
		}
		if err := e.store.EnsureAgent(ctx, req.AgentID); err != nil {
			return err
		}
		pos, err = e.store.GetPosition(ctx, req.AgentID, e.address, req.Side)
		if err != nil {
			return err
		}
		if pos == nil {
			pos = &model.Position{AgentID: req.AgentID, PoolAddress: e.address, Side: req.Side}
		}
		other, err := e.store.GetPosition(ctx, req.AgentID, e.address, req.Side.Other())
		if err != nil {
			return err
		}
		otherOpen := other != nil && other.Open()
		wasOpen := pos.Open() || otherOpen
		lockBefore := pos.BeliefLock

		switch req.Direction {
		case model.DirectionBuy:
			err = e.buy(pool, pos, req)
		case model.DirectionSell:
			err = e.sell(pool, pos, req)
		}
		if err != nil {
			return err
		}

		if d := pos.BeliefLock - lockBefore; d != 0 {
			if _, _, err := e.store.AdjustStake(ctx, req.AgentID, d); err != nil {
				return fmt.Errorf("commit belief lock: %w", err)
			}
		}
		switch isOpen := pos.Open() || otherOpen; {
		case isOpen && !wasOpen:
			_, err = e.store.AdjustActiveBeliefs(ctx, req.AgentID, 1)
		case wasOpen && !isOpen:
			_, err = e.store.AdjustActiveBeliefs(ctx, req.AgentID, -1)
		}
		if err != nil {
			return fmt.Errorf("active beliefs: %w", err)
		}

		curve.SyncSqrtPrices(pool, e.params)
		if err := e.store.UpdatePool(ctx, pool); err != nil {
			return err
		}
		if err := e.store.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		ev = TradeEvent{
			PoolAddress: e.address,
			AgentID:     req.AgentID,
			Side:        req.Side,
			Direction:   req.Direction,
			TokenAmount: req.TokenAmount,
			USDCAmount:  req.USDCAmount,
			TxRef:       req.TxRef,
			At:          pos.UpdatedAt,
		}
		return e.store.AppendEvent(ctx, e.address, "TradeRecorded", ev)
	})
	if err != nil {
		return model.TradeResult{}, err
	}

	e.log.Debug("trade applied",
		zap.String("agent", req.AgentID), zap.String("side", string(req.Side)),
		zap.String("direction", string(req.Direction)),
		zap.Int64("tokens", req.TokenAmount), zap.Int64("usdc", req.USDCAmount))
	e.publish(e.address, "trade", ev)
	e.publish(e.address, "pool_state", pool)
	return model.TradeResult{Pool: *pool, Position: *pos}, nil
}

// buy replaces the position's belief lock with a share of this purchase; the
// caller moves the difference in or out of the agent's stake.
func (e *PoolEngine) buy(pool *model.Pool, pos *model.Position, req model.TradeRequest) error {
	lock, err := fixedpoint.MulDiv(req.USDCAmount, BeliefLockBps, 10_000)
	if err != nil {
		return err
	}
	if req.Side == model.SideLong {
		pool.SupplyLong += req.TokenAmount
		pool.ReserveLong += req.USDCAmount
	} else {
		pool.SupplyShort += req.TokenAmount
		pool.ReserveShort += req.USDCAmount
	}
	pool.VaultBalance += req.USDCAmount

	pos.TokenBalance += req.TokenAmount
	pos.TotalBought += req.TokenAmount
	pos.LastBuyAmount = req.USDCAmount
	pos.BeliefLock = lock
	return nil
}

// sell pays out of the side's reserve first and the opposite reserve for any
// shortfall, keeping reserveLong + reserveShort equal to the vault.
func (e *PoolEngine) sell(pool *model.Pool, pos *model.Position, req model.TradeRequest) error {
	if req.TokenAmount > pos.TokenBalance {
		return model.Invalid("token_amount", fmt.Sprintf("sells %d, position holds %d", req.TokenAmount, pos.TokenBalance))
	}
	if req.TokenAmount > pool.Supply(req.Side) {
		return model.Invalid("token_amount", "exceeds pool supply")
	}
	if req.USDCAmount > pool.VaultBalance || req.USDCAmount > pool.ReserveLong+pool.ReserveShort {
		return model.Invalid("usdc_amount", fmt.Sprintf("pays %d, vault holds %d", req.USDCAmount, pool.VaultBalance))
	}

	self, other := &pool.ReserveLong, &pool.ReserveShort
	if req.Side == model.SideShort {
		self, other = other, self
		pool.SupplyShort -= req.TokenAmount
	} else {
		pool.SupplyLong -= req.TokenAmount
	}
	fromSelf := min(req.USDCAmount, *self)
	*self -= fromSelf
	*other -= req.USDCAmount - fromSelf
	pool.VaultBalance -= req.USDCAmount

	pos.TokenBalance -= req.TokenAmount
	pos.TotalSold += req.TokenAmount
	if pos.TokenBalance == 0 {
		pos.BeliefLock = 0
	}
	return nil
}
