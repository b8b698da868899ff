// Package memstore is an in-process implementation of the persistence
// contracts, used by tests and by the server when no DSN is configured.
//
// Writes are serialized by a single writer lock. WithTx holds that lock for
// the whole callback and restores a snapshot if the callback fails, so the
// atomicity the engines rely on holds here as it does in Postgres.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"belief-market/internal/model"
)

type posKey struct {
	agent, pool string
	side        model.Side
}

type eventKey struct {
	belief string
	epoch  int64
	agent  string
}

type scoreKey = eventKey

type state struct {
	pools       map[string]model.Pool
	beliefs     map[string]model.Belief
	positions   map[posKey]model.Position
	agents      map[string]model.Agent
	settlements map[string]model.SettlementRecord
	events      map[eventKey]model.RedistributionEvent
	scores      map[scoreKey]model.InformationScore
	log         []model.EventLog
}

func newState() state {
	return state{
		pools:       make(map[string]model.Pool),
		beliefs:     make(map[string]model.Belief),
		positions:   make(map[posKey]model.Position),
		agents:      make(map[string]model.Agent),
		settlements: make(map[string]model.SettlementRecord),
		events:      make(map[eventKey]model.RedistributionEvent),
		scores:      make(map[scoreKey]model.InformationScore),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.pools {
		c.pools[k] = clonePool(v)
	}
	for k, v := range s.beliefs {
		c.beliefs[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.scores {
		c.scores[k] = v
	}
	c.log = append([]model.EventLog(nil), s.log...)
	return c
}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   state
	Now  func() time.Time
}

func New() *Store {
	return &Store{st: newState(), Now: time.Now}
}

type txKey struct{}

func inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(bool)
	return ok
}

// WithTx runs fn atomically. Nested calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snap := s.st.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snap
		s.mu.Unlock()
		return err
	}
	return nil
}

// write applies one mutation, taking the writer lock unless ctx already holds it.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.st)
}

func (s *Store) read(ctx context.Context, fn func(st *state)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.st)
	return nil
}

func clonePool(p model.Pool) model.Pool {
	if p.SqrtPriceLongX96 != nil {
		p.SqrtPriceLongX96 = new(uint256.Int).Set(p.SqrtPriceLongX96)
	}
	if p.SqrtPriceShortX96 != nil {
		p.SqrtPriceShortX96 = new(uint256.Int).Set(p.SqrtPriceShortX96)
	}
	if p.LastSettledAt != nil {
		t := *p.LastSettledAt
		p.LastSettledAt = &t
	}
	return p
}

// ── Pools & Beliefs ──────────────────────────────────

// CreatePool registers a pool and its belief at epoch 0.
func (s *Store) CreatePool(ctx context.Context, pool *model.Pool, belief *model.Belief) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.pools[pool.Address]; ok {
			return fmt.Errorf("pool %s: %w", pool.Address, model.ErrDuplicate)
		}
		if _, ok := st.beliefs[belief.ID]; ok {
			return fmt.Errorf("belief %s: %w", belief.ID, model.ErrDuplicate)
		}
		if pool.CreatedAt.IsZero() {
			pool.CreatedAt = s.Now()
		}
		if belief.Status == "" {
			belief.Status = model.BeliefActive
		}
		pool.BeliefID = belief.ID
		belief.PoolAddress = pool.Address
		st.pools[pool.Address] = clonePool(*pool)
		st.beliefs[belief.ID] = *belief
		return nil
	})
}

func (s *Store) GetPool(ctx context.Context, address string) (*model.Pool, error) {
	var out *model.Pool
	err := s.read(ctx, func(st *state) {
		if p, ok := st.pools[address]; ok {
			c := clonePool(p)
			out = &c
		}
	})
	return out, err
}

func (s *Store) UpdatePool(ctx context.Context, p *model.Pool) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.pools[p.Address]; !ok {
			return fmt.Errorf("pool %s: %w", p.Address, model.ErrNotFound)
		}
		st.pools[p.Address] = clonePool(*p)
		return nil
	})
}

// ListActivePools returns pools whose belief is still active, by address.
func (s *Store) ListActivePools(ctx context.Context) ([]model.Pool, error) {
	var out []model.Pool
	err := s.read(ctx, func(st *state) {
		for _, p := range st.pools {
			if b, ok := st.beliefs[p.BeliefID]; ok && b.Status == model.BeliefActive {
				out = append(out, clonePool(p))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, err
}

func (s *Store) GetBelief(ctx context.Context, id string) (*model.Belief, error) {
	var out *model.Belief
	err := s.read(ctx, func(st *state) {
		if b, ok := st.beliefs[id]; ok {
			out = &b
		}
	})
	return out, err
}

// SetBeliefScore records the ground-truth aggregate produced by the scoring process.
func (s *Store) SetBeliefScore(ctx context.Context, id string, score float64) error {
	return s.write(ctx, func(st *state) error {
		b, ok := st.beliefs[id]
		if !ok {
			return fmt.Errorf("belief %s: %w", id, model.ErrNotFound)
		}
		b.PreviousAggregate = &score
		st.beliefs[id] = b
		return nil
	})
}

// ── Positions ────────────────────────────────────────

func (s *Store) GetPosition(ctx context.Context, agentID, pool string, side model.Side) (*model.Position, error) {
	var out *model.Position
	err := s.read(ctx, func(st *state) {
		if p, ok := st.positions[posKey{agentID, pool, side}]; ok {
			out = &p
		}
	})
	return out, err
}

func (s *Store) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.write(ctx, func(st *state) error {
		p.UpdatedAt = s.Now()
		st.positions[posKey{p.AgentID, p.PoolAddress, p.Side}] = *p
		return nil
	})
}

func (s *Store) ListPositions(ctx context.Context, pool string) ([]model.Position, error) {
	var out []model.Position
	err := s.read(ctx, func(st *state) {
		for k, p := range st.positions {
			if k.pool == pool {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Side < out[j].Side
	})
	return out, err
}

// ── Agents ───────────────────────────────────────────

func (s *Store) PutAgent(ctx context.Context, a *model.Agent) error {
	return s.write(ctx, func(st *state) error {
		st.agents[a.ID] = *a
		return nil
	})
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var out *model.Agent
	err := s.read(ctx, func(st *state) {
		if a, ok := st.agents[id]; ok {
			out = &a
		}
	})
	return out, err
}

// EnsureAgent creates a zero-stake agent if none exists.
func (s *Store) EnsureAgent(ctx context.Context, id string) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.agents[id]; !ok {
			st.agents[id] = model.Agent{ID: id}
		}
		return nil
	})
}

// AdjustStake adds delta to the agent's stake, flooring at zero, and
// returns the stake before and after in one step.
func (s *Store) AdjustStake(ctx context.Context, agentID string, delta int64) (before, after int64, err error) {
	err = s.write(ctx, func(st *state) error {
		a, ok := st.agents[agentID]
		if !ok {
			return fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
		}
		before = a.TotalStake
		a.TotalStake = max(0, a.TotalStake+delta)
		after = a.TotalStake
		st.agents[agentID] = a
		return nil
	})
	return before, after, err
}

// AdjustActiveBeliefs moves the agent's count of pools with an open
// position by delta, flooring at zero.
func (s *Store) AdjustActiveBeliefs(ctx context.Context, agentID string, delta int) (int, error) {
	var n int
	err := s.write(ctx, func(st *state) error {
		a, ok := st.agents[agentID]
		if !ok {
			return fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
		}
		a.ActiveBeliefCount = max(0, a.ActiveBeliefCount+delta)
		n = a.ActiveBeliefCount
		st.agents[agentID] = a
		return nil
	})
	return n, err
}

// ── Settlements ──────────────────────────────────────

func (s *Store) GetSettlement(ctx context.Context, pool string, epoch int64) (*model.SettlementRecord, error) {
	var out *model.SettlementRecord
	err := s.read(ctx, func(st *state) {
		for _, r := range st.settlements {
			if r.PoolAddress == pool && r.Epoch == epoch {
				out = &r
				return
			}
		}
	})
	return out, err
}

func (s *Store) LatestConfirmedSettlement(ctx context.Context, pool string) (*model.SettlementRecord, error) {
	var out *model.SettlementRecord
	err := s.read(ctx, func(st *state) {
		for _, r := range st.settlements {
			if r.PoolAddress != pool || !r.Confirmed {
				continue
			}
			if out == nil || r.Epoch > out.Epoch {
				c := r
				out = &c
			}
		}
	})
	return out, err
}

// InsertSettlement adds a record; a second record for the same (pool, epoch) is ErrDuplicate.
func (s *Store) InsertSettlement(ctx context.Context, r *model.SettlementRecord) error {
	return s.write(ctx, func(st *state) error {
		for _, ex := range st.settlements {
			if ex.PoolAddress == r.PoolAddress && ex.Epoch == r.Epoch {
				return fmt.Errorf("settlement %s/%d: %w", r.PoolAddress, r.Epoch, model.ErrDuplicate)
			}
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.Now()
		}
		st.settlements[r.ID] = *r
		return nil
	})
}

func (s *Store) UpdateSettlement(ctx context.Context, r *model.SettlementRecord) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.settlements[r.ID]; !ok {
			return fmt.Errorf("settlement %s: %w", r.ID, model.ErrNotFound)
		}
		st.settlements[r.ID] = *r
		return nil
	})
}

// ── Redistribution events ────────────────────────────

func (s *Store) HasRedistribution(ctx context.Context, beliefID string, epoch int64) (bool, error) {
	var found bool
	err := s.read(ctx, func(st *state) {
		for k := range st.events {
			if k.belief == beliefID && k.epoch == epoch {
				found = true
				return
			}
		}
	})
	return found, err
}

// InsertRedistributionEvent appends one audit row; (belief, epoch, agent) is unique.
func (s *Store) InsertRedistributionEvent(ctx context.Context, ev *model.RedistributionEvent) error {
	return s.write(ctx, func(st *state) error {
		k := eventKey{ev.BeliefID, ev.Epoch, ev.AgentID}
		if _, ok := st.events[k]; ok {
			return fmt.Errorf("event %s/%d/%s: %w", ev.BeliefID, ev.Epoch, ev.AgentID, model.ErrDuplicate)
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = s.Now()
		}
		st.events[k] = *ev
		return nil
	})
}

// ListRedistributionEvents returns a belief's events, optionally for one epoch.
func (s *Store) ListRedistributionEvents(ctx context.Context, beliefID string, epoch *int64) ([]model.RedistributionEvent, error) {
	var out []model.RedistributionEvent
	err := s.read(ctx, func(st *state) {
		for k, ev := range st.events {
			if k.belief != beliefID || (epoch != nil && k.epoch != *epoch) {
				continue
			}
			out = append(out, ev)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch < out[j].Epoch
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, err
}

// ── Information scores ───────────────────────────────

func (s *Store) PutInformationScore(ctx context.Context, sc *model.InformationScore) error {
	return s.write(ctx, func(st *state) error {
		st.scores[scoreKey{sc.BeliefID, sc.Epoch, sc.AgentID}] = *sc
		return nil
	})
}

func (s *Store) ListInformationScores(ctx context.Context, beliefID string, epoch int64) ([]model.InformationScore, error) {
	var out []model.InformationScore
	err := s.read(ctx, func(st *state) {
		for k, sc := range st.scores {
			if k.belief == beliefID && k.epoch == epoch {
				out = append(out, sc)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, err
}

// ── Event log ────────────────────────────────────────

func (s *Store) AppendEvent(ctx context.Context, pool, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(ctx, func(st *state) error {
		st.log = append(st.log, model.EventLog{
			ID:          int64(len(st.log) + 1),
			PoolAddress: pool,
			Type:        evType,
			Payload:     b,
			CreatedAt:   s.Now(),
		})
		return nil
	})
}

// ListEvents returns the newest events of a pool first.
func (s *Store) ListEvents(ctx context.Context, pool string, limit int) ([]model.EventLog, error) {
	var out []model.EventLog
	err := s.read(ctx, func(st *state) {
		for i := len(st.log) - 1; i >= 0 && len(out) < limit; i-- {
			if st.log[i].PoolAddress == pool {
				out = append(out, st.log[i])
			}
		}
	})
	return out, err
}
