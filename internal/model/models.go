package model

import (
	"encoding/json"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Other returns the opposite side of the pool.
func (s Side) Other() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type TradeDirection string

const (
	DirectionBuy  TradeDirection = "BUY"
	DirectionSell TradeDirection = "SELL"
)

type BeliefStatus string

const (
	BeliefActive   BeliefStatus = "ACTIVE"
	BeliefResolved BeliefStatus = "RESOLVED"
)

// ── Domain Objects ───────────────────────────────────

// Pool is the two-sided bonding-curve market attached to one belief.
// Supplies are micro-token units, reserves and vault are micro-USDC.
type Pool struct {
	Address           string        `json:"address"`
	BeliefID          string        `json:"belief_id"`
	SupplyLong        int64         `json:"supply_long"`
	SupplyShort       int64         `json:"supply_short"`
	SqrtPriceLongX96  *uint256.Int  `json:"sqrt_price_long_x96"`
	SqrtPriceShortX96 *uint256.Int  `json:"sqrt_price_short_x96"`
	ReserveLong       int64         `json:"reserve_long"`
	ReserveShort      int64         `json:"reserve_short"`
	VaultBalance      int64         `json:"vault_balance"`
	CurrentEpoch      int64         `json:"current_epoch"`
	MinSettleInterval time.Duration `json:"min_settle_interval"`
	LastSettledAt     *time.Time    `json:"last_settled_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Supply returns the micro-token supply of one side.
func (p *Pool) Supply(side Side) int64 {
	if side == SideLong {
		return p.SupplyLong
	}
	return p.SupplyShort
}

// Reserve returns the micro-USDC reserve of one side.
func (p *Pool) Reserve(side Side) int64 {
	if side == SideLong {
		return p.ReserveLong
	}
	return p.ReserveShort
}

type Belief struct {
	ID                string       `json:"id"`
	PoolAddress       string       `json:"pool_address"`
	PreviousAggregate *float64     `json:"previous_aggregate"`
	Status            BeliefStatus `json:"status"`
	CreatedEpoch      int64        `json:"created_epoch"`
	ExpirationEpoch   int64        `json:"expiration_epoch"`
}

// Position is one agent's holding of one side of a pool.
type Position struct {
	AgentID       string    `json:"agent_id"`
	PoolAddress   string    `json:"pool_address"`
	Side          Side      `json:"side"`
	TokenBalance  int64     `json:"token_balance"`
	BeliefLock    int64     `json:"belief_lock"`
	LastBuyAmount int64     `json:"last_buy_amount"`
	TotalBought   int64     `json:"total_bought"`
	TotalSold     int64     `json:"total_sold"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Open reports whether the position still carries influence.
func (p Position) Open() bool { return p.TokenBalance > 0 }

type Agent struct {
	ID                string `json:"id"`
	TotalStake        int64  `json:"total_stake"`
	ActiveBeliefCount int    `json:"active_belief_count"`
}

type SettlementRecord struct {
	ID                string     `json:"id"`
	PoolAddress       string     `json:"pool_address"`
	BeliefID          string     `json:"belief_id"`
	Epoch             int64      `json:"epoch"`
	TxRef             string     `json:"tx_ref"`
	BDScore           float64    `json:"bd_score"`
	ScoreQ32          uint64     `json:"score_q32"`
	Confirmed         bool       `json:"confirmed"`
	ReserveLongAfter  int64      `json:"reserve_long_after"`
	ReserveShortAfter int64      `json:"reserve_short_after"`
	CreatedAt         time.Time  `json:"created_at"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
}

type RedistributionEvent struct {
	ID               string    `json:"id"`
	BeliefID         string    `json:"belief_id"`
	Epoch            int64     `json:"epoch"`
	AgentID          string    `json:"agent_id"`
	InformationScore float64   `json:"information_score"`
	BeliefWeight     int64     `json:"belief_weight"`
	NormalizedWeight float64   `json:"normalized_weight"`
	StakeBefore      int64     `json:"stake_before"`
	StakeDelta       int64     `json:"stake_delta"`
	StakeAfter       int64     `json:"stake_after"`
	CreatedAt        time.Time `json:"created_at"`
}

// InformationScore is written by the external scoring process.
type InformationScore struct {
	BeliefID string  `json:"belief_id"`
	Epoch    int64   `json:"epoch"`
	AgentID  string  `json:"agent_id"`
	Score    float64 `json:"score"`
}

// EventLog is an append-only audit row for a pool.
type EventLog struct {
	ID          int64           `json:"id"`
	PoolAddress string          `json:"pool_address"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type SettleRequest struct {
	PoolAddress string `json:"pool_address"`
	Epoch       *int64 `json:"epoch,omitempty"`
}

func (r SettleRequest) Validate() error {
	if r.PoolAddress == "" {
		return Invalid("pool_address", "required")
	}
	if r.Epoch != nil && *r.Epoch < 0 {
		return Invalid("epoch", "must be >= 0")
	}
	return nil
}

type SettleResult struct {
	PoolAddress  string  `json:"pool_address"`
	Epoch        int64   `json:"epoch"`
	Settled      bool    `json:"settled"`
	Skipped      bool    `json:"skipped"`
	Unconfirmed  bool    `json:"unconfirmed"`
	TxRef        string  `json:"tx_ref,omitempty"`
	BDScore      float64 `json:"bd_score"`
	ScoreQ32     uint64  `json:"score_q32"`
	ReserveLong  int64   `json:"reserve_long"`
	ReserveShort int64   `json:"reserve_short"`
	Slot         uint64  `json:"slot,omitempty"`
}

type RedistributeRequest struct {
	BeliefID string             `json:"belief_id"`
	Epoch    int64              `json:"epoch"`
	Scores   map[string]float64 `json:"scores"`
}

type RedistributeResult struct {
	BeliefID           string                `json:"belief_id"`
	Epoch              int64                 `json:"epoch"`
	Occurred           bool                  `json:"occurred"`
	Skipped            bool                  `json:"skipped"`
	Lambda             decimal.Decimal       `json:"lambda"`
	TotalRedistributed int64                 `json:"total_redistributed"`
	Rewards            map[string]int64      `json:"rewards"`
	Slashes            map[string]int64      `json:"slashes"`
	Events             []RedistributionEvent `json:"events"`
}

type TradeRequest struct {
	AgentID     string         `json:"agent_id"`
	Side        Side           `json:"side"`
	Direction   TradeDirection `json:"direction"`
	TokenAmount int64          `json:"token_amount"`
	USDCAmount  int64          `json:"usdc_amount"`
	TxRef       string         `json:"tx_ref"`
}

func (r TradeRequest) Validate() error {
	switch {
	case r.AgentID == "":
		return Invalid("agent_id", "required")
	case !r.Side.Valid():
		return Invalid("side", "must be LONG or SHORT")
	case r.Direction != DirectionBuy && r.Direction != DirectionSell:
		return Invalid("direction", "must be BUY or SELL")
	case r.TokenAmount <= 0:
		return Invalid("token_amount", "must be > 0")
	case r.USDCAmount <= 0:
		return Invalid("usdc_amount", "must be > 0")
	}
	return nil
}

type TradeResult struct {
	Pool     Pool     `json:"pool"`
	Position Position `json:"position"`
}

type Quote struct {
	PoolAddress      string          `json:"pool_address"`
	Side             Side            `json:"side"`
	Price            decimal.Decimal `json:"price"`
	MarketPrediction decimal.Decimal `json:"market_prediction"`
	ImpliedByReserve decimal.Decimal `json:"implied_by_reserve"`
}
