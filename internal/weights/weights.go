// Package weights turns belief locks into normalized influence weights.
package weights

import (
	"context"
	"fmt"
	"math"
	"sort"

	"belief-market/internal/model"
)

const (
	// EpsilonStakes is the raw weight floor in micro units, so agents without
	// an open position still carry a sliver of influence.
	EpsilonStakes int64 = 1
	// EpsilonProbability bounds how far the normalized weights may drift from 1.
	EpsilonProbability = 1e-10
)

type PositionReader interface {
	ListPositions(ctx context.Context, poolAddress string) ([]model.Position, error)
}

type Calculator struct {
	Store PositionReader
}

type Result struct {
	Weights    map[string]float64 `json:"weights"`
	RawWeights map[string]int64   `json:"raw_weights"`
	// Uniform is set when none of the agents holds a lock, so every weight
	// comes from the floor and the agents share equally.
	Uniform bool `json:"uniform"`
}

// Compute returns normalized weights for the given agents on one pool.
// Duplicate agent IDs are collapsed.
func (c *Calculator) Compute(ctx context.Context, poolAddress string, agentIDs []string) (Result, error) {
	agents := dedupe(agentIDs)
	if len(agents) == 0 {
		return Result{}, model.Invalid("agents", "at least one agent required")
	}
	locks, err := c.GrossLocks(ctx, poolAddress)
	if err != nil {
		return Result{}, err
	}
	raw := make(map[string]int64, len(agents))
	uniform := true
	for _, id := range agents {
		if locks[id] > 0 {
			uniform = false
		}
		raw[id] = max(locks[id], EpsilonStakes)
	}
	w, err := Normalize(raw)
	if err != nil {
		return Result{}, err
	}
	return Result{Weights: w, RawWeights: raw, Uniform: uniform}, nil
}

// GrossLocks sums the belief lock of every open position per agent in the pool.
func (c *Calculator) GrossLocks(ctx context.Context, poolAddress string) (map[string]int64, error) {
	positions, err := c.Store.ListPositions(ctx, poolAddress)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", poolAddress, err)
	}
	return SumLocks(positions), nil
}

// SumLocks aggregates belief locks per agent, skipping closed positions.
func SumLocks(positions []model.Position) map[string]int64 {
	out := make(map[string]int64)
	for _, p := range positions {
		if !p.Open() || p.BeliefLock <= 0 {
			continue
		}
		out[p.AgentID] += p.BeliefLock
	}
	return out
}

// Normalize divides each raw weight by the total. An all-zero map shares
// equally.
func Normalize(raw map[string]int64) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, model.Invalid("agents", "at least one agent required")
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]float64, len(raw))
	var total float64
	for _, id := range ids {
		v := raw[id]
		if v < 0 {
			return nil, model.Invalid("weight", fmt.Sprintf("negative raw weight for %s", id))
		}
		total += float64(v)
	}

	n := float64(len(ids))
	var sum float64
	for _, id := range ids {
		if total == 0 {
			out[id] = 1 / n
		} else {
			out[id] = float64(raw[id]) / total
		}
		sum += out[id]
	}
	if math.Abs(sum-1) >= EpsilonProbability {
		return nil, &model.NormalizationError{Sum: sum}
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
