package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/lib/pq"

	"belief-market/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.DB.Close() }

// ── Transactions ─────────────────────────────────────

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.DB
}

// WithTx runs fn inside one transaction. Store calls made with the ctx passed
// to fn join it; nested calls reuse the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ── Pools ────────────────────────────────────────────

const poolCols = `address, belief_id, supply_long, supply_short, sqrt_price_long_x96, sqrt_price_short_x96,
	reserve_long, reserve_short, vault_balance, current_epoch, min_settle_interval_seconds,
	last_settled_at, created_at`

func scanPool(row interface{ Scan(...any) error }) (*model.Pool, error) {
	p := &model.Pool{}
	var sqrtLong, sqrtShort string
	var interval int64
	var last sql.NullTime
	err := row.Scan(&p.Address, &p.BeliefID, &p.SupplyLong, &p.SupplyShort, &sqrtLong, &sqrtShort,
		&p.ReserveLong, &p.ReserveShort, &p.VaultBalance, &p.CurrentEpoch, &interval,
		&last, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if p.SqrtPriceLongX96, err = uint256.FromDecimal(sqrtLong); err != nil {
		return nil, fmt.Errorf("pool %s sqrt_price_long_x96: %w", p.Address, err)
	}
	if p.SqrtPriceShortX96, err = uint256.FromDecimal(sqrtShort); err != nil {
		return nil, fmt.Errorf("pool %s sqrt_price_short_x96: %w", p.Address, err)
	}
	p.MinSettleInterval = time.Duration(interval) * time.Second
	if last.Valid {
		t := last.Time
		p.LastSettledAt = &t
	}
	return p, nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// CreatePool registers a pool and its belief at epoch 0.
func (s *Store) CreatePool(ctx context.Context, p *model.Pool, b *model.Belief) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if b.Status == "" {
			b.Status = model.BeliefActive
		}
		p.BeliefID, b.PoolAddress = b.ID, p.Address
		err := s.q(ctx).QueryRowContext(ctx,
			`INSERT INTO pools (address, belief_id, supply_long, supply_short, sqrt_price_long_x96, sqrt_price_short_x96,
				reserve_long, reserve_short, vault_balance, current_epoch, min_settle_interval_seconds)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING created_at`,
			p.Address, p.BeliefID, p.SupplyLong, p.SupplyShort, decString(p.SqrtPriceLongX96), decString(p.SqrtPriceShortX96),
			p.ReserveLong, p.ReserveShort, p.VaultBalance, p.CurrentEpoch, int64(p.MinSettleInterval/time.Second),
		).Scan(&p.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("pool %s: %w", p.Address, model.ErrDuplicate)
		}
		if err != nil {
			return err
		}
		_, err = s.q(ctx).ExecContext(ctx,
			`INSERT INTO beliefs (id, pool_address, previous_aggregate, status, created_epoch, expiration_epoch)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			b.ID, b.PoolAddress, b.PreviousAggregate, b.Status, b.CreatedEpoch, b.ExpirationEpoch)
		if isUniqueViolation(err) {
			return fmt.Errorf("belief %s: %w", b.ID, model.ErrDuplicate)
		}
		return err
	})
}

// GetPool reads a pool; inside a transaction the row is locked until commit.
func (s *Store) GetPool(ctx context.Context, address string) (*model.Pool, error) {
	query := `SELECT ` + poolCols + ` FROM pools WHERE address=$1`
	if _, ok := txFrom(ctx); ok {
		query += ` FOR UPDATE`
	}
	p, err := scanPool(s.q(ctx).QueryRowContext(ctx, query, address))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) UpdatePool(ctx context.Context, p *model.Pool) error {
	var last any
	if p.LastSettledAt != nil {
		last = *p.LastSettledAt
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE pools SET supply_long=$2, supply_short=$3, sqrt_price_long_x96=$4, sqrt_price_short_x96=$5,
			reserve_long=$6, reserve_short=$7, vault_balance=$8, current_epoch=$9, last_settled_at=$10
		 WHERE address=$1`,
		p.Address, p.SupplyLong, p.SupplyShort, decString(p.SqrtPriceLongX96), decString(p.SqrtPriceShortX96),
		p.ReserveLong, p.ReserveShort, p.VaultBalance, p.CurrentEpoch, last)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pool %s: %w", p.Address, model.ErrNotFound)
	}
	return nil
}

func (s *Store) ListActivePools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+poolCols+` FROM pools p
		 WHERE EXISTS (SELECT 1 FROM beliefs b WHERE b.id = p.belief_id AND b.status = 'ACTIVE')
		 ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ── Beliefs ──────────────────────────────────────────

func (s *Store) GetBelief(ctx context.Context, id string) (*model.Belief, error) {
	b := &model.Belief{}
	var agg sql.NullFloat64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, pool_address, previous_aggregate, status, created_epoch, expiration_epoch
		 FROM beliefs WHERE id=$1`, id,
	).Scan(&b.ID, &b.PoolAddress, &agg, &b.Status, &b.CreatedEpoch, &b.ExpirationEpoch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if agg.Valid {
		v := agg.Float64
		b.PreviousAggregate = &v
	}
	return b, nil
}

func (s *Store) SetBeliefScore(ctx context.Context, id string, score float64) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE beliefs SET previous_aggregate=$2 WHERE id=$1`, id, score)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("belief %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ── Positions ────────────────────────────────────────

const positionCols = `agent_id, pool_address, side, token_balance, belief_lock, last_buy_amount,
	total_bought, total_sold, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (*model.Position, error) {
	p := &model.Position{}
	err := row.Scan(&p.AgentID, &p.PoolAddress, &p.Side, &p.TokenBalance, &p.BeliefLock,
		&p.LastBuyAmount, &p.TotalBought, &p.TotalSold, &p.UpdatedAt)
	return p, err
}

func (s *Store) GetPosition(ctx context.Context, agentID, pool string, side model.Side) (*model.Position, error) {
	p, err := scanPosition(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE agent_id=$1 AND pool_address=$2 AND side=$3`,
		agentID, pool, side))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.q(ctx).QueryRowContext(ctx,
		`INSERT INTO positions (agent_id, pool_address, side, token_balance, belief_lock, last_buy_amount, total_bought, total_sold)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (agent_id, pool_address, side) DO UPDATE SET
			token_balance=EXCLUDED.token_balance, belief_lock=EXCLUDED.belief_lock,
			last_buy_amount=EXCLUDED.last_buy_amount, total_bought=EXCLUDED.total_bought,
			total_sold=EXCLUDED.total_sold, updated_at=now()
		 RETURNING updated_at`,
		p.AgentID, p.PoolAddress, p.Side, p.TokenBalance, p.BeliefLock, p.LastBuyAmount, p.TotalBought, p.TotalSold,
	).Scan(&p.UpdatedAt)
}

func (s *Store) ListPositions(ctx context.Context, pool string) ([]model.Position, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE pool_address=$1 ORDER BY agent_id, side`, pool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ── Agents ───────────────────────────────────────────

func (s *Store) PutAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO agents (id, total_stake, active_belief_count) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET total_stake=EXCLUDED.total_stake, active_belief_count=EXCLUDED.active_belief_count`,
		a.ID, a.TotalStake, a.ActiveBeliefCount)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a := &model.Agent{}
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, total_stake, active_belief_count FROM agents WHERE id=$1`, id,
	).Scan(&a.ID, &a.TotalStake, &a.ActiveBeliefCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *Store) EnsureAgent(ctx context.Context, id string) error {
	_, err := s.q(ctx).ExecContext(ctx, `INSERT INTO agents (id) VALUES ($1) ON CONFLICT DO NOTHING`, id)
	return err
}

// AdjustStake applies delta atomically, flooring at zero, and returns the
// stake before and after from the same statement.
func (s *Store) AdjustStake(ctx context.Context, agentID string, delta int64) (before, after int64, err error) {
	err = s.q(ctx).QueryRowContext(ctx,
		`UPDATE agents a SET total_stake = GREATEST(0, a.total_stake + $2)
		 FROM (SELECT id, total_stake FROM agents WHERE id=$1 FOR UPDATE) old
		 WHERE a.id = old.id
		 RETURNING old.total_stake, a.total_stake`, agentID, delta,
	).Scan(&before, &after)
	if err == sql.ErrNoRows {
		return 0, 0, fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
	}
	return before, after, err
}

func (s *Store) AdjustActiveBeliefs(ctx context.Context, agentID string, delta int) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx,
		`UPDATE agents SET active_belief_count = GREATEST(0, active_belief_count + $2)
		 WHERE id=$1 RETURNING active_belief_count`, agentID, delta,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
	}
	return n, err
}

// ── Settlements ──────────────────────────────────────

const settlementCols = `id, pool_address, belief_id, epoch, tx_ref, bd_score, score_q32, confirmed,
	reserve_long_after, reserve_short_after, created_at, confirmed_at`

func scanSettlement(row interface{ Scan(...any) error }) (*model.SettlementRecord, error) {
	r := &model.SettlementRecord{}
	var q32 int64
	var confirmedAt sql.NullTime
	err := row.Scan(&r.ID, &r.PoolAddress, &r.BeliefID, &r.Epoch, &r.TxRef, &r.BDScore, &q32, &r.Confirmed,
		&r.ReserveLongAfter, &r.ReserveShortAfter, &r.CreatedAt, &confirmedAt)
	if err != nil {
		return nil, err
	}
	r.ScoreQ32 = uint64(q32)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		r.ConfirmedAt = &t
	}
	return r, nil
}

func (s *Store) GetSettlement(ctx context.Context, pool string, epoch int64) (*model.SettlementRecord, error) {
	r, err := scanSettlement(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+settlementCols+` FROM settlement_records WHERE pool_address=$1 AND epoch=$2`, pool, epoch))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) LatestConfirmedSettlement(ctx context.Context, pool string) (*model.SettlementRecord, error) {
	r, err := scanSettlement(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+settlementCols+` FROM settlement_records
		 WHERE pool_address=$1 AND confirmed ORDER BY epoch DESC LIMIT 1`, pool))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) InsertSettlement(ctx context.Context, r *model.SettlementRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	err := s.q(ctx).QueryRowContext(ctx,
		`INSERT INTO settlement_records (id, pool_address, belief_id, epoch, tx_ref, bd_score, score_q32, confirmed)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at`,
		r.ID, r.PoolAddress, r.BeliefID, r.Epoch, r.TxRef, r.BDScore, int64(r.ScoreQ32), r.Confirmed,
	).Scan(&r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("settlement %s/%d: %w", r.PoolAddress, r.Epoch, model.ErrDuplicate)
	}
	return err
}

func (s *Store) UpdateSettlement(ctx context.Context, r *model.SettlementRecord) error {
	var confirmedAt any
	if r.ConfirmedAt != nil {
		confirmedAt = *r.ConfirmedAt
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE settlement_records SET tx_ref=$2, confirmed=$3, reserve_long_after=$4, reserve_short_after=$5, confirmed_at=$6
		 WHERE id=$1`,
		r.ID, r.TxRef, r.Confirmed, r.ReserveLongAfter, r.ReserveShortAfter, confirmedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("settlement %s: %w", r.ID, model.ErrNotFound)
	}
	return nil
}

// ── Redistribution events ────────────────────────────

func (s *Store) HasRedistribution(ctx context.Context, beliefID string, epoch int64) (bool, error) {
	var found bool
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM redistribution_events WHERE belief_id=$1 AND epoch=$2)`, beliefID, epoch,
	).Scan(&found)
	return found, err
}

func (s *Store) InsertRedistributionEvent(ctx context.Context, ev *model.RedistributionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	err := s.q(ctx).QueryRowContext(ctx,
		`INSERT INTO redistribution_events (id, belief_id, epoch, agent_id, information_score, belief_weight,
			normalized_weight, stake_before, stake_delta, stake_after)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING created_at`,
		ev.ID, ev.BeliefID, ev.Epoch, ev.AgentID, ev.InformationScore, ev.BeliefWeight,
		ev.NormalizedWeight, ev.StakeBefore, ev.StakeDelta, ev.StakeAfter,
	).Scan(&ev.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("event %s/%d/%s: %w", ev.BeliefID, ev.Epoch, ev.AgentID, model.ErrDuplicate)
	}
	return err
}

func (s *Store) ListRedistributionEvents(ctx context.Context, beliefID string, epoch *int64) ([]model.RedistributionEvent, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id, belief_id, epoch, agent_id, information_score, belief_weight, normalized_weight,
			stake_before, stake_delta, stake_after, created_at
		 FROM redistribution_events
		 WHERE belief_id=$1 AND ($2::bigint IS NULL OR epoch=$2)
		 ORDER BY epoch, agent_id`, beliefID, epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RedistributionEvent
	for rows.Next() {
		var ev model.RedistributionEvent
		if err := rows.Scan(&ev.ID, &ev.BeliefID, &ev.Epoch, &ev.AgentID, &ev.InformationScore, &ev.BeliefWeight,
			&ev.NormalizedWeight, &ev.StakeBefore, &ev.StakeDelta, &ev.StakeAfter, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ── Information scores ───────────────────────────────

func (s *Store) PutInformationScore(ctx context.Context, sc *model.InformationScore) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO information_scores (belief_id, epoch, agent_id, score) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (belief_id, epoch, agent_id) DO UPDATE SET score=EXCLUDED.score`,
		sc.BeliefID, sc.Epoch, sc.AgentID, sc.Score)
	return err
}

func (s *Store) ListInformationScores(ctx context.Context, beliefID string, epoch int64) ([]model.InformationScore, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT belief_id, epoch, agent_id, score FROM information_scores
		 WHERE belief_id=$1 AND epoch=$2 ORDER BY agent_id`, beliefID, epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.InformationScore
	for rows.Next() {
		var sc model.InformationScore
		if err := rows.Scan(&sc.BeliefID, &sc.Epoch, &sc.AgentID, &sc.Score); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ── Event log ────────────────────────────────────────

// AppendEvent writes an append-only audit row with a JSON payload.
func (s *Store) AppendEvent(ctx context.Context, pool, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO event_log (pool_address, type, payload_json) VALUES ($1,$2,$3)`, pool, evType, b)
	return err
}

func (s *Store) ListEvents(ctx context.Context, pool string, limit int) ([]model.EventLog, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id, pool_address, type, payload_json, created_at FROM event_log
		 WHERE pool_address=$1 ORDER BY id DESC LIMIT $2`, pool, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		var e model.EventLog
		var raw []byte
		if err := rows.Scan(&e.ID, &e.PoolAddress, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(raw)
		out = append(out, e)
	}
	return out, rows.Err()
}
