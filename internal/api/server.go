package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"belief-market/internal/curve"
	"belief-market/internal/fixedpoint"
	"belief-market/internal/model"
	"belief-market/internal/weights"
	"belief-market/internal/ws"
)

type Store interface {
	weights.PositionReader
	CreatePool(ctx context.Context, p *model.Pool, b *model.Belief) error
	GetPool(ctx context.Context, address string) (*model.Pool, error)
	ListActivePools(ctx context.Context) ([]model.Pool, error)
	GetBelief(ctx context.Context, id string) (*model.Belief, error)
	SetBeliefScore(ctx context.Context, id string, score float64) error
	PutInformationScore(ctx context.Context, sc *model.InformationScore) error
	ListInformationScores(ctx context.Context, beliefID string, epoch int64) ([]model.InformationScore, error)
	ListRedistributionEvents(ctx context.Context, beliefID string, epoch *int64) ([]model.RedistributionEvent, error)
	ListEvents(ctx context.Context, pool string, limit int) ([]model.EventLog, error)
}

type TradeRecorder interface {
	RecordTrade(ctx context.Context, address string, req model.TradeRequest) (model.TradeResult, error)
}

type Settler interface {
	SettleEpoch(ctx context.Context, req model.SettleRequest) (model.SettleResult, error)
}

type Redistributor interface {
	Redistribute(ctx context.Context, req model.RedistributeRequest) (model.RedistributeResult, error)
}

type Deps struct {
	Store     Store
	Trades    TradeRecorder
	Settler   Settler
	Redist    Redistributor
	Hub       *ws.Hub
	Params    curve.Params
	Estimator *curve.Estimator
	Secret    string
	// MinSettleInterval applies to pools created without an explicit interval.
	MinSettleInterval time.Duration
	Log               *zap.Logger
}

type Server struct {
	store     Store
	trades    TradeRecorder
	settler   Settler
	redist    Redistributor
	hub       *ws.Hub
	weights   *weights.Calculator
	params    curve.Params
	estimator *curve.Estimator
	secret    []byte
	interval  time.Duration
	log       *zap.Logger
}

func NewServer(d Deps) *Server {
	est := d.Estimator
	if est == nil {
		est = curve.NewEstimator(d.Params)
	}
	return &Server{
		store:     d.Store,
		trades:    d.Trades,
		settler:   d.Settler,
		redist:    d.Redist,
		hub:       d.Hub,
		weights:   &weights.Calculator{Store: d.Store},
		params:    d.Params,
		estimator: est,
		secret:    []byte(d.Secret),
		interval:  d.MinSettleInterval,
		log:       d.Log.Named("api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	// Pools (public, read-only)
	r.Get("/api/pools", s.listPools)
	r.Get("/api/pools/{address}", s.getPool)
	r.Get("/api/pools/{address}/quote", s.getQuote)
	r.Post("/api/pools/{address}/estimate", s.estimate)
	r.Get("/api/pools/{address}/weights", s.getWeights)
	r.Get("/api/pools/{address}/events", s.listEvents)
	r.Get("/api/beliefs/{id}/redistributions", s.listRedistributions)

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(s.operatorOnly)
		r.Post("/api/pools/{address}/trades", s.recordTrade)
		r.Post("/api/admin/pools", s.createPool)
		r.Put("/api/admin/beliefs/{id}/score", s.setScore)
		r.Post("/api/admin/beliefs/{id}/information-scores", s.putInformationScores)
		r.Post("/api/admin/settle", s.settle)
		r.Post("/api/admin/redistribute", s.redistribute)
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

const roleOperator = "operator"

// MintOperatorToken signs an operator JWT valid for ttl.
func MintOperatorToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": roleOperator,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type ctxKey string

const ctxOperator ctxKey = "operator"

func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, http.StatusUnauthorized, "missing token")
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, http.StatusUnauthorized, "invalid claims")
			return
		}
		if role, _ := claims["role"].(string); role != roleOperator {
			jsonErr(w, http.StatusForbidden, "operator only")
			return
		}
		sub, _ := claims["sub"].(string)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxOperator, sub)))
	})
}

func operator(r *http.Request) string {
	sub, _ := r.Context().Value(ctxOperator).(string)
	return sub
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()), zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Pools ────────────────────────────────────────────

type poolView struct {
	model.Pool
	ImpliedProbability decimal.Decimal `json:"implied_probability"`
	MarketPrediction   decimal.Decimal `json:"market_prediction"`
	PriceLong          decimal.Decimal `json:"price_long"`
	PriceShort         decimal.Decimal `json:"price_short"`
}

func (s *Server) view(p *model.Pool) poolView {
	return poolView{
		Pool:               *p,
		ImpliedProbability: curve.ImpliedProbability(p.ReserveLong, p.ReserveShort),
		MarketPrediction: curve.MarketPrediction(
			fixedpoint.FromMicro(p.SupplyLong), fixedpoint.FromMicro(p.SupplyShort), s.params),
		PriceLong:  curve.PoolPrice(p, model.SideLong, s.params),
		PriceShort: curve.PoolPrice(p, model.SideShort, s.params),
	}
}

func (s *Server) loadPool(w http.ResponseWriter, r *http.Request) (*model.Pool, bool) {
	addr := chi.URLParam(r, "address")
	p, err := s.store.GetPool(r.Context(), addr)
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}
	if p == nil {
		jsonErr(w, http.StatusNotFound, "pool not found")
		return nil, false
	}
	return p, true
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListActivePools(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]poolView, len(pools))
	for i := range pools {
		out[i] = s.view(&pools[i])
	}
	json200(w, out)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPool(w, r)
	if !ok {
		return
	}
	json200(w, s.view(p))
}

func parseSide(v string) (model.Side, error) {
	side := model.Side(strings.ToUpper(v))
	if !side.Valid() {
		return "", model.Invalid("side", "must be long or short")
	}
	return side, nil
}

func parseDirection(v string) (model.TradeDirection, error) {
	dir := model.TradeDirection(strings.ToUpper(v))
	if dir != model.DirectionBuy && dir != model.DirectionSell {
		return "", model.Invalid("direction", "must be buy or sell")
	}
	return dir, nil
}

func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(r.URL.Query().Get("side"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	p, ok := s.loadPool(w, r)
	if !ok {
		return
	}
	json200(w, curve.Quote(p, side, s.params))
}

type estimateReq struct {
	Side      string          `json:"side"`
	Direction string          `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
}

func (s *Server) estimate(w http.ResponseWriter, r *http.Request) {
	var req estimateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	dir, err := parseDirection(req.Direction)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	p, ok := s.loadPool(w, r)
	if !ok {
		return
	}
	out, err := s.estimator.EstimateTrade(p, side, dir, req.Amount)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	field := "tokens_out"
	if dir == model.DirectionSell {
		field = "usdc_out"
	}
	json200(w, map[string]any{
		"pool_address": p.Address,
		"side":         side,
		"direction":    dir,
		"amount":       req.Amount,
		field:          out,
	})
}

func (s *Server) getWeights(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	var agents []string
	for _, a := range strings.Split(r.URL.Query().Get("agents"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			agents = append(agents, a)
		}
	}
	res, err := s.weights.Compute(r.Context(), addr, agents)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, res)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	events, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "address"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if events == nil {
		events = []model.EventLog{}
	}
	json200(w, events)
}

func (s *Server) listRedistributions(w http.ResponseWriter, r *http.Request) {
	var epoch *int64
	if v := r.URL.Query().Get("epoch"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "epoch must be a non-negative integer")
			return
		}
		epoch = &n
	}
	events, err := s.store.ListRedistributionEvents(r.Context(), chi.URLParam(r, "id"), epoch)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if events == nil {
		events = []model.RedistributionEvent{}
	}
	json200(w, events)
}

// ── Operator ─────────────────────────────────────────

func (s *Server) recordTrade(w http.ResponseWriter, r *http.Request) {
	var req model.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.trades.RecordTrade(r.Context(), chi.URLParam(r, "address"), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, res)
}

type createPoolReq struct {
	Address                  string `json:"address"`
	BeliefID                 string `json:"belief_id"`
	MinSettleIntervalSeconds *int64 `json:"min_settle_interval_seconds"`
	ExpirationEpoch          int64  `json:"expiration_epoch"`
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var req createPoolReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Address == "" || req.BeliefID == "" {
		jsonErr(w, http.StatusBadRequest, "address and belief_id required")
		return
	}
	interval := s.interval
	if req.MinSettleIntervalSeconds != nil {
		if *req.MinSettleIntervalSeconds < 0 {
			jsonErr(w, http.StatusBadRequest, "min_settle_interval_seconds must not be negative")
			return
		}
		interval = time.Duration(*req.MinSettleIntervalSeconds) * time.Second
	}
	pool := &model.Pool{Address: req.Address, MinSettleInterval: interval}
	curve.SyncSqrtPrices(pool, s.params)
	belief := &model.Belief{ID: req.BeliefID, ExpirationEpoch: req.ExpirationEpoch}
	if err := s.store.CreatePool(r.Context(), pool, belief); err != nil {
		s.writeErr(w, err)
		return
	}
	s.log.Info("pool created", zap.String("pool", pool.Address), zap.String("belief", belief.ID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(s.view(pool))
}

func (s *Server) setScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := fixedpoint.CheckScore(req.Score); err != nil {
		s.writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.SetBeliefScore(r.Context(), id, req.Score); err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, map[string]any{"belief_id": id, "score": req.Score})
}

func (s *Server) putInformationScores(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Epoch  int64              `json:"epoch"`
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := chi.URLParam(r, "id")
	if req.Epoch < 0 || len(req.Scores) == 0 {
		jsonErr(w, http.StatusBadRequest, "non-negative epoch and at least one score required")
		return
	}
	for agent, sc := range req.Scores {
		if agent == "" || math.IsNaN(sc) || sc < -1 || sc > 1 {
			jsonErr(w, http.StatusBadRequest, fmt.Sprintf("score for %q must be in [-1,1]", agent))
			return
		}
	}
	b, err := s.store.GetBelief(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if b == nil {
		jsonErr(w, http.StatusNotFound, "belief not found")
		return
	}
	for agent, sc := range req.Scores {
		if err := s.store.PutInformationScore(r.Context(), &model.InformationScore{
			BeliefID: id, Epoch: req.Epoch, AgentID: agent, Score: sc,
		}); err != nil {
			s.writeErr(w, err)
			return
		}
	}
	json200(w, map[string]any{"belief_id": id, "epoch": req.Epoch, "stored": len(req.Scores)})
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	var req model.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.log.Info("settle requested", zap.String("pool", req.PoolAddress), zap.String("operator", operator(r)))
	res, err := s.settler.SettleEpoch(r.Context(), req)
	if errors.Is(err, model.ErrUnconfirmed) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"result": res, "status": "pending", "error": err.Error()})
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, res)
}

// redistribute applies the given scores, or the stored scores for the epoch
// when the request carries none.
func (s *Server) redistribute(w http.ResponseWriter, r *http.Request) {
	var req model.RedistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Scores) == 0 && req.BeliefID != "" {
		stored, err := s.store.ListInformationScores(r.Context(), req.BeliefID, req.Epoch)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		req.Scores = make(map[string]float64, len(stored))
		for _, sc := range stored {
			req.Scores[sc.AgentID] = sc.Score
		}
	}
	s.log.Info("redistribution requested", zap.String("belief", req.BeliefID),
		zap.Int64("epoch", req.Epoch), zap.String("operator", operator(r)))
	res, err := s.redist.Redistribute(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, res)
}

// ── Helpers ──────────────────────────────────────────

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var cooldown *model.CooldownError
	var conservation *model.ConservationViolation
	var norm *model.NormalizationError
	switch {
	case model.IsValidation(err):
		jsonErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		jsonErr(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cooldown):
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter(cooldown.Remaining), 10))
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error":               err.Error(),
			"retry_after_seconds": retryAfter(cooldown.Remaining),
		})
	case errors.Is(err, model.ErrDuplicate):
		jsonErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrAuthorityMismatch):
		jsonErr(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &conservation), errors.As(err, &norm):
		s.log.Error("invariant violated", zap.Error(err))
		jsonErr(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

func retryAfter(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
