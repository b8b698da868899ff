package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"belief-market/internal/curve"
	"belief-market/internal/engine"
	"belief-market/internal/ledger"
	"belief-market/internal/lock"
	"belief-market/internal/memstore"
	"belief-market/internal/model"
	"belief-market/internal/redistribution"
	"belief-market/internal/settlement"
	"belief-market/internal/ws"
)

const secret = "test-secret-test-secret-test-secret!"

type harness struct {
	t     *testing.T
	store *memstore.Store
	srv   *httptest.Server
	token string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	s := memstore.New()
	hub := ws.NewHub(log)

	mgr := engine.NewManager(s, curve.DefaultParams, hub.Publish, log)
	require.NoError(t, mgr.Boot(context.Background()))
	t.Cleanup(mgr.Stop)

	auth, err := ledger.NewAuthority(strings.Repeat("33", 32))
	require.NoError(t, err)
	settler := settlement.New(s, ledger.NewSimulator(auth.PublicKey()), auth, curve.DefaultParams, hub.Publish, log)
	redist := redistribution.New(s, lock.NewLocal(), hub.Publish, log)

	api := NewServer(Deps{
		Store:             s,
		Trades:            mgr,
		Settler:           settler,
		Redist:            redist,
		Hub:               hub,
		Params:            curve.DefaultParams,
		Secret:            secret,
		MinSettleInterval: time.Hour,
		Log:               log,
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	token, err := MintOperatorToken(secret, "ops", time.Hour)
	require.NoError(t, err)
	return &harness{t: t, store: s, srv: srv, token: token}
}

func (h *harness) do(method, path string, body any, token string) (*http.Response, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var out any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{"_": out}
	}
	return resp, m
}

func (h *harness) seedPool(addr, belief string) {
	h.t.Helper()
	resp, _ := h.do(http.MethodPost, "/api/admin/pools", map[string]any{"address": addr, "belief_id": belief}, h.token)
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
}

func (h *harness) trade(addr, agent, side, dir string, tokens, usdc int64) {
	h.t.Helper()
	resp, body := h.do(http.MethodPost, "/api/pools/"+addr+"/trades", map[string]any{
		"agent_id": agent, "side": side, "direction": dir, "token_amount": tokens, "usdc_amount": usdc,
	}, h.token)
	require.Equal(h.t, http.StatusOK, resp.StatusCode, body)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"address": "p", "belief_id": "b"}

	resp, _ := h.do(http.MethodPost, "/api/admin/pools", body, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/admin/pools", body, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "v", "role": "viewer", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	resp, _ = h.do(http.MethodPost, "/api/admin/pools", body, viewer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	expired, err := MintOperatorToken(secret, "ops", -time.Minute)
	require.NoError(t, err)
	resp, _ = h.do(http.MethodPost, "/api/admin/pools", body, expired)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPoolLifecycle(t *testing.T) {
	h := newHarness(t)
	h.seedPool("pool-1", "belief-1")

	resp, _ := h.do(http.MethodPost, "/api/admin/pools", map[string]any{"address": "pool-1", "belief_id": "other"}, h.token)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	h.trade("pool-1", "alice", "LONG", "BUY", 3_000_000, 30_000_000)
	h.trade("pool-1", "bob", "SHORT", "BUY", 1_000_000, 10_000_000)

	resp, body := h.do(http.MethodGet, "/api/pools/pool-1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(40_000_000), body["vault_balance"])
	assert.Equal(t, "0.75", body["implied_probability"])

	resp, body = h.do(http.MethodGet, "/api/pools/pool-1/quote?side=long", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "LONG", body["side"])

	resp, _ = h.do(http.MethodGet, "/api/pools/pool-1/quote?side=up", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(http.MethodGet, "/api/pools/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(http.MethodPost, "/api/pools/pool-1/estimate",
		map[string]any{"side": "short", "direction": "buy", "amount": "5"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.NotEmpty(t, body["tokens_out"])

	resp, _ = h.do(http.MethodPost, "/api/pools/pool-1/estimate",
		map[string]any{"side": "short", "direction": "buy", "amount": "0"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(http.MethodGet, "/api/pools/pool-1/weights?agents=alice,bob", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	w := body["weights"].(map[string]any)
	assert.InDelta(t, 0.75, w["alice"], 1e-9)
	assert.InDelta(t, 0.25, w["bob"], 1e-9)

	resp, _ = h.do(http.MethodGet, "/api/pools/pool-1/weights", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(http.MethodGet, "/api/pools/pool-1/events?limit=1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["_"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "TradeRecorded", events[0].(map[string]any)["type"])
}

func TestSettleAndRedistribute(t *testing.T) {
	h := newHarness(t)
	h.seedPool("pool-1", "belief-1")
	h.trade("pool-1", "alice", "LONG", "BUY", 1_000_000, 50_000_000)
	h.trade("pool-1", "bob", "SHORT", "BUY", 1_000_000, 50_000_000)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, h.store.PutAgent(ctx, &model.Agent{ID: id, TotalStake: 10_000_000}))
	}

	resp, _ := h.do(http.MethodPost, "/api/admin/settle", map[string]any{"pool_address": "pool-1"}, h.token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "no ground-truth score yet")

	resp, _ = h.do(http.MethodPut, "/api/admin/beliefs/belief-1/score", map[string]any{"score": 1.5}, h.token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(http.MethodPut, "/api/admin/beliefs/belief-1/score", map[string]any{"score": 0.75}, h.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(http.MethodPost, "/api/admin/settle", map[string]any{"pool_address": "pool-1"}, h.token)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["settled"])
	assert.Equal(t, float64(75_000_000), body["reserve_long"])
	assert.Equal(t, float64(25_000_000), body["reserve_short"])

	resp, body = h.do(http.MethodPost, "/api/admin/settle", map[string]any{"pool_address": "pool-1"}, h.token)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.InDelta(t, 3600, body["retry_after_seconds"], 5)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, body = h.do(http.MethodPost, "/api/admin/settle", map[string]any{"pool_address": "pool-1", "epoch": 0}, h.token)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["skipped"])

	resp, _ = h.do(http.MethodPost, "/api/admin/beliefs/belief-1/information-scores",
		map[string]any{"epoch": 0, "scores": map[string]float64{"alice": 0.5, "bob": -0.5}}, h.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(http.MethodPost, "/api/admin/redistribute", map[string]any{"belief_id": "belief-1", "epoch": 0}, h.token)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["occurred"])
	assert.Equal(t, "1", body["lambda"])

	resp, body = h.do(http.MethodPost, "/api/admin/redistribute", map[string]any{"belief_id": "belief-1", "epoch": 0}, h.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["occurred"])
	assert.Equal(t, true, body["skipped"])

	resp, body = h.do(http.MethodGet, "/api/beliefs/belief-1/redistributions?epoch=0", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["_"], 2)

	resp, _ = h.do(http.MethodGet, "/api/beliefs/belief-1/redistributions?epoch=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	a, err := h.store.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10_500_000), a.TotalStake)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	assert.Equal(t, int64(1), retryAfter(10*time.Millisecond))
	assert.Equal(t, int64(2400), retryAfter(40*time.Minute))
}
