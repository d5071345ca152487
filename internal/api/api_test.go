package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/vault-lending/internal/api"
	"github.com/atmx/vault-lending/internal/controller"
	"github.com/atmx/vault-lending/internal/engine"
	"github.com/atmx/vault-lending/internal/model"
	"github.com/atmx/vault-lending/internal/store"
	"github.com/atmx/vault-lending/internal/vault"
)

const secret = "test-secret-0123456789abcdef-xyz"

var t0 = time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	router http.Handler
	clock  *controller.ManualClock
	hub    *api.WSHub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := controller.NewManualClock(t0)
	cfg := engine.Config{
		Assets: []string{"TKN"},
		Allocations: []engine.Allocation{
			{Asset: "TKN", Account: "alice", Amount: decimal.NewFromInt(1000)},
			{Asset: "TKN", Account: "carol", Amount: decimal.NewFromInt(1000)},
		},
		LendingPool:       vault.Config{ID: "pool-a", Name: "Lending", Symbol: "vA", Asset: "TKN"},
		CollateralPool:    vault.Config{ID: "pool-b", Name: "Collateral", Symbol: "vB", Asset: "TKN"},
		LTVBps:            9000,
		FeeBps:            1000,
		LiquidationWindow: 7 * 24 * time.Hour,
		Admins:            []string{"root"},
		Operators:         []string{"ops"},
		SelfServiceBorrow: true,
	}
	hub := api.NewWSHub(nil)
	eng, err := engine.New(context.Background(), cfg, store.NewMemoryStore(),
		engine.WithClock(clock), engine.WithPublisher(hub))
	require.NoError(t, err)

	svc := api.NewService(eng, nil)
	router := api.NewRouter(svc, hub, api.NewAuthenticator(secret, "vaultd"), api.NewRateLimiter(0, 0))
	return &testEnv{router: router, clock: clock, hub: hub}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := api.IssueToken(secret, "vaultd", sub, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, caller))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) ok(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	w := e.do(t, method, path, caller, body)
	require.Less(t, w.Code, 300, "%s %s: %d %s", method, path, w.Code, w.Body.String())
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) fund(t *testing.T) {
	t.Helper()
	e.ok(t, "POST", "/api/v1/assets/TKN/approve", "alice", api.ApproveRequest{Spender: "pool-a", Amount: "300"})
	e.ok(t, "POST", "/api/v1/pools/pool-a/deposit", "alice", api.AmountRequest{Amount: "300"})
	e.ok(t, "POST", "/api/v1/assets/TKN/approve", "carol", api.ApproveRequest{Spender: "pool-b", Amount: "100"})
	e.ok(t, "POST", "/api/v1/pools/pool-b/deposit", "carol", api.AmountRequest{Amount: "100"})
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.ok(t, "GET", "/health", "", nil)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestLoanLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t)

	w := e.ok(t, "POST", "/api/v1/loans", "ops", api.IssueLoanRequest{Borrower: "carol", Collateral: "100"})
	assert.Equal(t, http.StatusCreated, w.Code)
	loan := decodeBody[api.LoanResponse](t, w)
	assert.True(t, loan.Principal.Equal(decimal.NewFromInt(90)))
	assert.True(t, loan.RepaymentDue.Equal(decimal.NewFromInt(99)))

	pool := decodeBody[model.PoolView](t, e.ok(t, "GET", "/api/v1/pools/pool-a", "", nil))
	assert.True(t, pool.TotalAssets.Equal(decimal.NewFromInt(210)))

	holder := decodeBody[model.HolderView](t, e.ok(t, "GET", "/api/v1/pools/pool-b/holders/carol", "", nil))
	assert.True(t, holder.Locked)

	w = e.do(t, "POST", "/api/v1/pools/pool-b/redeem", "carol", api.AmountRequest{Amount: "1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "BorrowerLocked", decodeBody[api.ErrorResponse](t, w).Kind)

	w = e.do(t, "POST", "/api/v1/loans/carol/liquidate", "ops", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NotYetLiquidatable", decodeBody[api.ErrorResponse](t, w).Kind)

	e.ok(t, "POST", "/api/v1/assets/TKN/approve", "carol", api.ApproveRequest{Spender: "pool-a", Amount: "99"})
	w = e.ok(t, "POST", "/api/v1/loans/carol/repay", "carol", api.AmountRequest{Amount: "99"})
	view := decodeBody[model.LoanView](t, w)
	assert.False(t, view.Active)
	assert.False(t, view.Locked)

	hist := decodeBody[[]model.LoanRecord](t, e.ok(t, "GET", "/api/v1/loans/carol/history", "", nil))
	require.Len(t, hist, 1)
	assert.Equal(t, model.LoanRepaid, hist[0].Status)

	b := decodeBody[api.BorrowersResponse](t, e.ok(t, "GET", "/api/v1/borrowers", "", nil))
	assert.Equal(t, 1, b.Total)
}

func TestLiquidateAfterWindow(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t)
	e.ok(t, "POST", "/api/v1/loans", "ops", api.IssueLoanRequest{Borrower: "carol", Collateral: "100"})

	e.clock.Advance(7 * 24 * time.Hour)
	cands := decodeBody[[]string](t, e.ok(t, "GET", "/api/v1/liquidations", "", nil))
	assert.Equal(t, []string{"carol"}, cands)

	w := e.ok(t, "POST", "/api/v1/loans/carol/liquidate", "ops", nil)
	res := decodeBody[api.LiquidationResponse](t, w)
	assert.True(t, res.Collateral.Equal(decimal.NewFromInt(100)))

	pool := decodeBody[model.PoolView](t, e.ok(t, "GET", "/api/v1/pools/pool-a", "", nil))
	assert.True(t, pool.TotalAssets.Equal(decimal.NewFromInt(310)))

	events := decodeBody[[]model.Event](t, e.ok(t, "GET", "/api/v1/events?after=0&limit=50", "", nil))
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventLiquidated, events[len(events)-1].Type)
}

func TestBorrowSelfService(t *testing.T) {
	e := newTestEnv(t)
	e.ok(t, "POST", "/api/v1/assets/TKN/approve", "alice", api.ApproveRequest{Spender: "pool-a", Amount: "300"})
	e.ok(t, "POST", "/api/v1/pools/pool-a/deposit", "alice", api.AmountRequest{Amount: "300"})
	e.ok(t, "POST", "/api/v1/assets/TKN/approve", "carol", api.ApproveRequest{Spender: "pool-b", Amount: "50"})

	w := e.ok(t, "POST", "/api/v1/loans/borrow", "carol", api.BorrowRequest{Collateral: "50"})
	loan := decodeBody[api.LoanResponse](t, w)
	assert.Equal(t, "carol", loan.Borrower)
	assert.True(t, loan.Principal.Equal(decimal.NewFromInt(45)))
}

func TestErrors(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t)

	cases := []struct {
		name   string
		method string
		path   string
		caller string
		body   any
		status int
		kind   string
	}{
		{"no token", "POST", "/api/v1/pools/pool-a/deposit", "", api.AmountRequest{Amount: "1"}, http.StatusUnauthorized, ""},
		{"not operator", "POST", "/api/v1/loans", "carol", api.IssueLoanRequest{Borrower: "carol", Collateral: "100"}, http.StatusForbidden, "Unauthorized"},
		{"bad amount", "POST", "/api/v1/pools/pool-a/deposit", "alice", api.AmountRequest{Amount: "abc"}, http.StatusBadRequest, "InvalidAmount"},
		{"missing amount", "POST", "/api/v1/assets/TKN/transfer", "alice", api.TransferRequest{To: "carol"}, http.StatusBadRequest, "InvalidAmount"},
		{"bad spender", "POST", "/api/v1/assets/TKN/approve", "alice", api.ApproveRequest{Spender: "no spaces!", Amount: "1"}, http.StatusBadRequest, "InvalidAccount"},
		{"unknown pool", "GET", "/api/v1/pools/nope", "", nil, http.StatusNotFound, "NotFound"},
		{"unknown asset", "GET", "/api/v1/assets/XYZ/balances/alice", "", nil, http.StatusBadRequest, "WrongAsset"},
		{"no allowance", "POST", "/api/v1/pools/pool-a/deposit", "alice", api.AmountRequest{Amount: "5"}, http.StatusUnprocessableEntity, "InsufficientAllowance"},
		{"no loan", "POST", "/api/v1/loans/carol/repay", "carol", api.AmountRequest{Amount: "1"}, http.StatusConflict, "NoActiveLoan"},
		{"pool liquidity", "POST", "/api/v1/loans", "ops", api.IssueLoanRequest{Borrower: "carol", Collateral: "100000"}, http.StatusUnprocessableEntity, "InsufficientPoolLiquidity"},
		{"grant by non-admin", "PUT", "/api/v1/operators/dave", "ops", nil, http.StatusForbidden, "Unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, tc.method, tc.path, tc.caller, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.kind, decodeBody[api.ErrorResponse](t, w).Kind)
		})
	}
}

func TestInvalidToken(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/loans", strings.NewReader(`{}`))
	bad, err := api.IssueToken("another-secret-0123456789abcdefgh", "vaultd", "ops", time.Hour, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bad)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err = api.IssueToken(secret, "vaultd", "vault:pool-a", time.Hour, time.Now())
	assert.Error(t, err)
}

func TestOperators(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusNoContent, e.ok(t, "PUT", "/api/v1/operators/keeper", "root", nil).Code)
	ops := decodeBody[[]string](t, e.ok(t, "GET", "/api/v1/operators", "", nil))
	assert.Equal(t, []string{"keeper", "ops"}, ops)

	e.ok(t, "DELETE", "/api/v1/operators/keeper", "root", nil)
	ops = decodeBody[[]string](t, e.ok(t, "GET", "/api/v1/operators", "", nil))
	assert.Equal(t, []string{"ops"}, ops)
}

func TestRateLimit(t *testing.T) {
	router := api.NewRouter(api.NewService(nil, nil), nil, api.NewAuthenticator(secret, ""), api.NewRateLimiter(1, 1))

	req := func() int {
		r := httptest.NewRequest("POST", "/api/v1/loans", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		return w.Code
	}
	// the first request passes the limiter and fails auth
	assert.Equal(t, http.StatusUnauthorized, req())
	assert.Equal(t, http.StatusTooManyRequests, req())
}

func TestWebSocketEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	e.ok(t, "POST", "/api/v1/assets/TKN/approve", "alice", api.ApproveRequest{Spender: "pool-a", Amount: "1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, model.EventApproval, msg.Event.Type)
	assert.Equal(t, "alice", msg.Event.Owner)
}
