package trading_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/feed"
	"github.com/cryptolearn/trading-engine/internal/ledger"
	"github.com/cryptolearn/trading-engine/internal/match"
	"github.com/cryptolearn/trading-engine/internal/model"
	"github.com/cryptolearn/trading-engine/internal/queue"
	"github.com/cryptolearn/trading-engine/internal/risk"
	"github.com/cryptolearn/trading-engine/internal/store"
	"github.com/cryptolearn/trading-engine/internal/trading"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	svc    *trading.Service
	store  *store.MemoryStore
	router *feed.Router
	index  *match.Index
	queue  *queue.Queue
	http   chi.Router
}

// newTestEnv wires the full engine against an in-memory store: ledger,
// mutation queue, pending-order index, matcher and HTTP routes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ms := store.NewMemoryStore()
	led := ledger.New(ms, ledger.DefaultConfig())
	q := queue.New(64)
	t.Cleanup(q.Close)

	x := match.NewIndex()
	router := feed.NewRouter()
	limiter := risk.NewLimiter(d(1000000), d(5000000))

	svc := trading.NewService(ms, led, q, x, router, limiter, nil)
	matcher := match.NewMatcher(x, ms, svc)
	router.AttachSink(matcher)

	r := chi.NewRouter()
	r.Post("/api/v1/orders", svc.HandleSubmitOrder)
	r.Get("/api/v1/orders", svc.HandleListOrders)
	r.Delete("/api/v1/orders/{orderID}", svc.HandleCancelOrder)
	r.Post("/api/v1/positions/{positionID}/close", svc.HandleClosePosition)
	r.Post("/api/v1/positions/close-all", svc.HandleCloseAllPositions)
	r.Get("/api/v1/portfolio/{userID}", svc.HandleGetPortfolio)
	r.Get("/api/v1/ledger/{userID}", svc.HandleGetLedger)
	r.Get("/api/v1/prices/{market}/{symbol}", svc.HandleGetPrice)

	return &testEnv{svc: svc, store: ms, router: router, index: x, queue: q, http: r}
}

func (e *testEnv) submit(t *testing.T, req trading.OrderRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.http.ServeHTTP(w, httpReq)
	return w
}

func marketBuy(userID, sym string, qty, price float64, leverage int) trading.OrderRequest {
	return trading.OrderRequest{
		UserID:     userID,
		Symbol:     sym,
		Side:       model.SideBuy,
		Type:       model.OrderMarket,
		MarketType: model.MarketFutures,
		Quantity:   d(qty),
		Price:      d(price),
		Leverage:   leverage,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// --- Submission tests ---

func TestSubmitOrder_MarketFuturesBuy(t *testing.T) {
	env := newTestEnv(t)

	w := env.submit(t, marketBuy("user1", "BTCUSDT", 1, 50000, 10))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var o model.Order
	json.Unmarshal(w.Body.Bytes(), &o)
	if o.Status != model.OrderFilled {
		t.Errorf("expected FILLED, got %s", o.Status)
	}
	if !o.Fee.Equal(d(20)) {
		t.Errorf("expected fee 20, got %s", o.Fee)
	}

	// margin 5000 + fee 20 deducted from 10000.
	a, _ := env.store.GetAccount(context.Background(), "user1")
	if !a.Balance.Equal(d(4980)) {
		t.Errorf("expected balance 4980, got %s", a.Balance)
	}
	p, err := env.store.GetOpenPosition(context.Background(), "user1", "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !p.LiquidationPrice.Equal(d(45250)) {
		t.Errorf("expected liquidation 45250, got %s", p.LiquidationPrice)
	}
}

func TestSubmitOrder_MarketUsesLiveTick(t *testing.T) {
	env := newTestEnv(t)
	env.router.Publish(model.PriceTick{
		Symbol: "BTCUSDT", MarketType: model.MarketFutures,
		LastPrice: d(40000), Timestamp: time.Now().UTC(),
	})

	// No reference price supplied: the live tick must drive the fill.
	req := marketBuy("user1", "BTCUSDT", 1, 0, 10)
	req.Price = decimal.Zero
	w := env.submit(t, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	p, _ := env.store.GetOpenPosition(context.Background(), "user1", "BTCUSDT")
	if !p.EntryPrice.Equal(d(40000)) {
		t.Errorf("expected entry at tick price 40000, got %s", p.EntryPrice)
	}
}

func TestSubmitOrder_MarketWithoutAnyPrice(t *testing.T) {
	env := newTestEnv(t)

	req := marketBuy("user1", "BTCUSDT", 1, 0, 10)
	req.Price = decimal.Zero
	w := env.submit(t, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 with no live tick and no reference price, got %d", w.Code)
	}
}

func TestSubmitOrder_Validation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		mutate func(*trading.OrderRequest)
	}{
		{"missing user", func(r *trading.OrderRequest) { r.UserID = "" }},
		{"bad symbol", func(r *trading.OrderRequest) { r.Symbol = "nope" }},
		{"bad side", func(r *trading.OrderRequest) { r.Side = "HOLD" }},
		{"bad type", func(r *trading.OrderRequest) { r.Type = "STOP" }},
		{"bad market", func(r *trading.OrderRequest) { r.MarketType = "MARGIN" }},
		{"zero quantity", func(r *trading.OrderRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *trading.OrderRequest) { r.Quantity = d(-1) }},
		{"leverage too high", func(r *trading.OrderRequest) { r.Leverage = 101 }},
		{"negative leverage", func(r *trading.OrderRequest) { r.Leverage = -1 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := marketBuy("user1", "BTCUSDT", 1, 50000, 10)
			c.mutate(&req)
			if w := env.submit(t, req); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitOrder_LimitRequiresPrice(t *testing.T) {
	env := newTestEnv(t)

	req := marketBuy("user1", "BTCUSDT", 1, 0, 10)
	req.Type = model.OrderLimit
	req.Price = decimal.Zero
	if w := env.submit(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for LIMIT without price, got %d", w.Code)
	}
}

func TestSubmitOrder_InsufficientFundsRejected(t *testing.T) {
	env := newTestEnv(t)

	// margin = 100000 at 1x, far over the 10000 starting balance.
	w := env.submit(t, marketBuy("user1", "BTCUSDT", 2, 50000, 1))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error string      `json:"error"`
		Order model.Order `json:"order"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Order.Status != model.OrderRejected {
		t.Errorf("expected REJECTED order in response, got %s", resp.Order.Status)
	}

	// The rejected order is persisted and the balance untouched.
	o, err := env.store.GetOrder(context.Background(), resp.Order.ID)
	if err != nil {
		t.Fatalf("rejected order not persisted: %v", err)
	}
	if o.Status != model.OrderRejected {
		t.Errorf("persisted status: %s", o.Status)
	}
	a, _ := env.store.GetAccount(context.Background(), "user1")
	if !a.Balance.Equal(d(10000)) {
		t.Errorf("balance must be untouched, got %s", a.Balance)
	}
}

func TestSubmitOrder_CallerTimeoutStillRecordsFill(t *testing.T) {
	env := newTestEnv(t)

	// Park the queue worker so the submission outlives its deadline while
	// waiting for its turn.
	started := make(chan struct{})
	release := make(chan struct{})
	go env.queue.Enqueue(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	o, err := env.svc.SubmitOrder(ctx, marketBuy("user1", "BTCUSDT", 1, 50000, 10))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if o != nil {
		t.Fatal("no order must be reported while its outcome is undecided")
	}

	// The accepted fill still commits, and the stored record must say FILLED,
	// never REJECTED, so it cannot contradict the ledger.
	close(release)
	waitFor(t, func() bool {
		orders, _ := env.store.ListOrdersByUser(context.Background(), "user1")
		return len(orders) == 1 && orders[0].Status == model.OrderFilled
	})

	a, _ := env.store.GetAccount(context.Background(), "user1")
	if !a.Balance.Equal(d(4980)) {
		t.Errorf("expected balance 4980 after the fill, got %s", a.Balance)
	}
	if _, err := env.store.GetOpenPosition(context.Background(), "user1", "BTCUSDT"); err != nil {
		t.Errorf("expected an open position from the late fill: %v", err)
	}
}

func TestSubmitOrder_ExposureLimit(t *testing.T) {
	env := newTestEnv(t)

	// notional 2,000,000 > per-symbol cap 1,000,000.
	w := env.submit(t, marketBuy("user1", "BTCUSDT", 40, 50000, 100))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for exposure limit, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitOrder_SpotBuyCreatesHolding(t *testing.T) {
	env := newTestEnv(t)

	req := trading.OrderRequest{
		UserID:     "user1",
		Symbol:     "ETHUSDT",
		Side:       model.SideBuy,
		Type:       model.OrderMarket,
		MarketType: model.MarketSpot,
		Quantity:   d(2),
		Price:      d(3000),
	}
	w := env.submit(t, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	h, err := env.store.GetHolding(context.Background(), "user1", "ETH")
	if err != nil {
		t.Fatalf("holding: %v", err)
	}
	if !h.Quantity.Equal(d(2)) {
		t.Errorf("expected qty 2, got %s", h.Quantity)
	}
}

// --- Limit order lifecycle ---

func TestLimitOrder_RestsThenFillsOnTick(t *testing.T) {
	env := newTestEnv(t)

	req := marketBuy("user1", "BTCUSDT", 1, 50000, 10)
	req.Type = model.OrderLimit
	w := env.submit(t, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var o model.Order
	json.Unmarshal(w.Body.Bytes(), &o)
	if o.Status != model.OrderPending {
		t.Fatalf("expected PENDING, got %s", o.Status)
	}
	if env.index.Len("BTCUSDT") != 1 {
		t.Fatal("limit order must rest in the index")
	}

	// An unsatisfying tick leaves it resting.
	env.router.Publish(model.PriceTick{
		Symbol: "BTCUSDT", MarketType: model.MarketFutures,
		LastPrice: d(51000), Timestamp: time.Now().UTC(),
	})
	time.Sleep(50 * time.Millisecond)
	got, _ := env.store.GetOrder(context.Background(), o.ID)
	if got.Status != model.OrderPending {
		t.Fatalf("order filled on unsatisfying tick: %s", got.Status)
	}

	// A satisfying tick fills it at the limit price, not the tick price.
	env.router.Publish(model.PriceTick{
		Symbol: "BTCUSDT", MarketType: model.MarketFutures,
		LastPrice: d(49000), Timestamp: time.Now().UTC(),
	})
	waitFor(t, func() bool {
		got, _ := env.store.GetOrder(context.Background(), o.ID)
		return got.Status == model.OrderFilled
	})

	p, err := env.store.GetOpenPosition(context.Background(), "user1", "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !p.EntryPrice.Equal(d(50000)) {
		t.Errorf("fill must use the limit price 50000, got entry %s", p.EntryPrice)
	}
	waitFor(t, func() bool { return env.index.Len("BTCUSDT") == 0 })
}

func TestCancelOrder_Lifecycle(t *testing.T) {
	env := newTestEnv(t)

	req := marketBuy("user1", "BTCUSDT", 1, 50000, 10)
	req.Type = model.OrderLimit
	w := env.submit(t, req)
	var o model.Order
	json.Unmarshal(w.Body.Bytes(), &o)

	// Wrong user cannot see the order.
	httpReq := httptest.NewRequest("DELETE", "/api/v1/orders/"+o.ID+"?user_id=user2", nil)
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign order, got %d", rec.Code)
	}

	// Owner cancels.
	httpReq = httptest.NewRequest("DELETE", "/api/v1/orders/"+o.ID+"?user_id=user1", nil)
	rec = httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cancelled model.Order
	json.Unmarshal(rec.Body.Bytes(), &cancelled)
	if cancelled.Status != model.OrderCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}
	if env.index.Len("BTCUSDT") != 0 {
		t.Error("cancelled order must leave the index")
	}

	// Cancelling again conflicts: the order is terminal.
	httpReq = httptest.NewRequest("DELETE", "/api/v1/orders/"+o.ID+"?user_id=user1", nil)
	rec = httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for double cancel, got %d", rec.Code)
	}
}

// --- Position close ---

func TestClosePosition_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, marketBuy("user1", "BTCUSDT", 1, 50000, 10))

	p, err := env.store.GetOpenPosition(context.Background(), "user1", "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"user_id": "user1", "price": "55000"})
	httpReq := httptest.NewRequest("POST", "/api/v1/positions/"+p.ID+"/close", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var closed model.Position
	json.Unmarshal(rec.Body.Bytes(), &closed)
	if closed.Status != model.PositionClosed {
		t.Errorf("expected CLOSED, got %s", closed.Status)
	}
	if !closed.RealizedPnl.Equal(d(5000)) {
		t.Errorf("expected realized 5000, got %s", closed.RealizedPnl)
	}
}

func TestCloseAllPositions_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, marketBuy("user1", "BTCUSDT", 1, 50000, 10))
	env.submit(t, marketBuy("user1", "ETHUSDT", 1, 3000, 5))

	body, _ := json.Marshal(map[string]string{"user_id": "user1"})
	httpReq := httptest.NewRequest("POST", "/api/v1/positions/close-all", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]int
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["closed"] != 2 {
		t.Errorf("expected 2 closed, got %d", resp["closed"])
	}

	open, _ := env.store.ListOpenPositions(context.Background(), "user1")
	if len(open) != 0 {
		t.Errorf("expected no open positions, got %d", len(open))
	}
}

// --- Portfolio / queries ---

func TestGetPortfolio_WithPositionAndHolding(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, marketBuy("user1", "BTCUSDT", 1, 50000, 10))
	env.submit(t, trading.OrderRequest{
		UserID: "user1", Symbol: "ETHUSDT",
		Side: model.SideBuy, Type: model.OrderMarket, MarketType: model.MarketSpot,
		Quantity: d(1), Price: d(3000),
	})

	// Live futures tick moves the unrealized PnL.
	env.router.Publish(model.PriceTick{
		Symbol: "BTCUSDT", MarketType: model.MarketFutures,
		LastPrice: d(52000), Timestamp: time.Now().UTC(),
	})

	httpReq := httptest.NewRequest("GET", "/api/v1/portfolio/user1", nil)
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var pf model.Portfolio
	json.Unmarshal(rec.Body.Bytes(), &pf)
	if len(pf.Positions) != 1 || len(pf.Holdings) != 1 {
		t.Fatalf("expected 1 position and 1 holding, got %d/%d", len(pf.Positions), len(pf.Holdings))
	}
	if !pf.UsedMargin.Equal(d(5000)) {
		t.Errorf("expected used margin 5000, got %s", pf.UsedMargin)
	}
	if !pf.Positions[0].UnrealizedPnl.Equal(d(2000)) {
		t.Errorf("expected position pnl 2000 at tick 52000, got %s", pf.Positions[0].UnrealizedPnl)
	}
	if !pf.FreeMargin.Equal(pf.Balance) {
		t.Errorf("free margin must equal balance, got %s vs %s", pf.FreeMargin, pf.Balance)
	}
}

func TestGetPortfolio_HoldingMarkedByItsOwnQuote(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, trading.OrderRequest{
		UserID: "user1", Symbol: "ETHUSDC",
		Side: model.SideBuy, Type: model.OrderMarket, MarketType: model.MarketSpot,
		Quantity: d(1), Price: d(3000),
	})

	// The live price arrives on the pair the holding was bought through.
	env.router.Publish(model.PriceTick{
		Symbol: "ETHUSDC", MarketType: model.MarketSpot,
		LastPrice: d(3500), Timestamp: time.Now().UTC(),
	})

	httpReq := httptest.NewRequest("GET", "/api/v1/portfolio/user1", nil)
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var pf model.Portfolio
	json.Unmarshal(rec.Body.Bytes(), &pf)
	if len(pf.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(pf.Holdings))
	}
	h := pf.Holdings[0]
	if h.Quote != "USDC" {
		t.Errorf("expected quote USDC, got %q", h.Quote)
	}
	if !h.CurrentPrice.Equal(d(3500)) {
		t.Errorf("expected marking at the ETHUSDC tick 3500, got %s", h.CurrentPrice)
	}
	if !h.UnrealizedPnl.Equal(d(500)) {
		t.Errorf("expected unrealized 500, got %s", h.UnrealizedPnl)
	}
}

func TestGetPortfolio_NewUserSeeded(t *testing.T) {
	env := newTestEnv(t)

	httpReq := httptest.NewRequest("GET", "/api/v1/portfolio/fresh", nil)
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var pf model.Portfolio
	json.Unmarshal(rec.Body.Bytes(), &pf)
	if !pf.Balance.Equal(d(10000)) {
		t.Errorf("expected starting balance 10000, got %s", pf.Balance)
	}
	if len(pf.Positions) != 0 || len(pf.Holdings) != 0 {
		t.Error("fresh portfolio must be empty")
	}
}

func TestGetLedger_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, marketBuy("user1", "BTCUSDT", 1, 50000, 10))

	httpReq := httptest.NewRequest("GET", "/api/v1/ledger/user1", nil)
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var entries []model.LedgerEntry
	json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(d(-5020)) {
		t.Errorf("expected delta -5020, got %s", entries[0].Amount)
	}
}

func TestGetPrice_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.router.Publish(model.PriceTick{
		Symbol: "BTCUSDT", MarketType: model.MarketFutures,
		LastPrice: d(50000), Timestamp: time.Now().UTC(),
	})

	httpReq := httptest.NewRequest("GET", "/api/v1/prices/futures/BTCUSDT", nil)
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	httpReq = httptest.NewRequest("GET", "/api/v1/prices/spot/BTCUSDT", nil)
	rec = httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unseen key, got %d", rec.Code)
	}

	httpReq = httptest.NewRequest("GET", "/api/v1/prices/margin/BTCUSDT", nil)
	rec = httptest.NewRecorder()
	env.http.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad market, got %d", rec.Code)
	}
}
