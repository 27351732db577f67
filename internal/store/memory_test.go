package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/model"
	"github.com/cryptolearn/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedOrder(t *testing.T, ms *store.MemoryStore, id, sym string, status model.OrderStatus, createdAt time.Time) {
	t.Helper()
	err := ms.InsertOrder(context.Background(), &model.Order{
		ID:         id,
		UserID:     "user1",
		Symbol:     sym,
		Side:       model.SideBuy,
		Type:       model.OrderLimit,
		MarketType: model.MarketFutures,
		Quantity:   d(1),
		Price:      d(50000),
		Status:     status,
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("seed order %s: %v", id, err)
	}
}

func TestAccount_RoundTrip(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.GetAccount(ctx, "user1"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	a := &model.Account{UserID: "user1", Balance: d(10000), CreatedAt: time.Now().UTC()}
	if err := ms.CreateAccount(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The store must hold a copy, not the caller's pointer.
	a.Balance = d(0)
	got, err := ms.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Balance.Equal(d(10000)) {
		t.Errorf("expected stored copy 10000, got %s", got.Balance)
	}

	if err := ms.UpdateAccountBalance(ctx, "user1", d(5000)); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = ms.GetAccount(ctx, "user1")
	if !got.Balance.Equal(d(5000)) {
		t.Errorf("expected 5000, got %s", got.Balance)
	}
}

func TestMarkOrderFilled_CompareAndSet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, ms, "o1", "BTCUSDT", model.OrderPending, time.Now().UTC())

	ok, err := ms.MarkOrderFilled(ctx, "o1", d(20), time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("first fill: ok=%v err=%v", ok, err)
	}

	o, _ := ms.GetOrder(ctx, "o1")
	if o.Status != model.OrderFilled {
		t.Errorf("expected FILLED, got %s", o.Status)
	}
	if !o.FilledQuantity.Equal(o.Quantity) {
		t.Errorf("expected full fill, got %s of %s", o.FilledQuantity, o.Quantity)
	}
	if !o.Fee.Equal(d(20)) {
		t.Errorf("expected fee 20, got %s", o.Fee)
	}
	if o.FilledAt == nil {
		t.Error("expected filled_at set")
	}

	// Terminal: a second fill and a late cancel both lose.
	if ok, _ := ms.MarkOrderFilled(ctx, "o1", d(20), time.Now().UTC()); ok {
		t.Error("second fill must fail the CAS")
	}
	if ok, _ := ms.MarkOrderCancelled(ctx, "o1", time.Now().UTC()); ok {
		t.Error("cancel after fill must fail the CAS")
	}
}

func TestMarkOrderCancelled_WinsOverLateFill(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, ms, "o1", "BTCUSDT", model.OrderPending, time.Now().UTC())

	ok, err := ms.MarkOrderCancelled(ctx, "o1", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	if ok, _ := ms.MarkOrderFilled(ctx, "o1", d(20), time.Now().UTC()); ok {
		t.Error("fill after cancel must fail the CAS")
	}

	o, _ := ms.GetOrder(ctx, "o1")
	if o.Status != model.OrderCancelled {
		t.Errorf("expected CANCELLED, got %s", o.Status)
	}
	if o.CancelledAt == nil {
		t.Error("expected cancelled_at set")
	}
}

func TestMarkOrder_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.MarkOrderFilled(ctx, "missing", d(0), time.Now().UTC()); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := ms.MarkOrderCancelled(ctx, "missing", time.Now().UTC()); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestListPendingOrdersBySymbol_OldestFirstPendingOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	seedOrder(t, ms, "newer", "BTCUSDT", model.OrderPending, base.Add(time.Second))
	seedOrder(t, ms, "older", "BTCUSDT", model.OrderPending, base)
	seedOrder(t, ms, "filled", "BTCUSDT", model.OrderFilled, base.Add(-time.Second))
	seedOrder(t, ms, "other", "ETHUSDT", model.OrderPending, base)

	got, err := ms.ListPendingOrdersBySymbol(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(got))
	}
	if got[0].ID != "older" || got[1].ID != "newer" {
		t.Errorf("expected oldest first, got %s, %s", got[0].ID, got[1].ID)
	}
}

func TestOpenPosition_LookupAndUpdate(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	p := &model.Position{
		ID:       "p1",
		UserID:   "user1",
		Symbol:   "BTCUSDT",
		Side:     model.PositionLong,
		Quantity: d(1),
		Status:   model.PositionOpen,
		OpenedAt: time.Now().UTC(),
	}
	if err := ms.InsertPosition(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := ms.GetOpenPosition(ctx, "user1", "BTCUSDT")
	if err != nil {
		t.Fatalf("get open: %v", err)
	}
	if got.ID != "p1" {
		t.Errorf("wrong position: %s", got.ID)
	}

	// Closing removes it from the open lookup.
	got.Status = model.PositionClosed
	if err := ms.UpdatePosition(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := ms.GetOpenPosition(ctx, "user1", "BTCUSDT"); !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("closed position must not resolve as open, got %v", err)
	}

	open, _ := ms.ListOpenPositions(ctx, "user1")
	if len(open) != 0 {
		t.Errorf("expected no open positions, got %d", len(open))
	}
}

func TestHoldings_UpsertListDelete(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	h := &model.SpotHolding{ID: "h1", UserID: "user1", Asset: "ETH", Quantity: d(2), AveragePrice: d(3000)}
	if err := ms.UpsertHolding(ctx, h); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ms.UpsertHolding(ctx, &model.SpotHolding{ID: "h2", UserID: "user1", Asset: "BTC", Quantity: d(1), AveragePrice: d(50000)})

	got, err := ms.GetHolding(ctx, "user1", "ETH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Quantity.Equal(d(2)) {
		t.Errorf("expected qty 2, got %s", got.Quantity)
	}

	list, _ := ms.ListHoldings(ctx, "user1")
	if len(list) != 2 {
		t.Fatalf("expected 2 holdings, got %d", len(list))
	}
	// Sorted by asset.
	if list[0].Asset != "BTC" || list[1].Asset != "ETH" {
		t.Errorf("expected asset order BTC, ETH; got %s, %s", list[0].Asset, list[1].Asset)
	}

	if err := ms.DeleteHolding(ctx, "h1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ms.GetHolding(ctx, "user1", "ETH"); !errors.Is(err, model.ErrHoldingNotFound) {
		t.Errorf("expected ErrHoldingNotFound after delete, got %v", err)
	}
}

func TestLedgerEntries_FilteredByUser(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	ms.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "e1", UserID: "user1", Amount: d(-10)})
	ms.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "e2", UserID: "user2", Amount: d(-20)})
	ms.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "e3", UserID: "user1", Amount: d(5)})

	entries, err := ms.GetLedgerEntries(ctx, "user1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for user1, got %d", len(entries))
	}
}
