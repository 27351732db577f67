package match_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/match"
	"github.com/cryptolearn/trading-engine/internal/model"
)

func pendingOrder(id, sym string, createdAt time.Time) model.Order {
	return model.Order{
		ID:         id,
		UserID:     "user1",
		Symbol:     sym,
		Side:       model.SideBuy,
		Type:       model.OrderLimit,
		MarketType: model.MarketFutures,
		Quantity:   decimal.NewFromInt(1),
		Price:      decimal.NewFromInt(50000),
		Status:     model.OrderPending,
		CreatedAt:  createdAt,
	}
}

func TestIndex_OldestFirst(t *testing.T) {
	x := match.NewIndex()
	base := time.Now().UTC()

	// Insert out of order.
	x.Add(pendingOrder("c", "BTCUSDT", base.Add(2*time.Second)))
	x.Add(pendingOrder("a", "BTCUSDT", base))
	x.Add(pendingOrder("b", "BTCUSDT", base.Add(time.Second)))

	got := x.Pending("BTCUSDT")
	want := []string{"a", "b", "c"}
	for i, o := range got {
		if o.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], o.ID)
		}
	}
}

func TestIndex_TimestampTieBreaksOnID(t *testing.T) {
	x := match.NewIndex()
	now := time.Now().UTC()

	x.Add(pendingOrder("z", "BTCUSDT", now))
	x.Add(pendingOrder("a", "BTCUSDT", now))

	got := x.Pending("BTCUSDT")
	if got[0].ID != "a" || got[1].ID != "z" {
		t.Errorf("expected deterministic ID tie-break, got %s, %s", got[0].ID, got[1].ID)
	}
}

func TestIndex_RemoveAndLen(t *testing.T) {
	x := match.NewIndex()
	now := time.Now().UTC()

	x.Add(pendingOrder("a", "BTCUSDT", now))
	x.Add(pendingOrder("b", "BTCUSDT", now.Add(time.Second)))
	if x.Len("BTCUSDT") != 2 {
		t.Fatalf("expected 2, got %d", x.Len("BTCUSDT"))
	}

	x.Remove("BTCUSDT", "a")
	if x.Len("BTCUSDT") != 1 {
		t.Fatalf("expected 1 after remove, got %d", x.Len("BTCUSDT"))
	}

	// Removing an unknown ID is a no-op.
	x.Remove("BTCUSDT", "nope")
	if x.Len("BTCUSDT") != 1 {
		t.Fatalf("expected 1 after no-op remove, got %d", x.Len("BTCUSDT"))
	}

	x.Remove("BTCUSDT", "b")
	if x.Len("BTCUSDT") != 0 {
		t.Fatalf("expected empty, got %d", x.Len("BTCUSDT"))
	}
}

func TestIndex_SymbolsAreIndependent(t *testing.T) {
	x := match.NewIndex()
	now := time.Now().UTC()

	x.Add(pendingOrder("a", "BTCUSDT", now))
	x.Add(pendingOrder("b", "ETHUSDT", now))

	if x.Len("BTCUSDT") != 1 || x.Len("ETHUSDT") != 1 {
		t.Fatalf("expected one order per symbol")
	}
	x.Remove("BTCUSDT", "a")
	if x.Len("ETHUSDT") != 1 {
		t.Error("removing from one symbol must not touch another")
	}
}
