package match

import (
	"sort"
	"sync"

	"github.com/cryptolearn/trading-engine/internal/model"
)

// Index is the per-symbol collection of resting limit orders. It is a
// transient, non-owning mirror of PENDING orders in the persistent store,
// kept for fast matching; the store remains the source of truth and the
// index is invalidated on every order-status transition.
type Index struct {
	mu     sync.RWMutex
	orders map[string][]model.Order // symbol → orders, ascending created_at
}

// NewIndex creates an empty pending-order index.
func NewIndex() *Index {
	return &Index{orders: make(map[string][]model.Order)}
}

// Add mirrors a PENDING order into the index.
func (x *Index) Add(o model.Order) {
	x.mu.Lock()
	defer x.mu.Unlock()

	list := append(x.orders[o.Symbol], o)
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID // deterministic tie-break
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	x.orders[o.Symbol] = list
}

// Remove evicts an order from the index after any status transition.
func (x *Index) Remove(sym, orderID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	list := x.orders[sym]
	for i, o := range list {
		if o.ID == orderID {
			x.orders[sym] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(x.orders[sym]) == 0 {
		delete(x.orders, sym)
	}
}

// Pending returns a copy of the resting orders for a symbol, oldest first.
func (x *Index) Pending(sym string) []model.Order {
	x.mu.RLock()
	defer x.mu.RUnlock()

	list := x.orders[sym]
	out := make([]model.Order, len(list))
	copy(out, list)
	return out
}

// Len returns the number of resting orders for a symbol.
func (x *Index) Len(sym string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.orders[sym])
}
