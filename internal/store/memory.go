package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	orders    map[string]*model.Order
	positions map[string]*model.Position
	holdings  map[string]*model.SpotHolding
	ledger    []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
		holdings:  make(map[string]*model.SpotHolding),
	}
}

// --- Accounts ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.UserID] = &copy
	return nil
}

func (s *MemoryStore) UpdateAccountBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return model.ErrAccountNotFound
	}
	a.Balance = balance
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Ledger ---

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Orders ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListPendingOrdersBySymbol(_ context.Context, sym string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Symbol == sym && o.Status == model.OrderPending {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) MarkOrderFilled(_ context.Context, id string, fee decimal.Decimal, filledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, model.ErrOrderNotFound
	}
	if o.Status != model.OrderPending {
		return false, nil
	}
	o.Status = model.OrderFilled
	o.FilledQuantity = o.Quantity
	o.Fee = fee
	at := filledAt
	o.FilledAt = &at
	return true, nil
}

func (s *MemoryStore) MarkOrderCancelled(_ context.Context, id string, cancelledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, model.ErrOrderNotFound
	}
	if o.Status != model.OrderPending {
		return false, nil
	}
	o.Status = model.OrderCancelled
	at := cancelledAt
	o.CancelledAt = &at
	return true, nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, id string, status model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return model.ErrOrderNotFound
	}
	o.Status = status
	return nil
}

// --- Positions ---

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, model.ErrPositionNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetOpenPosition(_ context.Context, userID, sym string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.UserID == userID && p.Symbol == sym && p.Status == model.PositionOpen {
			copy := *p
			return &copy, nil
		}
	}
	return nil, model.ErrPositionNotFound
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == model.PositionOpen {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		return model.ErrPositionNotFound
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

// --- Spot holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, userID, asset string) (*model.SpotHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, h := range s.holdings {
		if h.UserID == userID && h.Asset == asset {
			copy := *h
			return &copy, nil
		}
	}
	return nil, model.ErrHoldingNotFound
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.SpotHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SpotHolding
	for _, h := range s.holdings {
		if h.UserID == userID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Asset < result[j].Asset
	})
	return result, nil
}

func (s *MemoryStore) UpsertHolding(_ context.Context, h *model.SpotHolding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *h
	s.holdings[h.ID] = &copy
	return nil
}

func (s *MemoryStore) DeleteHolding(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.holdings, id)
	return nil
}
