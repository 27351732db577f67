package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths (account, open positions, holdings). Writes go
// to the primary store and invalidate the cache. Order rows are never cached:
// the cancel-vs-fill compare-and-set must always hit the source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(userID), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) ListHoldings(ctx context.Context, userID string) ([]model.SpotHolding, error) {
	data, err := s.rdb.Get(ctx, holdingsKey(userID)).Bytes()
	if err == nil {
		var holdings []model.SpotHolding
		if json.Unmarshal(data, &holdings) == nil {
			return holdings, nil
		}
	}

	holdings, err := s.primary.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(holdings); err == nil {
		s.rdb.Set(ctx, holdingsKey(userID), data, s.ttl)
	}
	return holdings, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.UserID))
	return nil
}

func (s *CachedStore) UpdateAccountBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if err := s.primary.UpdateAccountBalance(ctx, userID, balance); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(userID))
	return nil
}

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpdatePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) UpsertHolding(ctx context.Context, h *model.SpotHolding) error {
	if err := s.primary.UpsertHolding(ctx, h); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdingsKey(h.UserID))
	return nil
}

func (s *CachedStore) DeleteHolding(ctx context.Context, id string) error {
	if err := s.primary.DeleteHolding(ctx, id); err != nil {
		return err
	}
	// Holding id does not carry the user id; drop all holding caches lazily
	// via TTL instead of scanning keys.
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, e)
}

func (s *CachedStore) GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntries(ctx, userID)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID)
}

func (s *CachedStore) ListPendingOrdersBySymbol(ctx context.Context, sym string) ([]model.Order, error) {
	return s.primary.ListPendingOrdersBySymbol(ctx, sym)
}

func (s *CachedStore) MarkOrderFilled(ctx context.Context, id string, fee decimal.Decimal, filledAt time.Time) (bool, error) {
	return s.primary.MarkOrderFilled(ctx, id, fee, filledAt)
}

func (s *CachedStore) MarkOrderCancelled(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	return s.primary.MarkOrderCancelled(ctx, id, cancelledAt)
}

func (s *CachedStore) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error {
	return s.primary.UpdateOrderStatus(ctx, id, status)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) GetOpenPosition(ctx context.Context, userID, sym string) (*model.Position, error) {
	return s.primary.GetOpenPosition(ctx, userID, sym)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, asset string) (*model.SpotHolding, error) {
	return s.primary.GetHolding(ctx, userID, asset)
}

// --- Cache keys ---

func accountKey(uid string) string   { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
func holdingsKey(uid string) string  { return fmt.Sprintf("holdings:%s", uid) }
