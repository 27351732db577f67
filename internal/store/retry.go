package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/backoff"
	"github.com/cryptolearn/trading-engine/internal/model"
)

// RetryStore wraps a Store and retries transient failures with bounded
// exponential backoff. Domain errors (not-found, CAS misses) pass through
// without retry; exhausting the attempt budget surfaces the failure as
// model.ErrServiceUnavailable to the caller.
type RetryStore struct {
	inner  Store
	policy backoff.Policy
}

// NewRetryStore wraps a store with the given retry policy.
func NewRetryStore(inner Store, policy backoff.Policy) *RetryStore {
	return &RetryStore{inner: inner, policy: policy}
}

func retryable(err error) bool {
	return !model.IsDomainError(err)
}

// do runs fn under the retry policy and maps an exhausted transient failure
// to ErrServiceUnavailable.
func (s *RetryStore) do(ctx context.Context, fn func(context.Context) error) error {
	err := backoff.Retry(ctx, s.policy, retryable, fn)
	if err != nil && !model.IsDomainError(err) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", model.ErrServiceUnavailable, err)
	}
	return err
}

func retry1[T any](ctx context.Context, s *RetryStore, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (s *RetryStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return retry1(ctx, s, func(ctx context.Context) (*model.Account, error) {
		return s.inner.GetAccount(ctx, userID)
	})
}

func (s *RetryStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.do(ctx, func(ctx context.Context) error { return s.inner.CreateAccount(ctx, a) })
}

func (s *RetryStore) UpdateAccountBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.inner.UpdateAccountBalance(ctx, userID, balance)
	})
}

func (s *RetryStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return s.do(ctx, func(ctx context.Context) error { return s.inner.InsertLedgerEntry(ctx, e) })
}

func (s *RetryStore) GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return retry1(ctx, s, func(ctx context.Context) ([]model.LedgerEntry, error) {
		return s.inner.GetLedgerEntries(ctx, userID)
	})
}

func (s *RetryStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.do(ctx, func(ctx context.Context) error { return s.inner.InsertOrder(ctx, o) })
}

func (s *RetryStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return retry1(ctx, s, func(ctx context.Context) (*model.Order, error) {
		return s.inner.GetOrder(ctx, id)
	})
}

func (s *RetryStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return retry1(ctx, s, func(ctx context.Context) ([]model.Order, error) {
		return s.inner.ListOrdersByUser(ctx, userID)
	})
}

func (s *RetryStore) ListPendingOrdersBySymbol(ctx context.Context, sym string) ([]model.Order, error) {
	return retry1(ctx, s, func(ctx context.Context) ([]model.Order, error) {
		return s.inner.ListPendingOrdersBySymbol(ctx, sym)
	})
}

func (s *RetryStore) MarkOrderFilled(ctx context.Context, id string, fee decimal.Decimal, filledAt time.Time) (bool, error) {
	// Not retried: a conditional update is not idempotent across retries
	// once the first attempt may have committed.
	return s.inner.MarkOrderFilled(ctx, id, fee, filledAt)
}

func (s *RetryStore) MarkOrderCancelled(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	return s.inner.MarkOrderCancelled(ctx, id, cancelledAt)
}

func (s *RetryStore) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.inner.UpdateOrderStatus(ctx, id, status)
	})
}

func (s *RetryStore) InsertPosition(ctx context.Context, p *model.Position) error {
	return s.do(ctx, func(ctx context.Context) error { return s.inner.InsertPosition(ctx, p) })
}

func (s *RetryStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return retry1(ctx, s, func(ctx context.Context) (*model.Position, error) {
		return s.inner.GetPosition(ctx, id)
	})
}

func (s *RetryStore) GetOpenPosition(ctx context.Context, userID, sym string) (*model.Position, error) {
	return retry1(ctx, s, func(ctx context.Context) (*model.Position, error) {
		return s.inner.GetOpenPosition(ctx, userID, sym)
	})
}

func (s *RetryStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return retry1(ctx, s, func(ctx context.Context) ([]model.Position, error) {
		return s.inner.ListOpenPositions(ctx, userID)
	})
}

func (s *RetryStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	return s.do(ctx, func(ctx context.Context) error { return s.inner.UpdatePosition(ctx, p) })
}

func (s *RetryStore) GetHolding(ctx context.Context, userID, asset string) (*model.SpotHolding, error) {
	return retry1(ctx, s, func(ctx context.Context) (*model.SpotHolding, error) {
		return s.inner.GetHolding(ctx, userID, asset)
	})
}

func (s *RetryStore) ListHoldings(ctx context.Context, userID string) ([]model.SpotHolding, error) {
	return retry1(ctx, s, func(ctx context.Context) ([]model.SpotHolding, error) {
		return s.inner.ListHoldings(ctx, userID)
	})
}

func (s *RetryStore) UpsertHolding(ctx context.Context, h *model.SpotHolding) error {
	return s.do(ctx, func(ctx context.Context) error { return s.inner.UpsertHolding(ctx, h) })
}

func (s *RetryStore) DeleteHolding(ctx context.Context, id string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.inner.DeleteHolding(ctx, id) })
}
