// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing). The pending-order index in the matcher
// is only a cache over this store; the store is always the source of truth
// for order status.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// GetAccount retrieves an account. Returns model.ErrAccountNotFound if
	// the user has never been seen.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *model.Account) error

	// UpdateAccountBalance sets the account balance.
	UpdateAccountBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable balance-mutation record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntries returns all ledger entries for a user, oldest first.
	GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Orders ---

	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by id. Returns model.ErrOrderNotFound.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrdersByUser returns all orders for a user, newest first.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// ListPendingOrdersBySymbol returns PENDING orders for a symbol in
	// ascending created_at order (oldest first, deterministic tie-break).
	ListPendingOrdersBySymbol(ctx context.Context, sym string) ([]model.Order, error)

	// MarkOrderFilled atomically transitions PENDING → FILLED, setting the
	// filled quantity, fee and fill time. Returns false when the order is no
	// longer PENDING (the cancel-vs-fill race guard).
	MarkOrderFilled(ctx context.Context, id string, fee decimal.Decimal, filledAt time.Time) (bool, error)

	// MarkOrderCancelled atomically transitions PENDING → CANCELLED.
	// Returns false when the order is no longer PENDING.
	MarkOrderCancelled(ctx context.Context, id string, cancelledAt time.Time) (bool, error)

	// UpdateOrderStatus sets the order status unconditionally. Used for the
	// asynchronous REJECTED transition after a failed fill invariant check.
	UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error

	// --- Positions ---

	// InsertPosition persists a new position.
	InsertPosition(ctx context.Context, position *model.Position) error

	// GetPosition retrieves a position by id. Returns model.ErrPositionNotFound.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// GetOpenPosition returns the single OPEN position for (user, symbol),
	// or model.ErrPositionNotFound.
	GetOpenPosition(ctx context.Context, userID, sym string) (*model.Position, error)

	// ListOpenPositions returns all OPEN positions for a user.
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)

	// UpdatePosition overwrites a position record.
	UpdatePosition(ctx context.Context, position *model.Position) error

	// --- Spot holdings ---

	// GetHolding returns the holding for (user, asset), or model.ErrHoldingNotFound.
	GetHolding(ctx context.Context, userID, asset string) (*model.SpotHolding, error)

	// ListHoldings returns all holdings for a user.
	ListHoldings(ctx context.Context, userID string) ([]model.SpotHolding, error)

	// UpsertHolding inserts or overwrites a holding.
	UpsertHolding(ctx context.Context, holding *model.SpotHolding) error

	// DeleteHolding removes a holding whose quantity reached zero.
	DeleteHolding(ctx context.Context, id string) error
}
