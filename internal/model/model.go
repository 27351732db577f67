// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType distinguishes the spot market from the futures market.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType selects immediate or resting execution.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderStatus is the order lifecycle state. FILLED, CANCELLED and REJECTED
// are terminal — no further transitions.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// PositionSide is the direction of a futures position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionStatus is the position lifecycle state. CLOSED is terminal.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Account holds one user's virtual cash balance. Created on first access
// seeded with a fixed starting balance; never deleted. Mutated only through
// the mutation queue.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a spot or futures order. MARKET orders resolve synchronously at
// submission; LIMIT orders rest as PENDING until a tick satisfies the fill
// predicate or the order is cancelled.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Side           OrderSide       `json:"side" db:"side"`
	Type           OrderType       `json:"type" db:"type"`
	MarketType     MarketType      `json:"market_type" db:"market_type"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	Price          decimal.Decimal `json:"price" db:"price"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	Fee            decimal.Decimal `json:"fee" db:"fee"`
	Leverage       int             `json:"leverage" db:"leverage"`
	Status         OrderStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Position is a leveraged futures position. At most one OPEN position exists
// per (user, symbol): same-side fills merge via quantity-weighted entry price,
// opposite-side fills close the existing position first.
type Position struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Side             PositionSide    `json:"side" db:"side"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price" db:"current_price"`
	Leverage         int             `json:"leverage" db:"leverage"`
	Margin           decimal.Decimal `json:"margin" db:"margin"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	Status           PositionStatus  `json:"status" db:"status"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// SpotHolding is a user's spot balance in one base asset. Quantity is never
// negative; a sell that drives quantity to near-zero deletes the holding.
type SpotHolding struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Asset         string          `json:"asset" db:"asset"`
	Quote         string          `json:"quote" db:"quote"` // quote asset of the latest fill, e.g. USDT
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of one accepted balance mutation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`   // signed delta
	Balance   decimal.Decimal `json:"balance" db:"balance"` // balance after applying
	Reason    string          `json:"reason" db:"reason"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// PriceTick is one ephemeral price update for a (symbol, market) pair.
// Only the most recent tick per key is retained; ticks are not persisted.
type PriceTick struct {
	Symbol             string          `json:"symbol"`
	MarketType         MarketType      `json:"market_type"`
	LastPrice          decimal.Decimal `json:"last_price"`
	PriceChange        decimal.Decimal `json:"price_change"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	Volume             decimal.Decimal `json:"volume"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Portfolio aggregates one user's account, open positions and spot holdings
// with derived margin and P&L figures.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	UsedMargin    decimal.Decimal `json:"used_margin"`
	FreeMargin    decimal.Decimal `json:"free_margin"`
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Positions     []Position      `json:"positions"`
	Holdings      []SpotHolding   `json:"holdings"`
}
