// Package ledger implements the accounting rules of the virtual trading
// engine: balance deltas with an append-only audit trail, leveraged futures
// positions (open, merge, close) and spot holdings (buy, sell).
//
// Nothing here is safe for concurrent mutation by itself — every mutating
// entry point must run inside the mutation queue so check-then-mutate
// sequences on one account never interleave.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/model"
	"github.com/cryptolearn/trading-engine/internal/store"
	"github.com/cryptolearn/trading-engine/internal/symbol"
)

// Config holds the accounting constants.
type Config struct {
	StartingBalance       decimal.Decimal // seeded on first account access
	FuturesFeeRate        decimal.Decimal
	SpotFeeRate           decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	Epsilon               decimal.Decimal // rounding tolerance for balance floors
	DustThreshold         decimal.Decimal // holdings at or below this are deleted
}

// DefaultConfig returns the reference constants: 10,000 starting balance,
// 0.04% futures fee, 0.1% spot fee, 0.5% maintenance margin rate.
func DefaultConfig() Config {
	return Config{
		StartingBalance:       decimal.NewFromInt(10000),
		FuturesFeeRate:        decimal.NewFromFloat(0.0004),
		SpotFeeRate:           decimal.NewFromFloat(0.001),
		MaintenanceMarginRate: decimal.NewFromFloat(0.005),
		Epsilon:               decimal.New(1, -8),
		DustThreshold:         decimal.New(1, -8),
	}
}

// Ledger owns the per-user accounting state behind the Store.
type Ledger struct {
	store store.Store
	cfg   Config
}

// New creates a ledger over the given store.
func New(st store.Store, cfg Config) *Ledger {
	return &Ledger{store: st, cfg: cfg}
}

// Config returns the accounting constants in use.
func (l *Ledger) Config() Config { return l.cfg }

// Account returns the user's account, creating it with the starting balance
// on first access.
func (l *Ledger) Account(ctx context.Context, userID string) (*model.Account, error) {
	a, err := l.store.GetAccount(ctx, userID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, model.ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	a = &model.Account{
		UserID:    userID,
		Balance:   l.cfg.StartingBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ApplyBalanceDelta applies a signed delta to the user's balance and appends
// an immutable ledger entry. Fails with ErrInsufficientFunds when the result
// would be below -epsilon; results within epsilon of zero floor at zero.
func (l *Ledger) ApplyBalanceDelta(ctx context.Context, userID string, delta decimal.Decimal, reason string) (*model.Account, error) {
	a, err := l.Account(ctx, userID)
	if err != nil {
		return nil, err
	}

	newBalance := a.Balance.Add(delta)
	if newBalance.LessThan(l.cfg.Epsilon.Neg()) {
		return nil, fmt.Errorf("%w: balance %s, delta %s", model.ErrInsufficientFunds, a.Balance, delta)
	}
	if newBalance.IsNegative() {
		newBalance = decimal.Zero
	}

	if err := l.store.UpdateAccountBalance(ctx, userID, newBalance); err != nil {
		return nil, err
	}
	if err := l.store.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    delta,
		Balance:   newBalance,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	a.Balance = newBalance
	return a, nil
}

// FeeRate returns the fee rate for a market type: lower for futures, higher
// for spot.
func (l *Ledger) FeeRate(mt model.MarketType) decimal.Decimal {
	if mt == model.MarketFutures {
		return l.cfg.FuturesFeeRate
	}
	return l.cfg.SpotFeeRate
}

// Fee computes quantity × price × feeRate for the market type.
func (l *Ledger) Fee(mt model.MarketType, quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Mul(price).Mul(l.FeeRate(mt))
}

// UnrealizedPnl computes (current − entry) × qty for LONG and
// (entry − current) × qty for SHORT.
func UnrealizedPnl(side model.PositionSide, entry, current, quantity decimal.Decimal) decimal.Decimal {
	if side == model.PositionLong {
		return current.Sub(entry).Mul(quantity)
	}
	return entry.Sub(current).Mul(quantity)
}

// LiquidationPrice computes entry × (1 − 1/leverage + mmr) for LONG and
// entry × (1 + 1/leverage − mmr) for SHORT.
func LiquidationPrice(side model.PositionSide, entry decimal.Decimal, leverage int, mmr decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	inv := one.Div(decimal.NewFromInt(int64(leverage)))
	if side == model.PositionLong {
		return entry.Mul(one.Sub(inv).Add(mmr))
	}
	return entry.Mul(one.Add(inv).Sub(mmr))
}

// positionSide maps an order side to the position it opens.
func positionSide(side model.OrderSide) model.PositionSide {
	if side == model.SideBuy {
		return model.PositionLong
	}
	return model.PositionShort
}

// ExecuteFuturesFill applies a futures fill at fillPrice: opens a new
// position, merges into a same-side one, or closes an opposite-side one in
// full (opening a fresh position for any remaining quantity).
func (l *Ledger) ExecuteFuturesFill(ctx context.Context, o *model.Order, fillPrice decimal.Decimal) error {
	side := positionSide(o.Side)

	existing, err := l.store.GetOpenPosition(ctx, o.UserID, o.Symbol)
	if err != nil && !errors.Is(err, model.ErrPositionNotFound) {
		return err
	}

	if existing == nil {
		return l.openPosition(ctx, o.UserID, o.Symbol, side, o.Quantity, fillPrice, o.Leverage)
	}

	if existing.Side == side {
		return l.mergePosition(ctx, existing, o.Quantity, fillPrice, o.Leverage)
	}

	// Opposite side: close the existing position in full first, then open a
	// fresh position for whatever quantity remains of the order.
	closed, err := l.closeAt(ctx, existing, fillPrice)
	if err != nil {
		return err
	}
	if closed.Status != model.PositionClosed {
		return fmt.Errorf("position %s not closed before reopen", closed.ID)
	}

	remainder := o.Quantity.Sub(closed.Quantity)
	if remainder.LessThanOrEqual(l.cfg.Epsilon) {
		return nil
	}
	return l.openPosition(ctx, o.UserID, o.Symbol, side, remainder, fillPrice, o.Leverage)
}

func (l *Ledger) openPosition(ctx context.Context, userID, sym string, side model.PositionSide, quantity, price decimal.Decimal, leverage int) error {
	notional := quantity.Mul(price)
	margin := notional.Div(decimal.NewFromInt(int64(leverage)))
	fee := notional.Mul(l.cfg.FuturesFeeRate)

	reason := fmt.Sprintf("open %s %s qty=%s @ %s", side, sym, quantity, price)
	if _, err := l.ApplyBalanceDelta(ctx, userID, margin.Add(fee).Neg(), reason); err != nil {
		return err
	}

	return l.store.InsertPosition(ctx, &model.Position{
		ID:               uuid.New().String(),
		UserID:           userID,
		Symbol:           sym,
		Side:             side,
		Quantity:         quantity,
		EntryPrice:       price,
		CurrentPrice:     price,
		Leverage:         leverage,
		Margin:           margin,
		LiquidationPrice: LiquidationPrice(side, price, leverage, l.cfg.MaintenanceMarginRate),
		Status:           model.PositionOpen,
		OpenedAt:         time.Now().UTC(),
	})
}

// mergePosition adds quantity to a same-side position: weighted-average entry
// price, additive margin, liquidation price recomputed from the new weighted
// entry and the position's original leverage.
func (l *Ledger) mergePosition(ctx context.Context, p *model.Position, addQty, fillPrice decimal.Decimal, orderLeverage int) error {
	addNotional := addQty.Mul(fillPrice)
	addMargin := addNotional.Div(decimal.NewFromInt(int64(orderLeverage)))
	fee := addNotional.Mul(l.cfg.FuturesFeeRate)

	reason := fmt.Sprintf("add %s %s qty=%s @ %s", p.Side, p.Symbol, addQty, fillPrice)
	if _, err := l.ApplyBalanceDelta(ctx, p.UserID, addMargin.Add(fee).Neg(), reason); err != nil {
		return err
	}

	newQty := p.Quantity.Add(addQty)
	weightedEntry := p.Quantity.Mul(p.EntryPrice).Add(addQty.Mul(fillPrice)).Div(newQty)

	p.Quantity = newQty
	p.EntryPrice = weightedEntry
	p.CurrentPrice = fillPrice
	p.Margin = p.Margin.Add(addMargin)
	p.LiquidationPrice = LiquidationPrice(p.Side, weightedEntry, p.Leverage, l.cfg.MaintenanceMarginRate)
	return l.store.UpdatePosition(ctx, p)
}

// closeAt closes an open position at closePrice: realizes PnL, releases
// margin, charges the close fee, and flips status to CLOSED (terminal).
func (l *Ledger) closeAt(ctx context.Context, p *model.Position, closePrice decimal.Decimal) (*model.Position, error) {
	realized := UnrealizedPnl(p.Side, p.EntryPrice, closePrice, p.Quantity)
	fee := p.Quantity.Mul(closePrice).Mul(l.cfg.FuturesFeeRate)
	credit := p.Margin.Add(realized).Sub(fee)

	reason := fmt.Sprintf("close %s %s qty=%s @ %s pnl=%s", p.Side, p.Symbol, p.Quantity, closePrice, realized)
	if _, err := l.ApplyBalanceDelta(ctx, p.UserID, credit, reason); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.CurrentPrice = closePrice
	p.RealizedPnl = realized
	p.UnrealizedPnl = decimal.Zero
	p.Status = model.PositionClosed
	p.ClosedAt = &now
	if err := l.store.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ClosePosition closes the user's open position by id at closePrice.
// Returns ErrPositionNotFound when the position does not exist, belongs to a
// different user, or is already closed.
func (l *Ledger) ClosePosition(ctx context.Context, userID, positionID string, closePrice decimal.Decimal) (*model.Position, error) {
	p, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID || p.Status != model.PositionOpen {
		return nil, model.ErrPositionNotFound
	}
	return l.closeAt(ctx, p, closePrice)
}

// ExecuteSpotFill applies a spot fill at fillPrice. BUY merges into the
// holding via quantity-weighted average price; SELL reduces the holding and
// realizes (fillPrice − averagePrice) × soldQuantity.
func (l *Ledger) ExecuteSpotFill(ctx context.Context, o *model.Order, fillPrice decimal.Decimal) error {
	pair, err := symbol.Parse(o.Symbol)
	if err != nil {
		return err
	}

	if o.Side == model.SideBuy {
		return l.spotBuy(ctx, o.UserID, pair, o.Quantity, fillPrice)
	}
	return l.spotSell(ctx, o.UserID, pair.Base, o.Quantity, fillPrice)
}

func (l *Ledger) spotBuy(ctx context.Context, userID string, pair *symbol.Pair, quantity, price decimal.Decimal) error {
	cost := quantity.Mul(price)
	fee := cost.Mul(l.cfg.SpotFeeRate)

	reason := fmt.Sprintf("spot buy %s qty=%s @ %s", pair.Base, quantity, price)
	if _, err := l.ApplyBalanceDelta(ctx, userID, cost.Add(fee).Neg(), reason); err != nil {
		return err
	}

	h, err := l.store.GetHolding(ctx, userID, pair.Base)
	if errors.Is(err, model.ErrHoldingNotFound) {
		return l.store.UpsertHolding(ctx, &model.SpotHolding{
			ID:           uuid.New().String(),
			UserID:       userID,
			Asset:        pair.Base,
			Quote:        pair.Quote,
			Quantity:     quantity,
			AveragePrice: price,
			UpdatedAt:    time.Now().UTC(),
		})
	}
	if err != nil {
		return err
	}

	newQty := h.Quantity.Add(quantity)
	h.AveragePrice = h.Quantity.Mul(h.AveragePrice).Add(quantity.Mul(price)).Div(newQty)
	h.Quantity = newQty
	h.Quote = pair.Quote // marking pair follows the latest fill
	h.UpdatedAt = time.Now().UTC()
	return l.store.UpsertHolding(ctx, h)
}

func (l *Ledger) spotSell(ctx context.Context, userID, asset string, quantity, price decimal.Decimal) error {
	h, err := l.store.GetHolding(ctx, userID, asset)
	if errors.Is(err, model.ErrHoldingNotFound) {
		return fmt.Errorf("%w: no %s holding", model.ErrInsufficientHolding, asset)
	}
	if err != nil {
		return err
	}
	if h.Quantity.LessThan(quantity.Sub(l.cfg.Epsilon)) {
		return fmt.Errorf("%w: have %s %s, selling %s", model.ErrInsufficientHolding, h.Quantity, asset, quantity)
	}

	proceeds := quantity.Mul(price)
	fee := proceeds.Mul(l.cfg.SpotFeeRate)
	realized := price.Sub(h.AveragePrice).Mul(quantity)

	reason := fmt.Sprintf("spot sell %s qty=%s @ %s pnl=%s", asset, quantity, price, realized)
	if _, err := l.ApplyBalanceDelta(ctx, userID, proceeds.Sub(fee), reason); err != nil {
		return err
	}

	h.Quantity = h.Quantity.Sub(quantity)
	if h.Quantity.LessThanOrEqual(l.cfg.DustThreshold) {
		return l.store.DeleteHolding(ctx, h.ID)
	}
	h.UpdatedAt = time.Now().UTC()
	return l.store.UpsertHolding(ctx, h)
}
