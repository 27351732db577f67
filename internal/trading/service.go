// Package trading provides the public operation surface of the virtual
// trading engine — order submission, cancellation, position close and
// portfolio queries — plus the HTTP handlers exposing it.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/feed"
	"github.com/cryptolearn/trading-engine/internal/ledger"
	"github.com/cryptolearn/trading-engine/internal/match"
	"github.com/cryptolearn/trading-engine/internal/metrics"
	"github.com/cryptolearn/trading-engine/internal/model"
	"github.com/cryptolearn/trading-engine/internal/queue"
	"github.com/cryptolearn/trading-engine/internal/risk"
	"github.com/cryptolearn/trading-engine/internal/store"
	"github.com/cryptolearn/trading-engine/internal/symbol"
)

// Service composes the ledger, mutation queue, pending-order index and price
// feed router into the caller-facing trading operations.
type Service struct {
	store   store.Store
	ledger  *ledger.Ledger
	queue   *queue.Queue
	index   *match.Index
	router  *feed.Router
	limiter *risk.Limiter
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the trading facade.
// Pass nil for limiter and hub to disable exposure limits and broadcasting.
func NewService(st store.Store, led *ledger.Ledger, q *queue.Queue, index *match.Index, router *feed.Router, limiter *risk.Limiter, hub *WSHub) *Service {
	return &Service{
		store:   st,
		ledger:  led,
		queue:   q,
		index:   index,
		router:  router,
		limiter: limiter,
		wsHub:   hub,
	}
}

// --- Request types ---

// OrderRequest is the input for SubmitOrder (and the JSON body of
// POST /api/v1/orders).
type OrderRequest struct {
	UserID     string           `json:"user_id"`
	Symbol     string           `json:"symbol"`
	Side       model.OrderSide  `json:"side"`
	Type       model.OrderType  `json:"type"`
	MarketType model.MarketType `json:"market_type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Leverage   int              `json:"leverage"`
}

func (r *OrderRequest) validate() error {
	if r.UserID == "" {
		return model.Validationf("user_id", "required")
	}
	if _, err := symbol.Parse(r.Symbol); err != nil {
		return model.Validationf("symbol", "%v", err)
	}
	if r.Side != model.SideBuy && r.Side != model.SideSell {
		return model.Validationf("side", "must be BUY or SELL")
	}
	if r.Type != model.OrderMarket && r.Type != model.OrderLimit {
		return model.Validationf("type", "must be MARKET or LIMIT")
	}
	if r.MarketType != model.MarketSpot && r.MarketType != model.MarketFutures {
		return model.Validationf("market_type", "must be SPOT or FUTURES")
	}
	if !r.Quantity.IsPositive() {
		return model.Validationf("quantity", "must be positive")
	}
	if r.Type == model.OrderLimit && !r.Price.IsPositive() {
		return model.Validationf("price", "must be positive for LIMIT orders")
	}
	switch r.MarketType {
	case model.MarketFutures:
		if r.Leverage == 0 {
			r.Leverage = 1
		}
		if r.Leverage < 1 || r.Leverage > 100 {
			return model.Validationf("leverage", "must be within [1,100]")
		}
	case model.MarketSpot:
		r.Leverage = 1
	}
	return nil
}

// --- Core operations ---

// SubmitOrder validates and executes an order. MARKET orders run
// synchronously through the mutation queue and return a terminal result;
// LIMIT orders are persisted PENDING, mirrored into the pending-order index,
// and return immediately.
func (s *Service) SubmitOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	o := &model.Order{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		MarketType: req.MarketType,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Leverage:   req.Leverage,
		CreatedAt:  time.Now().UTC(),
	}

	if o.Type == model.OrderLimit {
		return s.submitLimit(ctx, o)
	}
	return s.submitMarket(ctx, o)
}

func (s *Service) submitLimit(ctx context.Context, o *model.Order) (*model.Order, error) {
	if err := s.checkExposure(ctx, o, o.Price); err != nil {
		return nil, err
	}

	o.Status = model.OrderPending
	if err := s.store.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	s.index.Add(*o)

	metrics.OrdersSubmitted.WithLabelValues(string(o.Type), string(o.MarketType)).Inc()
	slog.Info("limit order resting",
		"order", o.ID, "user", o.UserID, "symbol", o.Symbol,
		"side", o.Side, "price", o.Price.String(), "qty", o.Quantity.String())
	return o, nil
}

func (s *Service) submitMarket(ctx context.Context, o *model.Order) (*model.Order, error) {
	fillPrice, err := s.referencePrice(o)
	if err != nil {
		return nil, err
	}
	if err := s.checkExposure(ctx, o, fillPrice); err != nil {
		return nil, err
	}

	// The terminal order record is written inside the queued operation: an
	// accepted operation runs to completion even when the caller stops
	// waiting, and the stored status must match what the ledger did.
	execErr := s.queue.Enqueue(ctx, func(opCtx context.Context) error {
		fillErr := s.applyFill(opCtx, o, fillPrice)
		s.recordMarketOutcome(opCtx, o, fillPrice, fillErr)
		return fillErr
	})

	if execErr != nil {
		if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
			// The operation may still be running and mutating o; report only
			// the context error. Its true outcome is persisted by the
			// operation itself.
			return nil, execErr
		}
		return o, execErr
	}
	return o, nil
}

// recordMarketOutcome persists a MARKET order's terminal status and emits the
// fill side effects. Runs inside the queued operation so the order record can
// never contradict the ledger, even when the submitter gave up waiting.
func (s *Service) recordMarketOutcome(ctx context.Context, o *model.Order, fillPrice decimal.Decimal, fillErr error) {
	if fillErr != nil {
		o.Status = model.OrderRejected
		if err := s.store.InsertOrder(ctx, o); err != nil {
			slog.Error("failed to persist rejected order", "order", o.ID, "err", err)
		}
		metrics.OrdersRejected.WithLabelValues(rejectionReason(fillErr)).Inc()
		return
	}

	now := time.Now().UTC()
	o.Status = model.OrderFilled
	o.FilledQuantity = o.Quantity
	o.Fee = s.ledger.Fee(o.MarketType, o.Quantity, fillPrice)
	o.FilledAt = &now
	if err := s.store.InsertOrder(ctx, o); err != nil {
		// The ledger effects already committed; the order row is the only
		// thing missing.
		slog.Error("failed to persist filled order", "order", o.ID, "err", err)
	}

	metrics.OrdersSubmitted.WithLabelValues(string(o.Type), string(o.MarketType)).Inc()
	metrics.OrdersFilled.WithLabelValues(string(o.Type), string(o.MarketType)).Inc()
	if s.wsHub != nil {
		s.wsHub.Broadcast(FillMessage(o, fillPrice.String()))
	}
	slog.Info("market order filled",
		"order", o.ID, "user", o.UserID, "symbol", o.Symbol,
		"side", o.Side, "price", fillPrice.String(), "qty", o.Quantity.String(),
		"fee", o.Fee.String())
}

// referencePrice resolves the execution price for a MARKET order: the latest
// tick when available, else the caller-supplied reference price.
func (s *Service) referencePrice(o *model.Order) (decimal.Decimal, error) {
	if tick, ok := s.router.CurrentPrice(o.Symbol, o.MarketType); ok {
		return tick.LastPrice, nil
	}
	if o.Price.IsPositive() {
		return o.Price, nil
	}
	return decimal.Zero, model.Validationf("price", "no live price for %s; a reference price is required", o.Symbol)
}

// applyFill routes a fill to the right side of the ledger.
func (s *Service) applyFill(ctx context.Context, o *model.Order, fillPrice decimal.Decimal) error {
	if o.MarketType == model.MarketFutures {
		return s.ledger.ExecuteFuturesFill(ctx, o, fillPrice)
	}
	return s.ledger.ExecuteSpotFill(ctx, o, fillPrice)
}

// checkExposure applies the notional exposure limits to futures submissions.
func (s *Service) checkExposure(ctx context.Context, o *model.Order, price decimal.Decimal) error {
	if s.limiter == nil || o.MarketType != model.MarketFutures {
		return nil
	}

	positions, err := s.store.ListOpenPositions(ctx, o.UserID)
	if err != nil {
		return err
	}
	existing := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		existing[p.Symbol] = existing[p.Symbol].Add(p.Quantity.Mul(p.EntryPrice))
	}

	if err := s.limiter.Check(o.Symbol, o.Quantity.Mul(price), existing); err != nil {
		metrics.OrdersRejected.WithLabelValues("exposure_limit").Inc()
		return err
	}
	return nil
}

// FillPendingOrder is the matcher's executor: it transitions a resting order
// PENDING → FILLED at the order's own limit price and applies the ledger
// effects, serialized through the mutation queue. The compare-and-set is the
// cancel-vs-fill race guard — only one of {fill, cancel} succeeds.
func (s *Service) FillPendingOrder(ctx context.Context, o model.Order) error {
	return s.queue.Enqueue(ctx, func(opCtx context.Context) error {
		fee := s.ledger.Fee(o.MarketType, o.Quantity, o.Price)
		ok, err := s.store.MarkOrderFilled(opCtx, o.ID, fee, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrStaleOrderState
		}

		if err := s.applyFill(opCtx, &o, o.Price); err != nil {
			// The fill's invariant check failed (e.g. the order became
			// unaffordable); the order is marked REJECTED asynchronously and
			// callers observe the status rather than receive a callback.
			if stErr := s.store.UpdateOrderStatus(opCtx, o.ID, model.OrderRejected); stErr != nil {
				slog.Error("failed to reject order after fill failure", "order", o.ID, "err", stErr)
			}
			metrics.OrdersRejected.WithLabelValues(rejectionReason(err)).Inc()
			return err
		}

		metrics.OrdersFilled.WithLabelValues(string(o.Type), string(o.MarketType)).Inc()
		if s.wsHub != nil {
			s.wsHub.Broadcast(FillMessage(&o, o.Price.String()))
		}
		return nil
	})
}

// CancelOrder cancels a resting order. Succeeds only while the order is
// PENDING (compare-and-set on status); otherwise ErrOrderNotCancelable.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, model.ErrOrderNotFound
	}

	now := time.Now().UTC()
	ok, err := s.store.MarkOrderCancelled(ctx, orderID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status %s", model.ErrOrderNotCancelable, o.Status)
	}
	s.index.Remove(o.Symbol, o.ID)

	o.Status = model.OrderCancelled
	o.CancelledAt = &now
	slog.Info("order cancelled", "order", o.ID, "user", userID, "symbol", o.Symbol)
	return o, nil
}

// ClosePosition closes one open position through the mutation queue. A
// non-positive closePrice resolves to the latest futures tick for the
// position's symbol.
func (s *Service) ClosePosition(ctx context.Context, userID, positionID string, closePrice decimal.Decimal) (*model.Position, error) {
	var closed *model.Position
	err := s.queue.Enqueue(ctx, func(opCtx context.Context) error {
		price := closePrice
		if !price.IsPositive() {
			p, err := s.store.GetPosition(opCtx, positionID)
			if err != nil {
				return err
			}
			tick, ok := s.router.CurrentPrice(p.Symbol, model.MarketFutures)
			if !ok {
				return fmt.Errorf("%w: %s", model.ErrPriceUnavailable, p.Symbol)
			}
			price = tick.LastPrice
		}

		var err error
		closed, err = s.ledger.ClosePosition(opCtx, userID, positionID, price)
		return err
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// CloseAllPositions closes every open position for the user, sequentially,
// inside a single queued operation so no other mutation interleaves with the
// batch. Individual failures are skipped; each close commits independently.
// Returns the number of positions closed.
func (s *Service) CloseAllPositions(ctx context.Context, userID string) (int, error) {
	closedCount := 0
	err := s.queue.Enqueue(ctx, func(opCtx context.Context) error {
		positions, err := s.store.ListOpenPositions(opCtx, userID)
		if err != nil {
			return err
		}

		for _, p := range positions {
			price := p.CurrentPrice
			if tick, ok := s.router.CurrentPrice(p.Symbol, model.MarketFutures); ok {
				price = tick.LastPrice
			}
			if !price.IsPositive() {
				slog.Warn("skipping close, no price", "position", p.ID, "symbol", p.Symbol)
				continue
			}
			if _, err := s.ledger.ClosePosition(opCtx, userID, p.ID, price); err != nil {
				slog.Warn("close failed, continuing", "position", p.ID, "err", err)
				continue
			}
			closedCount++
		}
		return nil
	})
	return closedCount, err
}

// Portfolio returns the user's account with derived margin figures, open
// positions marked to the latest ticks, and spot holdings. Read-only: not
// queued, eventually consistent with in-flight mutations.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	account, err := s.ledger.Account(ctx, userID)
	if err != nil {
		return nil, err
	}

	positions, err := s.store.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}

	usedMargin := decimal.Zero
	unrealized := decimal.Zero

	for i := range positions {
		p := &positions[i]
		if tick, ok := s.router.CurrentPrice(p.Symbol, model.MarketFutures); ok {
			p.CurrentPrice = tick.LastPrice
		}
		p.UnrealizedPnl = ledger.UnrealizedPnl(p.Side, p.EntryPrice, p.CurrentPrice, p.Quantity)
		usedMargin = usedMargin.Add(p.Margin)
		unrealized = unrealized.Add(p.UnrealizedPnl)
	}

	for i := range holdings {
		h := &holdings[i]
		if tick, ok := s.router.CurrentPrice(h.Asset+h.Quote, model.MarketSpot); ok {
			h.CurrentPrice = tick.LastPrice
		} else {
			h.CurrentPrice = h.AveragePrice
		}
		h.CurrentValue = h.Quantity.Mul(h.CurrentPrice)
		h.UnrealizedPnl = h.CurrentPrice.Sub(h.AveragePrice).Mul(h.Quantity)
		unrealized = unrealized.Add(h.UnrealizedPnl)
	}

	return &model.Portfolio{
		UserID:        userID,
		Balance:       account.Balance,
		UsedMargin:    usedMargin,
		FreeMargin:    account.Balance,
		Equity:        account.Balance.Add(usedMargin).Add(unrealized),
		UnrealizedPnl: unrealized,
		Positions:     positions,
		Holdings:      holdings,
	}, nil
}

// CurrentPrice returns the latest tick for a (symbol, market) key.
func (s *Service) CurrentPrice(sym string, mt model.MarketType) (model.PriceTick, bool) {
	return s.router.CurrentPrice(sym, mt)
}

// ConnectionStatus reports upstream tick-connection health.
func (s *Service) ConnectionStatus() map[string]feed.ConnectionStatus {
	return s.router.ConnectionStatus()
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientHolding):
		return "insufficient_holding"
	default:
		return "other"
	}
}
