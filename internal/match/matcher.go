// Package match holds the pending-order index and the per-symbol matching
// serializer that fills resting limit orders against the live price stream.
package match

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/model"
	"github.com/cryptolearn/trading-engine/internal/store"
)

// Executor performs the ledger side of a fill. Implemented by the trading
// facade, which routes the work through the mutation queue.
type Executor interface {
	// FillPendingOrder transitions the order PENDING → FILLED and applies
	// its ledger effects at the order's own limit price. Returns
	// model.ErrStaleOrderState when the order already left PENDING.
	FillPendingOrder(ctx context.Context, o model.Order) error
}

// stateKey identifies one matching stream: spot and futures ticks for the
// same symbol serialize independently.
type stateKey struct {
	symbol string
	market model.MarketType
}

// symbolState serializes matching passes for one (symbol, market) key: at
// most one pass is in flight, and ticks arriving during a pass coalesce to
// the latest price.
type symbolState struct {
	running bool
	next    model.PriceTick
	hasNext bool
}

// Matcher fills resting limit orders. Passes for different (symbol, market)
// keys run fully in parallel; within one key they are strictly serialized in
// tick-arrival order.
type Matcher struct {
	index *Index
	store store.Store
	exec  Executor

	mu     sync.Mutex
	states map[stateKey]*symbolState
}

// NewMatcher creates a matcher over the given index and store.
func NewMatcher(index *Index, st store.Store, exec Executor) *Matcher {
	return &Matcher{
		index:  index,
		store:  st,
		exec:   exec,
		states: make(map[stateKey]*symbolState),
	}
}

// Index exposes the pending-order index for mirroring by the facade.
func (m *Matcher) Index() *Index { return m.index }

// OnTick schedules a matching pass for the tick's (symbol, market) key.
// Cheap no-op when no orders rest for the symbol. If a pass is already in
// flight for the key the tick is coalesced: once the pass finishes, one more
// pass runs with the latest price seen in the meantime.
func (m *Matcher) OnTick(tick model.PriceTick) {
	if m.index.Len(tick.Symbol) == 0 {
		return
	}

	key := stateKey{symbol: tick.Symbol, market: tick.MarketType}
	m.mu.Lock()
	st, ok := m.states[key]
	if !ok {
		st = &symbolState{}
		m.states[key] = st
	}
	if st.running {
		st.next = tick
		st.hasNext = true
		m.mu.Unlock()
		return
	}
	st.running = true
	m.mu.Unlock()

	go m.drain(tick)
}

func (m *Matcher) drain(tick model.PriceTick) {
	for {
		m.runPass(tick)

		m.mu.Lock()
		st := m.states[stateKey{symbol: tick.Symbol, market: tick.MarketType}]
		if st.hasNext {
			tick = st.next
			st.hasNext = false
			m.mu.Unlock()
			continue
		}
		st.running = false
		m.mu.Unlock()
		return
	}
}

// satisfies is the matching predicate: a BUY limit fills when the tick price
// is at or below the limit, a SELL limit when at or above.
func satisfies(side model.OrderSide, tickPrice, limitPrice decimal.Decimal) bool {
	if side == model.SideBuy {
		return tickPrice.LessThanOrEqual(limitPrice)
	}
	return tickPrice.GreaterThanOrEqual(limitPrice)
}

// runPass evaluates resting orders oldest-first against one tick. Fills
// execute at the order's own limit price, not the tick price — this models a
// simulated exchange and is preserved deliberately.
func (m *Matcher) runPass(tick model.PriceTick) {
	ctx := context.Background()

	for _, o := range m.index.Pending(tick.Symbol) {
		if o.MarketType != tick.MarketType {
			continue
		}
		if !satisfies(o.Side, tick.LastPrice, o.Price) {
			continue
		}

		// Race guard: re-fetch from the source of truth right before
		// filling; a concurrent cancel wins if it got there first.
		current, err := m.store.GetOrder(ctx, o.ID)
		if err != nil {
			if errors.Is(err, model.ErrOrderNotFound) {
				m.index.Remove(o.Symbol, o.ID)
			} else {
				slog.Error("order refetch failed", "order", o.ID, "err", err)
			}
			continue
		}
		if current.Status != model.OrderPending {
			m.index.Remove(o.Symbol, o.ID)
			continue
		}

		err = m.exec.FillPendingOrder(ctx, *current)
		switch {
		case err == nil:
			slog.Info("limit order filled",
				"order", o.ID, "symbol", o.Symbol, "side", o.Side,
				"price", o.Price.String(), "tick", tick.LastPrice.String())
		case errors.Is(err, model.ErrStaleOrderState):
			// Lost the race to a cancel; recovered locally, never surfaced.
		default:
			slog.Warn("limit order rejected on fill",
				"order", o.ID, "symbol", o.Symbol, "err", err)
		}
		// Terminal either way (FILLED, CANCELLED or REJECTED).
		m.index.Remove(o.Symbol, o.ID)
	}
}
