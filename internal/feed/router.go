// Package feed maintains the live price stream: upstream tick sources (one
// per market type), a subscriber registry keyed by (symbol, market), and the
// handoff into the matching serializer.
package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cryptolearn/trading-engine/internal/metrics"
	"github.com/cryptolearn/trading-engine/internal/model"
)

// Callback receives price ticks for one (symbol, market) subscription.
type Callback func(model.PriceTick)

// TickSink receives every valid tick regardless of subscriber presence, so
// resting limit orders fill even with no active UI. Implemented by the
// matching serializer.
type TickSink interface {
	OnTick(tick model.PriceTick)
}

// ConnectionStatus describes one upstream connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusReconnecting ConnectionStatus = "RECONNECTING"
	StatusDisconnected ConnectionStatus = "DISCONNECTED" // retry budget exhausted
)

// Source is one upstream tick connection. Run blocks until the context is
// cancelled or the reconnect budget is exhausted.
type Source interface {
	Name() string
	Run(ctx context.Context)
	Status() ConnectionStatus
}

type key struct {
	symbol string
	market model.MarketType
}

type subscriber struct {
	id int
	cb Callback
}

// Router fans ticks out to subscribers and always forwards them to the sink.
// It retains only the most recent tick per (symbol, market) key.
type Router struct {
	mu        sync.RWMutex
	subs      map[key][]subscriber
	snapshots map[key]model.PriceTick
	nextID    int
	sink      TickSink

	srcMu   sync.RWMutex
	sources map[string]Source
}

// NewRouter creates a router with no sink attached.
func NewRouter() *Router {
	return &Router{
		subs:      make(map[key][]subscriber),
		snapshots: make(map[key]model.PriceTick),
		sources:   make(map[string]Source),
	}
}

// AttachSink sets the matching-serializer sink. Must be called before any
// source starts publishing.
func (r *Router) AttachSink(sink TickSink) { r.sink = sink }

// RegisterSource records a source for connection-status reporting.
func (r *Router) RegisterSource(s Source) {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	r.sources[s.Name()] = s
}

// Publish validates and distributes one inbound tick: store it as the latest
// snapshot, invoke subscribers synchronously (a panicking callback is caught
// and logged, never propagated to siblings), and forward to the sink.
func (r *Router) Publish(tick model.PriceTick) {
	if !tick.LastPrice.IsPositive() {
		// Malformed ticks are dropped silently (non-fatal).
		metrics.TicksDropped.Inc()
		return
	}
	metrics.TicksReceived.WithLabelValues(string(tick.MarketType)).Inc()

	k := key{symbol: tick.Symbol, market: tick.MarketType}

	r.mu.Lock()
	r.snapshots[k] = tick
	subs := make([]subscriber, len(r.subs[k]))
	copy(subs, r.subs[k])
	r.mu.Unlock()

	for _, s := range subs {
		deliver(s.cb, tick)
	}

	if r.sink != nil {
		r.sink.OnTick(tick)
	}
}

// deliver invokes one callback with panic isolation.
func deliver(cb Callback, tick model.PriceTick) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("subscriber callback panicked",
				"symbol", tick.Symbol, "market", tick.MarketType, "panic", rec)
		}
	}()
	cb(tick)
}

// Subscribe registers cb for (symbol, market) ticks. The last known snapshot,
// if any, is delivered immediately. The returned unsubscribe handle is
// idempotent; unsubscribing the last subscriber for a key evicts the cached
// snapshot but never affects the matching sink.
func (r *Router) Subscribe(sym string, mt model.MarketType, cb Callback) (unsubscribe func()) {
	k := key{symbol: sym, market: mt}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[k] = append(r.subs[k], subscriber{id: id, cb: cb})
	snapshot, hasSnapshot := r.snapshots[k]
	r.mu.Unlock()

	if hasSnapshot {
		deliver(cb, snapshot)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			list := r.subs[k]
			for i, s := range list {
				if s.id == id {
					r.subs[k] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(r.subs[k]) == 0 {
				delete(r.subs, k)
				delete(r.snapshots, k) // lazy snapshot eviction
			}
		})
	}
}

// CurrentPrice returns the latest snapshot for (symbol, market).
func (r *Router) CurrentPrice(sym string, mt model.MarketType) (model.PriceTick, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tick, ok := r.snapshots[key{symbol: sym, market: mt}]
	return tick, ok
}

// ConnectionStatus reports the status of every registered upstream
// connection, keyed by source name.
func (r *Router) ConnectionStatus() map[string]ConnectionStatus {
	r.srcMu.RLock()
	defer r.srcMu.RUnlock()

	out := make(map[string]ConnectionStatus, len(r.sources))
	for name, s := range r.sources {
		out[name] = s.Status()
	}
	return out
}
