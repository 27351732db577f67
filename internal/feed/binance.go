package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/backoff"
	"github.com/cryptolearn/trading-engine/internal/model"
)

// Default upstream endpoints (Binance-compatible combined streams).
const (
	SpotStreamURL    = "wss://stream.binance.com:9443/stream"
	FuturesStreamURL = "wss://fstream.binance.com/stream"
)

// WSSource consumes a Binance-style combined miniTicker stream over one
// persistent websocket connection per market type and publishes parsed ticks
// into the router. Connection failures reconnect with bounded exponential
// backoff; exhausting the budget leaves the source DISCONNECTED and reported
// via the router's connection status, not fatal to the process.
type WSSource struct {
	name    string
	url     string
	market  model.MarketType
	symbols []string
	router  *Router
	policy  backoff.Policy

	readTimeout time.Duration
	status      atomic.Value // ConnectionStatus
}

// NewWSSource creates a source for the given market type and symbols.
func NewWSSource(name, baseURL string, mt model.MarketType, symbols []string, router *Router, policy backoff.Policy) *WSSource {
	s := &WSSource{
		name:        name,
		url:         streamURL(baseURL, symbols),
		market:      mt,
		symbols:     symbols,
		router:      router,
		policy:      policy,
		readTimeout: 90 * time.Second,
	}
	s.status.Store(StatusReconnecting)
	return s
}

// streamURL builds a combined-stream URL: /stream?streams=btcusdt@miniTicker/...
func streamURL(baseURL string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@miniTicker"
	}
	return baseURL + "?streams=" + strings.Join(streams, "/")
}

// Name implements Source.
func (s *WSSource) Name() string { return s.name }

// Status implements Source.
func (s *WSSource) Status() ConnectionStatus {
	return s.status.Load().(ConnectionStatus)
}

// Run connects and consumes ticks until ctx is cancelled or the reconnect
// budget is exhausted. Each successful connection resets the budget.
func (s *WSSource) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.status.Store(StatusDisconnected)
			return
		default:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			attempt++
			if attempt >= s.policy.MaxAttempts {
				s.status.Store(StatusDisconnected)
				slog.Error("tick source gave up reconnecting",
					"source", s.name, "attempts", attempt, "err", err)
				return
			}
			s.status.Store(StatusReconnecting)
			delay := s.policy.Delay(attempt - 1)
			slog.Warn("tick source connect failed",
				"source", s.name, "attempt", attempt, "retry_in", delay, "err", err)

			select {
			case <-ctx.Done():
				s.status.Store(StatusDisconnected)
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		s.status.Store(StatusConnected)
		slog.Info("tick source connected", "source", s.name, "symbols", s.symbols)

		s.consume(ctx, conn)
		conn.Close()
		s.status.Store(StatusReconnecting)
	}
}

func (s *WSSource) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	return conn, nil
}

func (s *WSSource) consume(ctx context.Context, conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("tick source read error", "source", s.name, "err", err)
			return
		}

		tick, err := s.parse(msg)
		if err != nil {
			// Malformed tick: drop silently, keep the connection.
			continue
		}
		s.router.Publish(tick)
	}
}

// combinedMessage is the Binance combined-stream envelope.
type combinedMessage struct {
	Stream string     `json:"stream"`
	Data   miniTicker `json:"data"`
}

// miniTicker is the Binance 24h rolling-window mini ticker payload.
type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	Volume    string `json:"v"`
}

func (s *WSSource) parse(msg []byte) (model.PriceTick, error) {
	var env combinedMessage
	if err := json.Unmarshal(msg, &env); err != nil {
		return model.PriceTick{}, err
	}
	if env.Data.Symbol == "" {
		return model.PriceTick{}, fmt.Errorf("no symbol in stream %q", env.Stream)
	}

	last, err := decimal.NewFromString(env.Data.Close)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("bad close price: %w", err)
	}
	open, err := decimal.NewFromString(env.Data.Open)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("bad open price: %w", err)
	}
	volume, _ := decimal.NewFromString(env.Data.Volume)

	change := last.Sub(open)
	changePct := decimal.Zero
	if open.IsPositive() {
		changePct = change.Div(open).Mul(decimal.NewFromInt(100))
	}

	return model.PriceTick{
		Symbol:             env.Data.Symbol,
		MarketType:         s.market,
		LastPrice:          last,
		PriceChange:        change,
		PriceChangePercent: changePct,
		Volume:             volume,
		Timestamp:          time.UnixMilli(env.Data.EventTime),
	}, nil
}
