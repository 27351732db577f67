// Package trading — WebSocket hub for real-time price broadcasting.
package trading

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cryptolearn/trading-engine/internal/metrics"
	"github.com/cryptolearn/trading-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type               string `json:"type"`
	Symbol             string `json:"symbol"`
	MarketType         string `json:"market_type"`
	LastPrice          string `json:"last_price,omitempty"`
	PriceChange        string `json:"price_change,omitempty"`
	PriceChangePercent string `json:"price_change_percent,omitempty"`
	Volume             string `json:"volume,omitempty"`
	OrderID            string `json:"order_id,omitempty"`
	Side               string `json:"side,omitempty"`
	Price              string `json:"price,omitempty"`
	Quantity           string `json:"quantity,omitempty"`
}

// TickMessage builds the broadcast payload for one price tick.
func TickMessage(tick model.PriceTick) WSMessage {
	return WSMessage{
		Type:               "price_tick",
		Symbol:             tick.Symbol,
		MarketType:         string(tick.MarketType),
		LastPrice:          tick.LastPrice.String(),
		PriceChange:        tick.PriceChange.String(),
		PriceChangePercent: tick.PriceChangePercent.String(),
		Volume:             tick.Volume.String(),
	}
}

// FillMessage builds the broadcast payload for one order fill.
func FillMessage(o *model.Order, fillPrice string) WSMessage {
	return WSMessage{
		Type:       "order_filled",
		Symbol:     o.Symbol,
		MarketType: string(o.MarketType),
		OrderID:    o.ID,
		Side:       string(o.Side),
		Price:      fillPrice,
		Quantity:   o.Quantity.String(),
	}
}

// WSHub manages WebSocket connections and broadcasts price updates to all
// connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the tick path.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
