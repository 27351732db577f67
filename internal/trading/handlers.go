package trading

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/model"
	"github.com/cryptolearn/trading-engine/internal/risk"
)

// --- HTTP Handlers ---

// HandleSubmitOrder handles POST /api/v1/orders
func (s *Service) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.SubmitOrder(r.Context(), req)
	if err != nil {
		// A rejected MARKET order still carries the terminal order record.
		if order != nil && order.Status == model.OrderRejected {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(httpStatus(err))
			json.NewEncoder(w).Encode(map[string]any{
				"error": err.Error(),
				"order": order,
			})
			return
		}
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// HandleCancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=...
func (s *Service) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	order, err := s.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// HandleListOrders handles GET /api/v1/orders?user_id=...
func (s *Service) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	orders, err := s.store.ListOrdersByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// closeRequest is the JSON body for the position-close endpoints.
type closeRequest struct {
	UserID string          `json:"user_id"`
	Price  decimal.Decimal `json:"price"` // optional; 0 → latest tick
}

// HandleClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) HandleClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	position, err := s.ClosePosition(r.Context(), req.UserID, positionID, req.Price)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(position)
}

// HandleCloseAllPositions handles POST /api/v1/positions/close-all
func (s *Service) HandleCloseAllPositions(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	closed, err := s.CloseAllPositions(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"closed": closed})
}

// HandleGetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	portfolio, err := s.Portfolio(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	if portfolio.Positions == nil {
		portfolio.Positions = []model.Position{}
	}
	if portfolio.Holdings == nil {
		portfolio.Holdings = []model.SpotHolding{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(portfolio)
}

// HandleGetLedger handles GET /api/v1/ledger/{userID}
// Returns the append-only balance mutation history, newest first.
func (s *Service) HandleGetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	entries, err := s.store.GetLedgerEntries(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// HandleGetPrice handles GET /api/v1/prices/{market}/{symbol}
func (s *Service) HandleGetPrice(w http.ResponseWriter, r *http.Request) {
	mt := model.MarketType(strings.ToUpper(chi.URLParam(r, "market")))
	if mt != model.MarketSpot && mt != model.MarketFutures {
		writeError(w, "market must be spot or futures", http.StatusBadRequest)
		return
	}
	sym := strings.ToUpper(chi.URLParam(r, "symbol"))

	tick, ok := s.CurrentPrice(sym, mt)
	if !ok {
		writeError(w, "no price for "+sym, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tick)
}

// HandleConnectionStatus handles GET /api/v1/status
func (s *Service) HandleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"connections": s.ConnectionStatus(),
		"queue_depth": s.queue.Len(),
	})
}

// httpStatus maps domain errors to HTTP status codes.
func httpStatus(err error) int {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrPositionNotFound),
		errors.Is(err, model.ErrHoldingNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientHolding),
		errors.Is(err, model.ErrOrderNotCancelable),
		errors.Is(err, model.ErrPriceUnavailable),
		errors.Is(err, risk.ErrSymbolLimitExceeded),
		errors.Is(err, risk.ErrTotalLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
