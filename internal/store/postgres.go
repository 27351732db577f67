package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, created_at, updated_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, a.Balance.String(), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateAccountBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, updated_at = $3 WHERE user_id = $1`,
		userID, balance.String(), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAccountNotFound
	}
	return nil
}

// --- Ledger ---

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, balance, reason, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		e.ID, e.UserID, e.Amount.String(), e.Balance.String(), e.Reason, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, balance::TEXT, reason, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS, balanceS string
		if err := rows.Scan(&e.ID, &e.UserID, &amountS, &balanceS, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Balance, _ = decimal.NewFromString(balanceS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Orders ---

const orderColumns = `id, user_id, symbol, side, type, market_type,
	quantity::TEXT, price::TEXT, filled_quantity::TEXT, fee::TEXT,
	leverage, status, created_at, filled_at, cancelled_at`

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, side, type, market_type,
		                     quantity, price, filled_quantity, fee,
		                     leverage, status, created_at, filled_at, cancelled_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15)`,
		o.ID, o.UserID, o.Symbol, o.Side, o.Type, o.MarketType,
		o.Quantity.String(), o.Price.String(), o.FilledQuantity.String(), o.Fee.String(),
		o.Leverage, o.Status, o.CreatedAt, o.FilledAt, o.CancelledAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListPendingOrdersBySymbol(ctx context.Context, sym string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = $1 AND status = 'PENDING'
		 ORDER BY created_at, id`, sym)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) MarkOrderFilled(ctx context.Context, id string, fee decimal.Decimal, filledAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = 'FILLED', filled_quantity = quantity, fee = $2::NUMERIC, filled_at = $3
		 WHERE id = $1 AND status = 'PENDING'`,
		id, fee.String(), filledAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkOrderCancelled(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = 'CANCELLED', cancelled_at = $2
		 WHERE id = $1 AND status = 'PENDING'`,
		id, cancelledAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrOrderNotFound
	}
	return nil
}

// --- Positions ---

const positionColumns = `id, user_id, symbol, side,
	quantity::TEXT, entry_price::TEXT, current_price::TEXT,
	leverage, margin::TEXT, realized_pnl::TEXT, liquidation_price::TEXT,
	status, opened_at, closed_at`

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, symbol, side,
		                        quantity, entry_price, current_price,
		                        leverage, margin, realized_pnl, liquidation_price,
		                        status, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4,
		         $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13, $14)`,
		p.ID, p.UserID, p.Symbol, p.Side,
		p.Quantity.String(), p.EntryPrice.String(), p.CurrentPrice.String(),
		p.Leverage, p.Margin.String(), p.RealizedPnl.String(), p.LiquidationPrice.String(),
		p.Status, p.OpenedAt, p.ClosedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetOpenPosition(ctx context.Context, userID, sym string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND symbol = $2 AND status = 'OPEN'`, userID, sym)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open position %s/%s: %w", userID, sym, err)
	}
	return p, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND status = 'OPEN' ORDER BY opened_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET quantity = $2::NUMERIC, entry_price = $3::NUMERIC, current_price = $4::NUMERIC,
		     margin = $5::NUMERIC, realized_pnl = $6::NUMERIC, liquidation_price = $7::NUMERIC,
		     status = $8, closed_at = $9
		 WHERE id = $1`,
		p.ID,
		p.Quantity.String(), p.EntryPrice.String(), p.CurrentPrice.String(),
		p.Margin.String(), p.RealizedPnl.String(), p.LiquidationPrice.String(),
		p.Status, p.ClosedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrPositionNotFound
	}
	return nil
}

// --- Spot holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, userID, asset string) (*model.SpotHolding, error) {
	var h model.SpotHolding
	var qtyS, avgS string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, asset, quote, quantity::TEXT, average_price::TEXT, updated_at
		 FROM spot_holdings WHERE user_id = $1 AND asset = $2`, userID, asset).
		Scan(&h.ID, &h.UserID, &h.Asset, &h.Quote, &qtyS, &avgS, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrHoldingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", userID, asset, err)
	}

	h.Quantity, _ = decimal.NewFromString(qtyS)
	h.AveragePrice, _ = decimal.NewFromString(avgS)
	return &h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.SpotHolding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, quote, quantity::TEXT, average_price::TEXT, updated_at
		 FROM spot_holdings WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.SpotHolding
	for rows.Next() {
		var h model.SpotHolding
		var qtyS, avgS string
		if err := rows.Scan(&h.ID, &h.UserID, &h.Asset, &h.Quote, &qtyS, &avgS, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Quantity, _ = decimal.NewFromString(qtyS)
		h.AveragePrice, _ = decimal.NewFromString(avgS)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) UpsertHolding(ctx context.Context, h *model.SpotHolding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO spot_holdings (id, user_id, asset, quote, quantity, average_price, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (user_id, asset) DO UPDATE
		 SET quote = EXCLUDED.quote,
		     quantity = EXCLUDED.quantity,
		     average_price = EXCLUDED.average_price,
		     updated_at = EXCLUDED.updated_at`,
		h.ID, h.UserID, h.Asset, h.Quote, h.Quantity.String(), h.AveragePrice.String(), h.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteHolding(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM spot_holdings WHERE id = $1`, id)
	return err
}

// --- Row scanning helpers ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var qtyS, priceS, filledS, feeS string

	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.Type, &o.MarketType,
		&qtyS, &priceS, &filledS, &feeS,
		&o.Leverage, &o.Status, &o.CreatedAt, &o.FilledAt, &o.CancelledAt); err != nil {
		return nil, err
	}

	o.Quantity, _ = decimal.NewFromString(qtyS)
	o.Price, _ = decimal.NewFromString(priceS)
	o.FilledQuantity, _ = decimal.NewFromString(filledS)
	o.Fee, _ = decimal.NewFromString(feeS)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var qtyS, entryS, currentS, marginS, realizedS, liqS string

	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Side,
		&qtyS, &entryS, &currentS,
		&p.Leverage, &marginS, &realizedS, &liqS,
		&p.Status, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}

	p.Quantity, _ = decimal.NewFromString(qtyS)
	p.EntryPrice, _ = decimal.NewFromString(entryS)
	p.CurrentPrice, _ = decimal.NewFromString(currentS)
	p.Margin, _ = decimal.NewFromString(marginS)
	p.RealizedPnl, _ = decimal.NewFromString(realizedS)
	p.LiquidationPrice, _ = decimal.NewFromString(liqS)
	return &p, nil
}
