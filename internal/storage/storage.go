package storage

import (
	"database/sql"
	"fmt"
	"time"

	"bybit-grid-bot-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Store 是网格状态的持久化存储，也是进程重启后的唯一事实来源。
// Writes follow two shapes: small committed anchors around order placement,
// and one atomic transaction per reconciliation tick (ReconcileTx).
type Store struct {
	db *sql.DB
}

// Open initializes the database connection and creates necessary tables.
func Open(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Orders table stores the durable mirror of every order the bot placed.
	// This table is crucial for the recovery process.
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		order_link_id TEXT PRIMARY KEY,
		exchange_order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		status TEXT NOT NULL,
		grid_index INTEGER NOT NULL,
		filled_price REAL NOT NULL DEFAULT 0,
		filled_quantity REAL NOT NULL DEFAULT 0,
		commission REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	// Trades are append-only; profit is only set on closing legs.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_link_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		grid_index INTEGER NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		commission REAL NOT NULL DEFAULT 0,
		profit REAL NOT NULL DEFAULT 0,
		closing BOOLEAN NOT NULL DEFAULT 0,
		executed_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	createLevelsTableSQL := `
	CREATE TABLE IF NOT EXISTS grid_levels (
		idx INTEGER PRIMARY KEY,
		price REAL NOT NULL,
		side TEXT NOT NULL,
		order_link_id TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createLevelsTableSQL); err != nil {
		return err
	}

	// Single-row aggregate, always reproducible from the trades table.
	createPerformanceTableSQL := `
	CREATE TABLE IF NOT EXISTS performance (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total_trades INTEGER NOT NULL,
		closed_cycles INTEGER NOT NULL,
		winning_cycles INTEGER NOT NULL,
		total_profit REAL NOT NULL,
		total_commission REAL NOT NULL,
		win_rate REAL NOT NULL,
		avg_profit REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createPerformanceTableSQL); err != nil {
		return err
	}

	return nil
}

// corrupt wraps a write failure into the fatal taxonomy entry.
func corrupt(op string, err error) error {
	return &models.StateCorruptionError{Op: op, Err: err}
}

// CreateOrder inserts a new order row. Called with status pending_submit
// BEFORE the exchange call so a crash in between is recoverable.
func (s *Store) CreateOrder(order *models.Order) error {
	query := `
	INSERT INTO orders (order_link_id, exchange_order_id, symbol, side, price, quantity, status, grid_index, filled_price, filled_quantity, commission, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		order.OrderLinkID, order.ExchangeOrderID, order.Symbol, order.Side,
		order.Price, order.Quantity, order.Status, order.GridIndex,
		order.FilledPrice, order.FilledQuantity, order.Commission,
		order.CreatedAt.UnixMilli(), order.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return corrupt("create order", err)
	}
	return nil
}

// UpdateOrderStatus transitions one order and records the exchange id when
// known. Used for the open/rejected anchors around placement.
func (s *Store) UpdateOrderStatus(orderLinkID string, status models.OrderStatus, exchangeOrderID string) error {
	query := `
	UPDATE orders
	SET status = ?, exchange_order_id = CASE WHEN ? != '' THEN ? ELSE exchange_order_id END, updated_at = ?
	WHERE order_link_id = ?`

	_, err := s.db.Exec(query, status, exchangeOrderID, exchangeOrderID, time.Now().UnixMilli(), orderLinkID)
	if err != nil {
		return corrupt(fmt.Sprintf("update order %s", orderLinkID), err)
	}
	return nil
}

// GetOrder retrieves one order by link id. Returns (nil, nil) when absent.
func (s *Store) GetOrder(orderLinkID string) (*models.Order, error) {
	row := s.db.QueryRow(orderSelect+" WHERE order_link_id = ?", orderLinkID)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ActiveOrders retrieves all orders that are not in a final state. This is
// the set the recovery path reconciles against the live exchange.
func (s *Store) ActiveOrders(symbol string) ([]models.Order, error) {
	query := orderSelect + ` WHERE symbol = ? AND status IN (?, ?) ORDER BY price ASC, side ASC`
	rows, err := s.db.Query(query, symbol, models.StatusPendingSubmit, models.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// CountActiveOrders returns how many orders are live or about to be.
func (s *Store) CountActiveOrders(symbol string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM orders WHERE symbol = ? AND status IN (?, ?)`,
		symbol, models.StatusPendingSubmit, models.StatusOpen,
	).Scan(&n)
	return n, err
}

// ListOrders returns orders for the dashboard, newest first. An empty status
// means all orders.
func (s *Store) ListOrders(status models.OrderStatus, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(orderSelect+` ORDER BY updated_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(orderSelect+` WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListTrades returns the most recent trades.
func (s *Store) ListTrades(limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
	SELECT id, order_link_id, symbol, side, grid_index, price, quantity, commission, profit, closing, executed_at
	FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var executedAt int64
		if err := rows.Scan(&t.ID, &t.OrderLinkID, &t.Symbol, &t.Side, &t.GridIndex,
			&t.Price, &t.Quantity, &t.Commission, &t.Profit, &t.Closing, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.ExecutedAt = time.UnixMilli(executedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// AllTrades returns every trade oldest first, for ledger replay on startup.
func (s *Store) AllTrades() ([]models.Trade, error) {
	rows, err := s.db.Query(`
	SELECT id, order_link_id, symbol, side, grid_index, price, quantity, commission, profit, closing, executed_at
	FROM trades ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var executedAt int64
		if err := rows.Scan(&t.ID, &t.OrderLinkID, &t.Symbol, &t.Side, &t.GridIndex,
			&t.Price, &t.Quantity, &t.Commission, &t.Profit, &t.Closing, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.ExecutedAt = time.UnixMilli(executedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ReplaceLevels atomically rewrites the whole grid_levels table. Used when a
// grid is (re)initialized or torn down.
func (s *Store) ReplaceLevels(levels []models.GridLevel) error {
	tx, err := s.db.Begin()
	if err != nil {
		return corrupt("replace levels", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM grid_levels`); err != nil {
		return corrupt("replace levels", err)
	}
	for _, level := range levels {
		if _, err := tx.Exec(
			`INSERT INTO grid_levels (idx, price, side, order_link_id, updated_at) VALUES (?, ?, ?, ?, ?)`,
			level.Index, level.Price, level.Side, level.OrderLinkID, time.Now().UnixMilli(),
		); err != nil {
			return corrupt("replace levels", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return corrupt("replace levels", err)
	}
	return nil
}

// SetLevel upserts a single level row outside a tick transaction.
func (s *Store) SetLevel(level *models.GridLevel) error {
	if _, err := s.db.Exec(levelUpsertSQL,
		level.Index, level.Price, level.Side, level.OrderLinkID, time.Now().UnixMilli(),
	); err != nil {
		return corrupt(fmt.Sprintf("set level %d", level.Index), err)
	}
	return nil
}

// ListLevels returns all grid levels ordered by price.
func (s *Store) ListLevels() ([]models.GridLevel, error) {
	rows, err := s.db.Query(`SELECT idx, price, side, order_link_id, updated_at FROM grid_levels ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query grid levels: %w", err)
	}
	defer rows.Close()

	var levels []models.GridLevel
	for rows.Next() {
		var level models.GridLevel
		var updatedAt int64
		if err := rows.Scan(&level.Index, &level.Price, &level.Side, &level.OrderLinkID, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan level row: %w", err)
		}
		level.UpdatedAt = time.UnixMilli(updatedAt)
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// GetPerformance returns the stored aggregate, or a zero snapshot when none
// has been written yet.
func (s *Store) GetPerformance() (*models.PerformanceSnapshot, error) {
	row := s.db.QueryRow(`
	SELECT total_trades, closed_cycles, winning_cycles, total_profit, total_commission, win_rate, avg_profit, updated_at
	FROM performance WHERE id = 1`)

	var p models.PerformanceSnapshot
	var updatedAt int64
	err := row.Scan(&p.TotalTrades, &p.ClosedCycles, &p.WinningCycles,
		&p.TotalProfit, &p.TotalCommission, &p.WinRate, &p.AvgProfit, &updatedAt)
	if err == sql.ErrNoRows {
		return &models.PerformanceSnapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

// UpsertPerformance writes the single-row aggregate.
func (s *Store) UpsertPerformance(p *models.PerformanceSnapshot) error {
	if _, err := s.db.Exec(performanceUpsertSQL,
		p.TotalTrades, p.ClosedCycles, p.WinningCycles,
		p.TotalProfit, p.TotalCommission, p.WinRate, p.AvgProfit,
		time.Now().UnixMilli(),
	); err != nil {
		return corrupt("upsert performance", err)
	}
	return nil
}

const orderSelect = `
	SELECT order_link_id, exchange_order_id, symbol, side, price, quantity, status, grid_index, filled_price, filled_quantity, commission, created_at, updated_at
	FROM orders`

const levelUpsertSQL = `
	INSERT INTO grid_levels (idx, price, side, order_link_id, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(idx) DO UPDATE SET
		price = excluded.price,
		side = excluded.side,
		order_link_id = excluded.order_link_id,
		updated_at = excluded.updated_at;`

const performanceUpsertSQL = `
	INSERT INTO performance (id, total_trades, closed_cycles, winning_cycles, total_profit, total_commission, win_rate, avg_profit, updated_at)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		total_trades = excluded.total_trades,
		closed_cycles = excluded.closed_cycles,
		winning_cycles = excluded.winning_cycles,
		total_profit = excluded.total_profit,
		total_commission = excluded.total_commission,
		win_rate = excluded.win_rate,
		avg_profit = excluded.avg_profit,
		updated_at = excluded.updated_at;`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var exchangeOrderID sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(
		&order.OrderLinkID, &exchangeOrderID, &order.Symbol, &order.Side,
		&order.Price, &order.Quantity, &order.Status, &order.GridIndex,
		&order.FilledPrice, &order.FilledQuantity, &order.Commission,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	order.ExchangeOrderID = exchangeOrderID.String
	order.CreatedAt = time.UnixMilli(createdAt)
	order.UpdatedAt = time.UnixMilli(updatedAt)
	return &order, nil
}

func scanOrders(rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}
