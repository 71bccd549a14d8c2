package storage

import (
	"database/sql"
	"fmt"
	"time"

	"bybit-grid-bot-go/internal/models"
)

// TickTx 暴露一次对账 tick 允许执行的全部变更。
// Everything inside one ReconcileTx commits atomically so a crash mid-tick
// never leaves a level holding a mix of old and new order references.
type TickTx struct {
	tx  *sql.Tx
	now int64
}

// ReconcileTx runs fn inside one transaction. Any storage failure, including
// the final commit, surfaces as StateCorruptionError; an error returned by
// fn itself rolls back and passes through unchanged.
func (s *Store) ReconcileTx(fn func(*TickTx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return corrupt("begin tick transaction", err)
	}

	tickTx := &TickTx{tx: tx, now: time.Now().UnixMilli()}
	if err := fn(tickTx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return corrupt("commit tick transaction", err)
	}
	return nil
}

// MarkOrderFilled finalizes an order with its fill details.
func (t *TickTx) MarkOrderFilled(orderLinkID string, filledPrice, filledQuantity, commission float64) error {
	_, err := t.tx.Exec(`
	UPDATE orders
	SET status = ?, filled_price = ?, filled_quantity = ?, commission = ?, updated_at = ?
	WHERE order_link_id = ?`,
		models.StatusFilled, filledPrice, filledQuantity, commission, t.now, orderLinkID)
	if err != nil {
		return corrupt(fmt.Sprintf("mark order %s filled", orderLinkID), err)
	}
	return nil
}

// MarkOrderStatus transitions an order that resolved without a fill
// (cancelled out-of-band, rejected late).
func (t *TickTx) MarkOrderStatus(orderLinkID string, status models.OrderStatus) error {
	_, err := t.tx.Exec(`UPDATE orders SET status = ?, updated_at = ? WHERE order_link_id = ?`,
		status, t.now, orderLinkID)
	if err != nil {
		return corrupt(fmt.Sprintf("mark order %s %s", orderLinkID, status), err)
	}
	return nil
}

// InsertTrade appends one immutable trade record.
func (t *TickTx) InsertTrade(trade *models.Trade) error {
	_, err := t.tx.Exec(`
	INSERT INTO trades (order_link_id, symbol, side, grid_index, price, quantity, commission, profit, closing, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.OrderLinkID, trade.Symbol, trade.Side, trade.GridIndex,
		trade.Price, trade.Quantity, trade.Commission, trade.Profit, trade.Closing,
		trade.ExecutedAt.UnixMilli())
	if err != nil {
		return corrupt(fmt.Sprintf("insert trade for %s", trade.OrderLinkID), err)
	}
	return nil
}

// SetLevel upserts one grid level row.
func (t *TickTx) SetLevel(level *models.GridLevel) error {
	_, err := t.tx.Exec(levelUpsertSQL,
		level.Index, level.Price, level.Side, level.OrderLinkID, t.now)
	if err != nil {
		return corrupt(fmt.Sprintf("set level %d", level.Index), err)
	}
	return nil
}

// UpsertPerformance writes the aggregate inside the tick transaction.
func (t *TickTx) UpsertPerformance(p *models.PerformanceSnapshot) error {
	_, err := t.tx.Exec(performanceUpsertSQL,
		p.TotalTrades, p.ClosedCycles, p.WinningCycles,
		p.TotalProfit, p.TotalCommission, p.WinRate, p.AvgProfit, t.now)
	if err != nil {
		return corrupt("upsert performance", err)
	}
	return nil
}
