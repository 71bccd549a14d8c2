package ledger

import (
	"time"

	"bybit-grid-bot-go/internal/models"
)

// fill is one unmatched execution waiting for its closing leg.
type fill struct {
	gridIndex  int
	price      float64
	quantity   float64
	commission float64
}

// ProfitLedger 按 FIFO 将成交撮合为完整的买卖循环并维护累计指标。
// A sell closes the unmatched buy one level below, a buy closes the
// unmatched sell one level above (the compensating order relationship).
// When no adjacent-level fill is outstanding the oldest opposite fill is
// matched instead. Owned by the reconciliation engine; not safe for
// concurrent use.
type ProfitLedger struct {
	openBuys  []fill
	openSells []fill
	snapshot  models.PerformanceSnapshot
}

// New returns an empty ledger.
func New() *ProfitLedger {
	return &ProfitLedger{}
}

// takeFill removes and returns the oldest fill at wantIndex, or the oldest
// overall when no fill at that level is outstanding.
func takeFill(fills []fill, wantIndex int) (fill, []fill, bool) {
	if len(fills) == 0 {
		return fill{}, fills, false
	}
	at := 0
	for i := range fills {
		if fills[i].gridIndex == wantIndex {
			at = i
			break
		}
	}
	taken := fills[at]
	return taken, append(fills[:at:at], fills[at+1:]...), true
}

// RecordFill feeds one confirmed fill into the ledger. Returns the realized
// profit and whether this fill closed a cycle. Grid quantities are uniform
// per instance, so fills match whole against whole.
func (l *ProfitLedger) RecordFill(side models.Side, gridIndex int, price, quantity, commission float64) (profit float64, closing bool) {
	l.snapshot.TotalTrades++
	l.snapshot.TotalCommission += commission

	entry := fill{gridIndex: gridIndex, price: price, quantity: quantity, commission: commission}

	switch side {
	case models.Sell:
		// A sell at level i is the compensating leg of a buy at level i-1.
		if buy, rest, ok := takeFill(l.openBuys, gridIndex-1); ok {
			l.openBuys = rest
			profit = (price-buy.price)*quantity - buy.commission - commission
			closing = true
		} else {
			l.openSells = append(l.openSells, entry)
		}
	case models.Buy:
		if sell, rest, ok := takeFill(l.openSells, gridIndex+1); ok {
			l.openSells = rest
			profit = (sell.price-price)*quantity - sell.commission - commission
			closing = true
		} else {
			l.openBuys = append(l.openBuys, entry)
		}
	}

	if closing {
		l.snapshot.ClosedCycles++
		l.snapshot.TotalProfit += profit
		if profit > 0 {
			l.snapshot.WinningCycles++
		}
		l.snapshot.WinRate = float64(l.snapshot.WinningCycles) / float64(l.snapshot.ClosedCycles)
		l.snapshot.AvgProfit = l.snapshot.TotalProfit / float64(l.snapshot.ClosedCycles)
	}
	l.snapshot.UpdatedAt = time.Now()
	return profit, closing
}

// Snapshot returns a copy of the current aggregate.
func (l *ProfitLedger) Snapshot() models.PerformanceSnapshot {
	return l.snapshot
}

// Replay rebuilds the ledger from the raw trade sequence, oldest first.
// Only side/level/price/quantity/commission are consulted: the stored profit
// columns must come out identical, which makes the performance table
// reproducible rather than authoritative.
func (l *ProfitLedger) Replay(trades []models.Trade) {
	*l = ProfitLedger{}
	for _, t := range trades {
		l.RecordFill(t.Side, t.GridIndex, t.Price, t.Quantity, t.Commission)
	}
}
