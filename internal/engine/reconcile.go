package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bybit-grid-bot-go/internal/exchange"
	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"
	"bybit-grid-bot-go/internal/planner"
	"bybit-grid-bot-go/internal/storage"
)

// ensureLevels makes the grid_levels table match the configured level set.
// Existing rows from a previous run of the same grid survive so desired
// sides are not lost across restarts; any mismatch rebuilds from scratch.
func (g *GridInstance) ensureLevels(ctx context.Context, currentPrice float64) error {
	prices := g.gridLevels()
	stored, err := g.store.ListLevels()
	if err != nil {
		return err
	}
	if levelsMatch(stored, prices) {
		return nil
	}

	sides, err := planner.ClassifyInitialSides(prices, currentPrice)
	if err != nil {
		return err
	}
	levels := make([]models.GridLevel, len(prices))
	for i, price := range prices {
		levels[i] = models.GridLevel{Index: i, Price: price, Side: sides[i]}
	}
	if err := g.store.ReplaceLevels(levels); err != nil {
		return err
	}
	logger.S().Infof("initialized %d grid levels around price %.8g", len(levels), currentPrice)
	return nil
}

func levelsMatch(stored []models.GridLevel, prices []float64) bool {
	if len(stored) != len(prices) {
		return false
	}
	for i, level := range stored {
		if level.Index != i || level.Price != prices[i] {
			return false
		}
	}
	return true
}

// resolvedOrder pairs a local order with its final exchange-side state.
// A nil state means the exchange has no record of the order at all.
type resolvedOrder struct {
	order models.Order
	state *exchange.OrderState
}

// reconcile is one full pass: diff local active orders against the live
// snapshot, resolve the divergent ones through order history, commit the
// resulting fills atomically, then place whatever orders the grid wants.
func (g *GridInstance) reconcile(ctx context.Context) error {
	cfg := g.config()
	if err := g.resolveActiveOrders(ctx, cfg); err != nil {
		return err
	}
	return g.placeDesired(ctx, cfg)
}

// resolveActiveOrders settles the divergence between local active orders and
// the exchange's authoritative view. It serves both the tick loop and the
// startup recovery path.
func (g *GridInstance) resolveActiveOrders(ctx context.Context, cfg *models.GridConfig) error {
	openOrders, err := g.exchange.GetOpenOrders(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open orders snapshot: %w", err)
	}
	remote := make(map[string]exchange.OrderState, len(openOrders))
	for _, state := range openOrders {
		remote[state.OrderLinkID] = state
	}

	// Low-to-high price, buys before sells at the same price, so compensating
	// placements stay deterministic under fast swings.
	active, err := g.store.ActiveOrders(cfg.Symbol)
	if err != nil {
		return err
	}

	var fills, gone []resolvedOrder
	for _, order := range active {
		if state, ok := remote[order.OrderLinkID]; ok {
			// Live on the exchange. Promote a pending anchor whose ack we
			// never saw (timed-out call, crash after submit).
			if order.Status == models.StatusPendingSubmit {
				if err := g.store.UpdateOrderStatus(order.OrderLinkID, models.StatusOpen, state.ExchangeOrderID); err != nil {
					return err
				}
				logger.S().Infof("adopted order %s already live on exchange", order.OrderLinkID)
			}
			continue
		}

		// Absent from the snapshot: the history lookup decides between
		// filled, cancelled and never-arrived.
		state, err := g.exchange.GetOrderHistory(ctx, cfg.Symbol, order.OrderLinkID)
		if err != nil {
			return fmt.Errorf("resolve order %s: %w", order.OrderLinkID, err)
		}
		switch {
		case state == nil:
			// The exchange never saw it; the placement call died in flight.
			gone = append(gone, resolvedOrder{order: order})
		case state.Status == models.StatusFilled:
			fills = append(fills, resolvedOrder{order: order, state: state})
		case state.Status == models.StatusOpen:
			// Snapshot lagged behind; treat as live.
			if order.Status == models.StatusPendingSubmit {
				if err := g.store.UpdateOrderStatus(order.OrderLinkID, models.StatusOpen, state.ExchangeOrderID); err != nil {
					return err
				}
			}
		default:
			gone = append(gone, resolvedOrder{order: order, state: state})
		}
	}

	if len(fills) > 0 || len(gone) > 0 {
		if err := g.applyResolutions(cfg, fills, gone); err != nil {
			return err
		}
	}
	return nil
}

// applyResolutions commits all of one tick's fill and cancellation effects in
// a single transaction. The ledger mutates first; if the commit then fails
// the engine halts and the ledger is rebuilt from the trades table on the
// next start, so the two cannot silently diverge.
func (g *GridInstance) applyResolutions(cfg *models.GridConfig, fills, gone []resolvedOrder) error {
	levels, err := g.store.ListLevels()
	if err != nil {
		return err
	}
	byIndex := make(map[int]*models.GridLevel, len(levels))
	for i := range levels {
		byIndex[levels[i].Index] = &levels[i]
	}

	return g.store.ReconcileTx(func(tx *storage.TickTx) error {
		for _, f := range fills {
			fillPrice := f.state.FilledPrice
			if fillPrice <= 0 {
				fillPrice = f.order.Price
			}
			fillQty := f.state.FilledQuantity
			if fillQty <= 0 {
				fillQty = f.order.Quantity
			}
			commission := f.state.Commission

			profit, closing := g.ledger.RecordFill(f.order.Side, f.order.GridIndex, fillPrice, fillQty, commission)

			if err := tx.MarkOrderFilled(f.order.OrderLinkID, fillPrice, fillQty, commission); err != nil {
				return err
			}
			if err := tx.InsertTrade(&models.Trade{
				OrderLinkID: f.order.OrderLinkID,
				Symbol:      f.order.Symbol,
				Side:        f.order.Side,
				GridIndex:   f.order.GridIndex,
				Price:       fillPrice,
				Quantity:    fillQty,
				Commission:  commission,
				Profit:      profit,
				Closing:     closing,
				ExecutedAt:  time.Now(),
			}); err != nil {
				return err
			}
			logger.S().Infof("fill detected: %s %s %.8g @ %.8g (profit %.8g, closing %v)",
				f.order.Side, f.order.Symbol, fillQty, fillPrice, profit, closing)

			if level, ok := byIndex[f.order.GridIndex]; ok {
				g.clearLevel(cfg, level, f.order.Side)
				if err := tx.SetLevel(level); err != nil {
					return err
				}
			}

			// Compensating order one level away; the boundary is a hard edge.
			target, ok := planner.CompensationIndex(f.order.GridIndex, f.order.Side, len(levels))
			if !ok {
				logger.S().Infof("fill at boundary level %d, no compensating order placed", f.order.GridIndex)
				continue
			}
			targetLevel, ok := byIndex[target]
			if !ok {
				continue
			}
			if targetLevel.Side != models.None || targetLevel.OrderLinkID != "" {
				logger.S().Debugf("compensation level %d already armed (%s), skipping", target, targetLevel.Side)
				continue
			}
			targetLevel.Side = f.order.Side.Opposite()
			targetLevel.OrderLinkID = ""
			if err := tx.SetLevel(targetLevel); err != nil {
				return err
			}
		}

		for _, r := range gone {
			status := models.StatusCancelled
			if r.state != nil {
				status = r.state.Status
			}
			if err := tx.MarkOrderStatus(r.order.OrderLinkID, status); err != nil {
				return err
			}
			logger.S().Warnf("order %s resolved as %s without fill", r.order.OrderLinkID, status)
			if level, ok := byIndex[r.order.GridIndex]; ok {
				g.clearLevel(cfg, level, r.order.Side)
				if err := tx.SetLevel(level); err != nil {
					return err
				}
			}
		}

		snapshot := g.ledger.Snapshot()
		return tx.UpsertPerformance(&snapshot)
	})
}

// clearLevel empties a level after its order left the book and applies the
// re-arm policy: immediate keeps the original side desired, on_cross idles
// the level until the price revisits it.
func (g *GridInstance) clearLevel(cfg *models.GridConfig, level *models.GridLevel, originalSide models.Side) {
	level.OrderLinkID = ""
	if cfg.RearmPolicy == models.RearmOnCross {
		level.Side = models.None
		return
	}
	level.Side = originalSide
}

// placeDesired walks levels low-to-high and places an order wherever a side
// is desired but nothing is live, respecting the open-order cap. Placement
// failures defer to the next tick instead of aborting the grid.
func (g *GridInstance) placeDesired(ctx context.Context, cfg *models.GridConfig) error {
	levels, err := g.store.ListLevels()
	if err != nil {
		return err
	}
	activeCount, err := g.store.CountActiveOrders(cfg.Symbol)
	if err != nil {
		return err
	}

	var firstErr error
	for i := range levels {
		level := &levels[i]
		if level.Side == models.None || level.OrderLinkID != "" {
			continue
		}
		if cfg.MaxOpenOrders > 0 && activeCount >= cfg.MaxOpenOrders {
			logger.S().Debugf("open order cap %d reached, deferring placement at level %d", cfg.MaxOpenOrders, level.Index)
			break
		}

		if err := g.placeOrder(ctx, cfg, level); err != nil {
			var rejected *models.OrderRejectedError
			if errors.As(err, &rejected) {
				// Business rejection: deferred, the condition likely persists.
				logger.S().Warnf("placement rejected at level %d price %.8g: %v", level.Index, level.Price, err)
				continue
			}
			var corruption *models.StateCorruptionError
			if errors.As(err, &corruption) {
				return err
			}
			logger.S().Warnf("placement failed at level %d price %.8g, retrying next tick: %v", level.Index, level.Price, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		activeCount++
	}
	return firstErr
}

// placeOrder performs one placement with its crash-safety anchor: the
// pending_submit row and the level link are durable before the network call,
// and a call with unknown outcome stays pending for the next reconcile pass
// to resolve through order history.
func (g *GridInstance) placeOrder(ctx context.Context, cfg *models.GridConfig, level *models.GridLevel) error {
	linkID := exchange.NewOrderLinkID(level.Side, level.Index)
	now := time.Now()

	order := &models.Order{
		OrderLinkID: linkID,
		Symbol:      cfg.Symbol,
		Side:        level.Side,
		Price:       level.Price,
		Quantity:    cfg.Quantity,
		Status:      models.StatusPendingSubmit,
		GridIndex:   level.Index,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateOrder(order); err != nil {
		return err
	}
	level.OrderLinkID = linkID
	if err := g.store.SetLevel(level); err != nil {
		return err
	}

	ack, err := g.exchange.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:      cfg.Symbol,
		Category:    cfg.Category,
		Side:        level.Side,
		Price:       level.Price,
		Quantity:    cfg.Quantity,
		OrderLinkID: linkID,
	})
	if err != nil {
		var rejected *models.OrderRejectedError
		if errors.As(err, &rejected) {
			if storeErr := g.store.UpdateOrderStatus(linkID, models.StatusRejected, ""); storeErr != nil {
				return storeErr
			}
			// Keep the desired side so a later tick can try again once the
			// rejection cause clears.
			level.OrderLinkID = ""
			if storeErr := g.store.SetLevel(level); storeErr != nil {
				return storeErr
			}
			return err
		}
		// Unknown outcome (timeout, transport failure): leave the pending
		// anchor in place; reconciliation re-queries actual exchange state
		// instead of assuming failure or success.
		return err
	}

	if err := g.store.UpdateOrderStatus(linkID, models.StatusOpen, ack.ExchangeOrderID); err != nil {
		return err
	}
	logger.S().Infof("placed %s at level %d price %.8g (link %s)", level.Side, level.Index, level.Price, linkID)
	return nil
}
