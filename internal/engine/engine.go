package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bybit-grid-bot-go/internal/exchange"
	"bybit-grid-bot-go/internal/ledger"
	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"
	"bybit-grid-bot-go/internal/persistence"
	"bybit-grid-bot-go/internal/planner"
	"bybit-grid-bot-go/internal/storage"
)

// rangeAdjustMargin is the band used when recentering an out-of-range grid.
const rangeAdjustMargin = 0.05

const defaultMaxConsecutiveFailures = 5

// GridInstance 拥有一个网格的完整生命周期和对账循环。
// All state mutation happens inside the reconciliation tick; ticks never
// overlap (a due tick is skipped while the previous one still runs). The
// dashboard only reads snapshots.
type GridInstance struct {
	exchange exchange.Exchange
	store    *storage.Store
	repo     persistence.InstanceRepository
	ledger   *ledger.ProfitLedger

	mu        sync.Mutex
	status    models.InstanceStatus
	cfg       *models.GridConfig
	levels    []float64
	degraded  bool
	lastError string

	tickRunning atomic.Bool
	failStreak  int

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// New 创建一个尚未配置的网格实例。
func New(ex exchange.Exchange, store *storage.Store, repo persistence.InstanceRepository) *GridInstance {
	return &GridInstance{
		exchange: ex,
		store:    store,
		repo:     repo,
		ledger:   ledger.New(),
		status:   models.StatusIdle,
	}
}

// Restore loads the persisted instance snapshot. Returns whether the grid
// was running before the process died so the caller can resume it.
func (g *GridInstance) Restore() (wasRunning bool, err error) {
	state, err := g.repo.LoadState()
	if err != nil {
		return false, fmt.Errorf("load instance snapshot: %w", err)
	}
	if state == nil || state.Grid == nil {
		return false, nil
	}

	levels, err := planner.ComputeLevels(state.Grid.LowerPrice, state.Grid.UpperPrice, state.Grid.GridCount)
	if err != nil {
		return false, fmt.Errorf("persisted grid config no longer valid: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = state.Grid
	g.levels = levels
	g.status = models.StatusConfigured
	g.degraded = state.Degraded
	g.lastError = state.LastError

	return state.Status == models.StatusRunning, nil
}

// Configure validates and installs a grid configuration. The previous grid,
// if any, must be stopped first.
func (g *GridInstance) Configure(cfg *models.GridConfig) error {
	// Defaults first so the validator sees the effective configuration.
	if cfg.RearmPolicy == "" {
		cfg.RearmPolicy = models.RearmImmediate
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if cfg.Category == "" {
		cfg.Category = models.CategorySpot
	}
	if err := planner.ValidateConfig(cfg); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == models.StatusRunning || g.status == models.StatusStopping {
		return models.ErrAlreadyRunning
	}

	levels, err := planner.ComputeLevels(cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount)
	if err != nil {
		return err
	}

	g.cfg = cfg
	g.levels = levels
	g.status = models.StatusConfigured
	g.degraded = false
	g.lastError = ""
	g.failStreak = 0
	g.persistLocked()

	logger.S().Infof("grid configured: %s %d levels in [%.8g, %.8g], qty %.8g",
		cfg.Symbol, cfg.GridCount, cfg.LowerPrice, cfg.UpperPrice, cfg.Quantity)
	return nil
}

// Start brings the grid live: range check, ledger replay, startup
// reconciliation of persisted orders against the live exchange, initial
// placement, then the tick loop.
func (g *GridInstance) Start(ctx context.Context) error {
	g.mu.Lock()
	switch g.status {
	case models.StatusRunning, models.StatusStopping:
		g.mu.Unlock()
		return models.ErrAlreadyRunning
	}
	if g.cfg == nil {
		g.mu.Unlock()
		return models.ErrNotConfigured
	}
	cfg := g.cfg
	g.mu.Unlock()

	price, err := g.exchange.GetTickerPrice(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker for %s: %w", cfg.Symbol, err)
	}

	if price < cfg.LowerPrice || price > cfg.UpperPrice {
		if !cfg.AutoAdjustRange {
			return &models.PriceOutOfRangeError{Price: price, Lower: cfg.LowerPrice, Upper: cfg.UpperPrice}
		}
		lower, upper := planner.AdjustRange(price, rangeAdjustMargin)
		logger.S().Warnf("price %.8g outside grid range [%.8g, %.8g], recentering to [%.8g, %.8g]",
			price, cfg.LowerPrice, cfg.UpperPrice, lower, upper)
		levels, err := planner.ComputeLevels(lower, upper, cfg.GridCount)
		if err != nil {
			return err
		}
		g.mu.Lock()
		cfg.LowerPrice, cfg.UpperPrice = lower, upper
		g.levels = levels
		g.persistLocked()
		g.mu.Unlock()
	}

	// Rebuild profit matching from the durable trade history.
	trades, err := g.store.AllTrades()
	if err != nil {
		return fmt.Errorf("load trade history: %w", err)
	}
	g.ledger.Replay(trades)

	if err := g.ensureLevels(ctx, price); err != nil {
		return err
	}

	// Recovery is mandatory: persisted open/pending orders are reconciled
	// against the live order set before normal ticking resumes.
	if err := g.resolveActiveOrders(ctx, cfg); err != nil {
		var corruption *models.StateCorruptionError
		if errors.As(err, &corruption) {
			g.halt(err)
			return err
		}
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	// The initial placement pass is best effort: a level whose order could
	// not be placed is simply retried by the tick loop, the same way any
	// later placement failure is.
	var placeErr error
	if err := g.placeDesired(ctx, cfg); err != nil {
		var corruption *models.StateCorruptionError
		if errors.As(err, &corruption) {
			g.halt(err)
			return err
		}
		placeErr = err
		logger.S().Warnf("initial placement incomplete, remaining levels retry next tick: %v", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.status = models.StatusRunning
	g.cancelLoop = cancel
	g.loopDone = make(chan struct{})
	if placeErr != nil {
		g.failStreak = 1
		g.lastError = placeErr.Error()
	} else {
		g.failStreak = 0
	}
	g.persistLocked()
	g.mu.Unlock()

	go g.runLoop(loopCtx, cfg.CheckInterval())

	logger.S().Infof("grid started for %s, tick interval %s", cfg.Symbol, cfg.CheckInterval())
	return nil
}

// Stop cancels the tick loop, then all live orders, then retires the grid.
// Cancellation is retried until the exchange confirms an empty order set or
// ctx expires; a hard crash instead relies on startup reconciliation.
func (g *GridInstance) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.status != models.StatusRunning {
		g.mu.Unlock()
		return models.ErrNotRunning
	}
	g.status = models.StatusStopping
	cancel := g.cancelLoop
	done := g.loopDone
	cfg := g.cfg
	g.persistLocked()
	g.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	var cancelErr error
	for confirmed := false; !confirmed; {
		if err := ctx.Err(); err != nil {
			cancelErr = fmt.Errorf("order cancellation unconfirmed: %w", err)
			break
		}
		if err := g.exchange.CancelAllOrders(ctx, cfg.Symbol); err != nil {
			logger.S().Warnf("cancel all orders failed, retrying: %v", err)
			time.Sleep(time.Second)
			continue
		}
		open, err := g.exchange.GetOpenOrders(ctx, cfg.Symbol)
		if err != nil {
			logger.S().Warnf("confirming cancellation failed, retrying: %v", err)
			time.Sleep(time.Second)
			continue
		}
		confirmed = len(open) == 0
		if !confirmed {
			time.Sleep(time.Second)
		}
	}

	// Retire local state: active orders become cancelled, levels are cleared.
	active, err := g.store.ActiveOrders(cfg.Symbol)
	if err == nil {
		err = g.store.ReconcileTx(func(tx *storage.TickTx) error {
			for _, order := range active {
				if err := tx.MarkOrderStatus(order.OrderLinkID, models.StatusCancelled); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err == nil {
		err = g.store.ReplaceLevels(nil)
	}
	if err != nil {
		g.halt(err)
		return err
	}

	g.mu.Lock()
	g.status = models.StatusStopped
	if cancelErr != nil {
		g.lastError = cancelErr.Error()
	}
	g.persistLocked()
	g.mu.Unlock()

	logger.S().Infof("grid stopped for %s", cfg.Symbol)
	return cancelErr
}

// Status 是对外暴露的只读实例视图。
type Status struct {
	Status    models.InstanceStatus `json:"status"`
	Degraded  bool                  `json:"degraded"`
	LastError string                `json:"last_error,omitempty"`
	Grid      *models.GridConfig    `json:"grid,omitempty"`
}

// Status returns a snapshot of the instance lifecycle state.
func (g *GridInstance) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	view := Status{
		Status:    g.status,
		Degraded:  g.degraded,
		LastError: g.lastError,
	}
	if g.cfg != nil {
		cfgCopy := *g.cfg
		view.Grid = &cfgCopy
	}
	return view
}

// Performance returns the ledger aggregate.
func (g *GridInstance) Performance() models.PerformanceSnapshot {
	return g.ledger.Snapshot()
}

func (g *GridInstance) runLoop(ctx context.Context, interval time.Duration) {
	defer close(g.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.runTick(ctx)
		}
	}
}

// runTick executes one reconciliation pass, skipping if the previous one is
// still in flight, and maintains the degraded/halted flags.
func (g *GridInstance) runTick(ctx context.Context) {
	if !g.tickRunning.CompareAndSwap(false, true) {
		logger.S().Warnf("previous tick still running, skipping this interval")
		return
	}
	defer g.tickRunning.Store(false)

	err := g.reconcile(ctx)
	if err == nil {
		g.mu.Lock()
		g.failStreak = 0
		if g.degraded {
			logger.S().Infof("grid recovered, clearing degraded flag")
			g.degraded = false
			g.lastError = ""
			g.persistLocked()
		}
		g.mu.Unlock()
		return
	}

	if ctx.Err() != nil {
		return // shutting down
	}

	var corruption *models.StateCorruptionError
	if errors.As(err, &corruption) {
		g.halt(err)
		return
	}

	g.mu.Lock()
	g.failStreak++
	g.lastError = err.Error()
	threshold := defaultMaxConsecutiveFailures
	if g.cfg != nil && g.cfg.MaxConsecutiveFailures > 0 {
		threshold = g.cfg.MaxConsecutiveFailures
	}
	logger.S().Warnf("reconciliation tick failed (%d consecutive): %v", g.failStreak, err)
	if g.failStreak >= threshold && !g.degraded {
		g.degraded = true
		g.persistLocked()
		logger.S().Errorf("grid degraded after %d consecutive tick failures: %v", g.failStreak, err)
	}
	g.mu.Unlock()
}

// halt is the StateCorruption path: stop ticking, surface loudly, never
// self-cancel open orders.
func (g *GridInstance) halt(err error) {
	g.mu.Lock()
	g.status = models.StatusHalted
	g.lastError = err.Error()
	cancel := g.cancelLoop
	g.persistLocked()
	g.mu.Unlock()

	logger.S().Errorf("grid halted: %v", err)
	if cancel != nil {
		cancel()
	}
}

// persistLocked writes the instance snapshot. Callers hold g.mu.
func (g *GridInstance) persistLocked() {
	state := &models.InstanceState{
		Status:         g.status,
		Grid:           g.cfg,
		Degraded:       g.degraded,
		LastError:      g.lastError,
		LastUpdateTime: time.Now(),
	}
	if err := g.repo.SaveState(state); err != nil {
		logger.S().Errorf("failed to persist instance snapshot: %v", err)
	}
}

func (g *GridInstance) config() *models.GridConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

func (g *GridInstance) gridLevels() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.levels
}
