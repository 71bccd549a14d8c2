package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"bybit-grid-bot-go/internal/exchange"
	"bybit-grid-bot-go/internal/models"
	"bybit-grid-bot-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchange is an in-memory stand-in for the Bybit adapter. Tests drive
// fills and failures by mutating its maps.
type fakeExchange struct {
	mu      sync.Mutex
	price   float64
	open    map[string]exchange.OrderState
	history map[string]exchange.OrderState

	placeCalls  int
	placeErr    error
	placeButErr bool // the call "times out" after reaching the exchange
	failPlaces  int  // fail this many placements with a transport error
	openErr     error
	nextID      int
}

func newFakeExchange(price float64) *fakeExchange {
	return &fakeExchange{
		price:   price,
		open:    make(map[string]exchange.OrderState),
		history: make(map[string]exchange.OrderState),
	}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req exchange.PlaceOrderRequest) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.failPlaces > 0 {
		f.failPlaces--
		return nil, &models.TransientError{Op: "place order", Err: errors.New("transport failure")}
	}
	if f.placeErr != nil && !f.placeButErr {
		return nil, f.placeErr
	}
	f.nextID++
	state := exchange.OrderState{
		ExchangeOrderID: fmt.Sprintf("ex-%d", f.nextID),
		OrderLinkID:     req.OrderLinkID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          models.StatusOpen,
	}
	f.open[req.OrderLinkID] = state
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &exchange.OrderAck{ExchangeOrderID: state.ExchangeOrderID, OrderLinkID: req.OrderLinkID}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _, orderLinkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.open[orderLinkID]; ok {
		delete(f.open, orderLinkID)
		state.Status = models.StatusCancelled
		f.history[orderLinkID] = state
	}
	return nil
}

func (f *fakeExchange) CancelAllOrders(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for link, state := range f.open {
		state.Status = models.StatusCancelled
		f.history[link] = state
		delete(f.open, link)
	}
	return nil
}

func (f *fakeExchange) GetOpenOrders(_ context.Context, _ string) ([]exchange.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	states := make([]exchange.OrderState, 0, len(f.open))
	for _, state := range f.open {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Price < states[j].Price })
	return states, nil
}

func (f *fakeExchange) GetOrderHistory(_ context.Context, _, orderLinkID string) (*exchange.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.history[orderLinkID]; ok {
		return &state, nil
	}
	if state, ok := f.open[orderLinkID]; ok {
		return &state, nil
	}
	return nil, nil
}

func (f *fakeExchange) GetTickerPrice(_ context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeExchange) GetWalletBalance(_ context.Context) (*exchange.WalletBalance, error) {
	return &exchange.WalletBalance{TotalEquity: 1000, AvailableBalance: 1000, WalletBalance: 1000}, nil
}

// fill moves an open order into filled history, as the exchange would after
// a matching market move.
func (f *fakeExchange) fill(orderLinkID string, commission float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.open[orderLinkID]
	if !ok {
		panic("fill of unknown order " + orderLinkID)
	}
	delete(f.open, orderLinkID)
	state.Status = models.StatusFilled
	state.FilledPrice = state.Price
	state.FilledQuantity = state.Quantity
	state.Commission = commission
	f.history[orderLinkID] = state
}

// linkAtPrice finds the open order resting at the given price.
func (f *fakeExchange) linkAtPrice(price float64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for link, state := range f.open {
		if state.Price == price {
			return link
		}
	}
	return ""
}

// mockRepository keeps the instance snapshot in memory.
type mockRepository struct {
	mu    sync.Mutex
	state *models.InstanceState
}

func (m *mockRepository) SaveState(state *models.InstanceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *state
	m.state = &copied
	return nil
}

func (m *mockRepository) LoadState() (*models.InstanceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	copied := *m.state
	return &copied, nil
}

func (m *mockRepository) Close() error { return nil }

func testGridConfig() *models.GridConfig {
	return &models.GridConfig{
		Symbol:           "BTCUSDT",
		Category:         models.CategorySpot,
		LowerPrice:       100,
		UpperPrice:       120,
		GridCount:        5,
		Quantity:         0.1,
		CheckIntervalSec: 3600, // ticks driven manually in tests
	}
}

func newTestInstance(t *testing.T, price float64) (*GridInstance, *fakeExchange, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := newFakeExchange(price)
	instance := New(fake, store, &mockRepository{})
	return instance, fake, store
}

func TestStartPlacesInitialTwoSidedSet(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	// Buys at 100 and 105, nothing at 110, sells at 115 and 120.
	assert.NotEmpty(t, fake.linkAtPrice(100))
	assert.NotEmpty(t, fake.linkAtPrice(105))
	assert.Empty(t, fake.linkAtPrice(110))
	assert.NotEmpty(t, fake.linkAtPrice(115))
	assert.NotEmpty(t, fake.linkAtPrice(120))

	active, err := store.ActiveOrders("BTCUSDT")
	require.NoError(t, err)
	require.Len(t, active, 4)
	for _, order := range active {
		assert.Equal(t, models.StatusOpen, order.Status)
		assert.NotEmpty(t, order.ExchangeOrderID)
	}

	levels, err := store.ListLevels()
	require.NoError(t, err)
	require.Len(t, levels, 5)
	assert.Equal(t, models.Buy, levels[0].Side)
	assert.Equal(t, models.Buy, levels[1].Side)
	assert.Equal(t, models.None, levels[2].Side)
	assert.Equal(t, models.Sell, levels[3].Side)
	assert.Equal(t, models.Sell, levels[4].Side)

	assert.Equal(t, models.StatusRunning, g.Status().Status)
}

func TestBuyFillPlacesCompensatingSellOneLevelUp(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	buyLink := fake.linkAtPrice(105)
	require.NotEmpty(t, buyLink)
	fake.fill(buyLink, 0.01)

	require.NoError(t, g.reconcile(context.Background()))

	// The filled order is final and a trade exists.
	order, err := store.GetOrder(buyLink)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status)
	trades, err := store.ListTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.Buy, trades[0].Side)
	assert.False(t, trades[0].Closing)

	// Compensating sell one level up at 110, and the emptied level re-armed
	// with a fresh buy under the immediate policy.
	assert.NotEmpty(t, fake.linkAtPrice(110))
	newBuy := fake.linkAtPrice(105)
	assert.NotEmpty(t, newBuy)
	assert.NotEqual(t, buyLink, newBuy, "re-placed buy must use a fresh link id")
}

func TestSellFillCompletesCycleWithProfit(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	fake.fill(fake.linkAtPrice(105), 0.01)
	require.NoError(t, g.reconcile(context.Background()))

	sellLink := fake.linkAtPrice(110)
	require.NotEmpty(t, sellLink)
	fake.fill(sellLink, 0.01)
	require.NoError(t, g.reconcile(context.Background()))

	trades, err := store.ListTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	closing := trades[0] // newest first
	assert.True(t, closing.Closing)
	// (110-105)*0.1 minus both commissions.
	assert.InDelta(t, 0.48, closing.Profit, 1e-9)

	perf, err := store.GetPerformance()
	require.NoError(t, err)
	assert.Equal(t, 2, perf.TotalTrades)
	assert.Equal(t, 1, perf.ClosedCycles)
	assert.Equal(t, 1.0, perf.WinRate)
	assert.InDelta(t, 0.48, perf.TotalProfit, 1e-9)
}

func TestBoundaryFillSkipsCompensation(t *testing.T) {
	g, fake, _ := newTestInstance(t, 110)
	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	topLink := fake.linkAtPrice(120)
	require.NotEmpty(t, topLink)
	fake.fill(topLink, 0)
	require.NoError(t, g.reconcile(context.Background()))

	// No compensating buy appears above the range, and nothing was armed at
	// the skipped middle level as a side effect.
	for link, state := range fake.open {
		assert.LessOrEqual(t, state.Price, 120.0, "order %s above upper bound", link)
	}
	// Top level re-armed with a sell under the immediate policy.
	assert.NotEmpty(t, fake.linkAtPrice(120))
}

func TestMaxOpenOrdersDefersPlacement(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	cfg := testGridConfig()
	cfg.MaxOpenOrders = 2
	require.NoError(t, g.Configure(cfg))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	assert.Equal(t, 2, len(fake.open))

	// Deferred levels keep their desired side waiting for capacity.
	levels, err := store.ListLevels()
	require.NoError(t, err)
	deferred := 0
	for _, level := range levels {
		if level.Side != models.None && level.OrderLinkID == "" {
			deferred++
		}
	}
	assert.Equal(t, 2, deferred)

	// Capacity frees up when an order leaves the book.
	fake.fill(fake.linkAtPrice(100), 0)
	require.NoError(t, g.reconcile(context.Background()))
	count, err := store.CountActiveOrders("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecoveryAdoptsLiveOrderAfterLostAck(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	placedBefore := fake.placeCalls

	// Simulate a placement whose ack timed out: the exchange has the order,
	// the local anchor is stuck in pending_submit.
	fake.placeButErr = true
	fake.placeErr = errors.New("gateway timeout")
	fake.fill(fake.linkAtPrice(105), 0)
	err := g.reconcile(context.Background())
	require.Error(t, err) // the transient failure is reported for the streak

	fake.placeErr = nil
	fake.placeButErr = false

	// Next pass finds the order live and adopts it without re-placing.
	require.NoError(t, g.reconcile(context.Background()))

	active, err := store.ActiveOrders("BTCUSDT")
	require.NoError(t, err)
	for _, order := range active {
		assert.Equal(t, models.StatusOpen, order.Status, "order %s", order.OrderLinkID)
	}
	// Orders placed: the two attempts during the failing tick reached the
	// exchange, nothing extra afterwards.
	assert.Equal(t, placedBefore+2, fake.placeCalls)
}

func TestVanishedPendingOrderIsReplaced(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	// Simulate a placement that never reached the exchange: downgrade one
	// stored order to pending_submit and delete it remotely.
	link := fake.linkAtPrice(100)
	require.NotEmpty(t, link)
	fake.mu.Lock()
	delete(fake.open, link)
	fake.mu.Unlock()
	require.NoError(t, store.UpdateOrderStatus(link, models.StatusPendingSubmit, ""))

	require.NoError(t, g.reconcile(context.Background()))

	// The phantom resolved as cancelled and a fresh order took the level.
	order, err := store.GetOrder(link)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, order.Status)
	replacement := fake.linkAtPrice(100)
	assert.NotEmpty(t, replacement)
	assert.NotEqual(t, link, replacement)
}

func TestConsecutiveFailuresDegradeTheGrid(t *testing.T) {
	g, fake, _ := newTestInstance(t, 110)
	cfg := testGridConfig()
	cfg.MaxConsecutiveFailures = 3
	require.NoError(t, g.Configure(cfg))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	fake.openErr = errors.New("exchange unreachable")
	for i := 0; i < 3; i++ {
		g.runTick(context.Background())
	}

	status := g.Status()
	assert.True(t, status.Degraded)
	assert.Contains(t, status.LastError, "exchange unreachable")
	assert.Equal(t, models.StatusRunning, status.Status, "degraded grid keeps running")

	// A healthy tick clears the flag.
	fake.openErr = nil
	g.runTick(context.Background())
	assert.False(t, g.Status().Degraded)
}

func TestStopCancelsAllOrdersAndRetiresGrid(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()))

	require.NoError(t, g.Stop(context.Background()))

	assert.Empty(t, fake.open, "no live orders may survive a clean stop")
	count, err := store.CountActiveOrders("BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, count)
	levels, err := store.ListLevels()
	require.NoError(t, err)
	assert.Empty(t, levels)
	assert.Equal(t, models.StatusStopped, g.Status().Status)
}

func TestLifecycleGuards(t *testing.T) {
	g, _, _ := newTestInstance(t, 110)

	assert.ErrorIs(t, g.Start(context.Background()), models.ErrNotConfigured)
	assert.ErrorIs(t, g.Stop(context.Background()), models.ErrNotRunning)

	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	assert.ErrorIs(t, g.Start(context.Background()), models.ErrAlreadyRunning)
	assert.ErrorIs(t, g.Configure(testGridConfig()), models.ErrAlreadyRunning)
}

func TestStartOutOfRangeWithoutAutoAdjustFails(t *testing.T) {
	g, _, _ := newTestInstance(t, 200)
	require.NoError(t, g.Configure(testGridConfig()))

	err := g.Start(context.Background())
	var rangeErr *models.PriceOutOfRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 200.0, rangeErr.Price)
}

func TestStartOutOfRangeAutoAdjustRecenters(t *testing.T) {
	g, fake, _ := newTestInstance(t, 200)
	cfg := testGridConfig()
	cfg.AutoAdjustRange = true
	require.NoError(t, g.Configure(cfg))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	status := g.Status()
	assert.InDelta(t, 190, status.Grid.LowerPrice, 1e-9)
	assert.InDelta(t, 210, status.Grid.UpperPrice, 1e-9)

	// Orders exist inside the new band only.
	for _, state := range fake.open {
		assert.GreaterOrEqual(t, state.Price, 190.0)
		assert.LessOrEqual(t, state.Price, 210.0)
	}
}

func TestRestoreResumesPersistedGrid(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer store.Close()
	fake := newFakeExchange(110)
	repo := &mockRepository{}

	first := New(fake, store, repo)
	require.NoError(t, first.Configure(testGridConfig()))
	require.NoError(t, first.Start(context.Background()))
	// Process dies here: no Stop, orders stay live on the exchange.

	second := New(fake, store, repo)
	wasRunning, err := second.Restore()
	require.NoError(t, err)
	assert.True(t, wasRunning)
	assert.Equal(t, models.StatusConfigured, second.Status().Status)

	placedBefore := fake.placeCalls
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop(context.Background())

	// All orders adopted from the exchange; nothing double-placed.
	assert.Equal(t, placedBefore, fake.placeCalls)
	active, err := store.ActiveOrders("BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, active, 4)
}

func TestRearmOnCrossLeavesLevelIdle(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	cfg := testGridConfig()
	cfg.RearmPolicy = models.RearmOnCross
	require.NoError(t, g.Configure(cfg))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	fake.fill(fake.linkAtPrice(105), 0)
	require.NoError(t, g.reconcile(context.Background()))

	// Compensating sell at 110 exists, but 105 stays empty.
	assert.NotEmpty(t, fake.linkAtPrice(110))
	assert.Empty(t, fake.linkAtPrice(105))

	levels, err := store.ListLevels()
	require.NoError(t, err)
	assert.Equal(t, models.None, levels[1].Side)
}

func TestStartSurvivesInitialPlacementFailure(t *testing.T) {
	g, fake, store := newTestInstance(t, 110)
	fake.failPlaces = 1

	require.NoError(t, g.Configure(testGridConfig()))
	require.NoError(t, g.Start(context.Background()),
		"a single failed placement must not abort the start")
	defer g.Stop(context.Background())

	status := g.Status()
	assert.Equal(t, models.StatusRunning, status.Status)
	assert.False(t, status.Degraded)

	// Three of four orders made it out; the failed one is retried by the
	// next reconciliation pass.
	open, err := fake.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 3)

	require.NoError(t, g.reconcile(context.Background()))

	open, err = fake.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 4)

	active, err := store.ActiveOrders("BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, active, 4)
}

func TestConfigureDefaultsEmptyCategoryToSpot(t *testing.T) {
	g, _, _ := newTestInstance(t, 110)

	cfg := testGridConfig()
	cfg.Category = ""
	require.NoError(t, g.Configure(cfg))

	grid := g.Status().Grid
	require.NotNil(t, grid)
	assert.Equal(t, models.CategorySpot, grid.Category)
	assert.Equal(t, models.RearmImmediate, grid.RearmPolicy)
}
