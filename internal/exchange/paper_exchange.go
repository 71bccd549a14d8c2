package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bybit-grid-bot-go/internal/models"
)

// 模拟成交使用的挂单手续费率
const paperFeeRate = 0.001

// PaperExchange 实现了 Exchange 接口，用于在真实行情上模拟成交（干跑模式）。
// 行情和钱包查询透传给真实交易所，订单只存在于内存中，
// 当最新价穿越挂单价时视为成交。
type PaperExchange struct {
	market Exchange

	mu     sync.Mutex
	orders map[string]*OrderState
	nextID int64
}

// NewPaperExchange 创建一个干跑交易所，market 提供真实行情。
func NewPaperExchange(market Exchange) *PaperExchange {
	return &PaperExchange{
		market: market,
		orders: make(map[string]*OrderState),
		nextID: 1,
	}
}

func (e *PaperExchange) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 幂等: 重复的 orderLinkId 返回已有订单
	if existing, ok := e.orders[req.OrderLinkID]; ok {
		return &OrderAck{ExchangeOrderID: existing.ExchangeOrderID, OrderLinkID: existing.OrderLinkID}, nil
	}

	id := fmt.Sprintf("paper-%d", e.nextID)
	e.nextID++
	e.orders[req.OrderLinkID] = &OrderState{
		ExchangeOrderID: id,
		OrderLinkID:     req.OrderLinkID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          models.StatusOpen,
		UpdatedAt:       time.Now(),
	}
	return &OrderAck{ExchangeOrderID: id, OrderLinkID: req.OrderLinkID}, nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, _ string, orderLinkID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderLinkID]; ok && o.Status == models.StatusOpen {
		o.Status = models.StatusCancelled
		o.UpdatedAt = time.Now()
	}
	// 订单不存在视为已取消
	return nil
}

func (e *PaperExchange) CancelAllOrders(_ context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.StatusOpen {
			o.Status = models.StatusCancelled
			o.UpdatedAt = time.Now()
		}
	}
	return nil
}

// GetOpenOrders 先按最新价结算可成交的挂单，再返回剩余的活跃订单。
func (e *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OrderState, error) {
	price, err := e.market.GetTickerPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleAtPrice(symbol, price)

	var open []OrderState
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.StatusOpen {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Price < open[j].Price })
	return open, nil
}

func (e *PaperExchange) GetOrderHistory(_ context.Context, _ string, orderLinkID string) (*OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderLinkID]
	if !ok {
		return nil, nil
	}
	state := *o
	return &state, nil
}

func (e *PaperExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return e.market.GetTickerPrice(ctx, symbol)
}

func (e *PaperExchange) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	return e.market.GetWalletBalance(ctx)
}

// settleAtPrice 以挂单价成交所有被最新价穿越的限价单。调用方需持有锁。
func (e *PaperExchange) settleAtPrice(symbol string, price float64) {
	for _, o := range e.orders {
		if o.Symbol != symbol || o.Status != models.StatusOpen {
			continue
		}
		filled := (o.Side == models.Buy && price <= o.Price) ||
			(o.Side == models.Sell && price >= o.Price)
		if !filled {
			continue
		}
		o.Status = models.StatusFilled
		o.FilledPrice = o.Price
		o.FilledQuantity = o.Quantity
		o.Commission = o.Price * o.Quantity * paperFeeRate
		o.UpdatedAt = time.Now()
	}
}
