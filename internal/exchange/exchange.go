package exchange

import (
	"context"
	"time"

	"bybit-grid-bot-go/internal/models"
)

// PlaceOrderRequest 描述一次限价挂单请求。
// OrderLinkID is mandatory: it is the idempotency token that makes retries
// and crash recovery safe.
type PlaceOrderRequest struct {
	Symbol      string
	Category    models.Category
	Side        models.Side
	Price       float64
	Quantity    float64
	OrderLinkID string
}

// OrderAck 是交易所对下单请求的确认。
type OrderAck struct {
	ExchangeOrderID string
	OrderLinkID     string
}

// OrderState is the exchange-side view of one order. It is transient; the
// durable copy lives in the state store.
type OrderState struct {
	ExchangeOrderID string
	OrderLinkID     string
	Symbol          string
	Side            models.Side
	Price           float64
	Quantity        float64
	Status          models.OrderStatus
	FilledPrice     float64
	FilledQuantity  float64
	Commission      float64
	UpdatedAt       time.Time
}

// WalletBalance 汇总统一账户的资金信息。
type WalletBalance struct {
	TotalEquity      float64
	WalletBalance    float64
	AvailableBalance float64
	UnrealizedPnl    float64
}

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得交易机器人可以在真实交易和测试替身之间轻松切换。
type Exchange interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderLinkID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderState, error)
	// GetOrderHistory resolves a single order by link id. Returns (nil, nil)
	// when the exchange has no record of it.
	GetOrderHistory(ctx context.Context, symbol, orderLinkID string) (*OrderState, error)
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	GetWalletBalance(ctx context.Context) (*WalletBalance, error)
}
