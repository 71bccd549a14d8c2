package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// BybitExchange 实现了对 Bybit v5 统一账户 API 的 Exchange 接口。
// Rate limiting and retry of transient failures live here; callers only see
// a transient error once the retry budget is exhausted.
type BybitExchange struct {
	client       *bybit.Client
	category     models.Category
	limiter      *rate.Limiter
	attempts     int
	initialDelay time.Duration
	timeout      time.Duration
}

// BybitOptions 控制适配器的重试与限流行为。
type BybitOptions struct {
	Testnet           bool
	Category          models.Category
	RateLimitPerSec   float64
	RetryAttempts     int
	RetryInitialDelay time.Duration
	RequestTimeout    time.Duration
}

// NewBybitExchange 创建一个连接 Bybit 的交易所适配器。
func NewBybitExchange(apiKey, apiSecret string, opts BybitOptions) *BybitExchange {
	baseURL := bybit.MAINNET
	if opts.Testnet {
		baseURL = bybit.TESTNET
	}
	client := bybit.NewBybitHttpClient(apiKey, apiSecret, bybit.WithBaseURL(baseURL))

	category := opts.Category
	if category == "" {
		category = models.CategorySpot
	}
	limit := opts.RateLimitPerSec
	if limit <= 0 {
		limit = 5
	}
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := opts.RetryInitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &BybitExchange{
		client:       client,
		category:     category,
		limiter:      rate.NewLimiter(rate.Limit(limit), int(limit)+1),
		attempts:     attempts,
		initialDelay: delay,
		timeout:      timeout,
	}
}

// apiError 表示 Bybit 返回的非零业务错误码。
type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bybit retCode=%d msg=%s", e.code, e.msg)
}

// transientRetCode reports whether a Bybit business code is worth retrying.
// 10002 timestamp drift, 10006 rate limited, 10016 internal server error.
func transientRetCode(code int) bool {
	switch code {
	case 10002, 10006, 10016:
		return true
	}
	return false
}

// do 执行一次带限流、超时与退避重试的 API 调用。
// Transport errors and transient retCodes are retried; business errors
// surface as *apiError for the caller to classify.
func (e *BybitExchange) do(ctx context.Context, op string, call func(ctx context.Context) (*bybit.ServerResponse, error)) (map[string]interface{}, error) {
	b := &backoff.Backoff{
		Min:    e.initialDelay,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			d := b.Duration()
			logger.S().Warnf("retrying %s in %v after error: %v", op, d, lastErr)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := call(callCtx)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.RetCode != 0 {
			if transientRetCode(resp.RetCode) {
				lastErr = &apiError{code: resp.RetCode, msg: resp.RetMsg}
				continue
			}
			return nil, &apiError{code: resp.RetCode, msg: resp.RetMsg}
		}
		result, ok := resp.Result.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: unexpected result shape %T", op, resp.Result)
		}
		return result, nil
	}
	return nil, &models.TransientError{Op: op, Err: lastErr}
}

// PlaceOrder 以限价单形式挂出一个网格订单。
func (e *BybitExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error) {
	params := map[string]interface{}{
		"category":    string(e.category),
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   "Limit",
		"qty":         decimal.NewFromFloat(req.Quantity).String(),
		"price":       decimal.NewFromFloat(req.Price).String(),
		"timeInForce": "GTC",
		"orderLinkId": req.OrderLinkID,
	}

	result, err := e.do(ctx, "PlaceOrder", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return e.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	})
	if err != nil {
		var api *apiError
		if errors.As(err, &api) {
			return nil, &models.OrderRejectedError{OrderLinkID: req.OrderLinkID, RetCode: api.code, RetMsg: api.msg}
		}
		return nil, err
	}

	orderID, _ := result["orderId"].(string)
	return &OrderAck{ExchangeOrderID: orderID, OrderLinkID: req.OrderLinkID}, nil
}

// CancelOrder 按 orderLinkId 撤销一个订单。
// An order the exchange no longer knows about counts as cancelled.
func (e *BybitExchange) CancelOrder(ctx context.Context, symbol, orderLinkID string) error {
	params := map[string]interface{}{
		"category":    string(e.category),
		"symbol":      symbol,
		"orderLinkId": orderLinkID,
	}

	_, err := e.do(ctx, "CancelOrder", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return e.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	})
	var api *apiError
	if errors.As(err, &api) && api.code == 110001 {
		// order not exists or already finished
		return nil
	}
	return err
}

// CancelAllOrders 撤销一个交易对的全部挂单。
func (e *BybitExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]interface{}{
		"category": string(e.category),
		"symbol":   symbol,
	}

	_, err := e.do(ctx, "CancelAllOrders", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return e.client.NewUtaBybitServiceWithParams(params).CancelAllOrders(ctx)
	})
	return err
}

// GetOpenOrders 拉取当前全部实时挂单。
func (e *BybitExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OrderState, error) {
	params := map[string]interface{}{
		"category": string(e.category),
		"symbol":   symbol,
	}

	result, err := e.do(ctx, "GetOpenOrders", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return e.client.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	})
	if err != nil {
		return nil, err
	}

	list, _ := result["list"].([]interface{})
	orders := make([]OrderState, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		orders = append(orders, parseOrderState(entry))
	}
	return orders, nil
}

// GetOrderHistory 按 orderLinkId 查询订单的最终状态。
func (e *BybitExchange) GetOrderHistory(ctx context.Context, symbol, orderLinkID string) (*OrderState, error) {
	params := map[string]interface{}{
		"category":    string(e.category),
		"symbol":      symbol,
		"orderLinkId": orderLinkID,
	}

	result, err := e.do(ctx, "GetOrderHistory", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return e.client.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	})
	if err != nil {
		return nil, err
	}

	list, _ := result["list"].([]interface{})
	if len(list) == 0 {
		return nil, nil
	}
	entry, ok := list[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("GetOrderHistory: unexpected entry shape %T", list[0])
	}
	state := parseOrderState(entry)
	return &state, nil
}

// GetTickerPrice 获取最新成交价。
func (e *BybitExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]interface{}{
		"category": string(e.category),
		"symbol":   symbol,
	}

	result, err := e.do(ctx, "GetTickerPrice", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return e.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	})
	if err != nil {
		return 0, err
	}

	list, _ := result["list"].([]interface{})
	if len(list) == 0 {
		return 0, fmt.Errorf("no ticker data for %s", symbol)
	}
	ticker, _ := list[0].(map[string]interface{})
	price := floatField(ticker, "lastPrice")
	if price <= 0 {
		return 0, fmt.Errorf("invalid last price for %s", symbol)
	}
	return price, nil
}

// GetWalletBalance 获取统一账户余额。
func (e *BybitExchange) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}

	result, err := e.do(ctx, "GetWalletBalance", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return e.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	})
	if err != nil {
		return nil, err
	}

	list, _ := result["list"].([]interface{})
	if len(list) == 0 {
		return &WalletBalance{}, nil
	}
	account, _ := list[0].(map[string]interface{})

	balance := &WalletBalance{
		TotalEquity:      floatField(account, "totalEquity"),
		WalletBalance:    floatField(account, "totalWalletBalance"),
		AvailableBalance: floatField(account, "totalAvailableBalance"),
		UnrealizedPnl:    floatField(account, "totalPerpUPL"),
	}
	if balance.WalletBalance == 0 {
		balance.WalletBalance = balance.TotalEquity
	}
	return balance, nil
}

// parseOrderState 将 Bybit 返回的订单条目转换为类型化的 OrderState。
func parseOrderState(entry map[string]interface{}) OrderState {
	state := OrderState{
		ExchangeOrderID: strField(entry, "orderId"),
		OrderLinkID:     strField(entry, "orderLinkId"),
		Symbol:          strField(entry, "symbol"),
		Side:            models.Side(strField(entry, "side")),
		Price:           floatField(entry, "price"),
		Quantity:        floatField(entry, "qty"),
		Status:          mapOrderStatus(strField(entry, "orderStatus")),
		FilledPrice:     floatField(entry, "avgPrice"),
		FilledQuantity:  floatField(entry, "cumExecQty"),
		Commission:      floatField(entry, "cumExecFee"),
	}
	if ms := floatField(entry, "updatedTime"); ms > 0 {
		state.UpdatedAt = time.UnixMilli(int64(ms))
	}
	return state
}

// mapOrderStatus 将 Bybit 的订单状态映射为本地枚举。
func mapOrderStatus(status string) models.OrderStatus {
	switch status {
	case "Filled":
		return models.StatusFilled
	case "New", "Created", "PartiallyFilled", "Untriggered":
		return models.StatusOpen
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return models.StatusCancelled
	case "Rejected":
		return models.StatusRejected
	default:
		return models.StatusOpen
	}
}

func strField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	}
	return 0
}
