package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
	// None marks a grid level that carries no live order, such as the
	// level closest to the market price at startup.
	None Side = ""
)

// Opposite returns the other trading direction.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return None
	}
}

// OrderStatus 定义了本地订单记录的生命周期状态
type OrderStatus string

const (
	// StatusPendingSubmit is written before the exchange call so a crash
	// between the write and the ack can be resolved on recovery.
	StatusPendingSubmit OrderStatus = "pending_submit"
	StatusOpen          OrderStatus = "open"
	StatusFilled        OrderStatus = "filled"
	StatusCancelled     OrderStatus = "cancelled"
	StatusRejected      OrderStatus = "rejected"
)

// Category 定义了交易市场类型
type Category string

const (
	CategorySpot   Category = "spot"
	CategoryLinear Category = "linear"
)

// Order 是交易所订单在本地的持久化镜像。
// The exchange view is transient; this record is the durable copy and the
// OrderLinkID is the idempotency key that survives retries and restarts.
type Order struct {
	OrderLinkID     string      `json:"order_link_id"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Price           float64     `json:"price"`
	Quantity        float64     `json:"quantity"`
	Status          OrderStatus `json:"status"`
	GridIndex       int         `json:"grid_index"`
	FilledPrice     float64     `json:"filled_price,omitempty"`
	FilledQuantity  float64     `json:"filled_quantity,omitempty"`
	Commission      float64     `json:"commission,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Trade 记录一次已确认的成交，创建后不可变。
type Trade struct {
	ID          int64     `json:"id"`
	OrderLinkID string    `json:"order_link_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	GridIndex   int       `json:"grid_index"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	Commission  float64   `json:"commission"`
	// Profit is only set on the closing leg of a completed cycle.
	Profit     float64   `json:"profit"`
	Closing    bool      `json:"closing"`
	ExecutedAt time.Time `json:"executed_at"`
}

// GridLevel 代表网格中的一个价格档位。
// At most one live order (one side) exists per level at any time.
type GridLevel struct {
	Index       int       `json:"index"`
	Price       float64   `json:"price"`
	Side        Side      `json:"side"`
	OrderLinkID string    `json:"order_link_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PerformanceSnapshot 是从成交序列推导出的聚合指标。
// It is never authoritative: Replay over the trades table must reproduce it.
type PerformanceSnapshot struct {
	TotalTrades     int       `json:"total_trades"`
	ClosedCycles    int       `json:"closed_cycles"`
	WinningCycles   int       `json:"winning_cycles"`
	TotalProfit     float64   `json:"total_profit"`
	TotalCommission float64   `json:"total_commission"`
	WinRate         float64   `json:"win_rate"`
	AvgProfit       float64   `json:"avg_profit"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RearmPolicy 决定档位清空后原方向订单何时重新挂出
type RearmPolicy string

const (
	// RearmImmediate re-places the original side as soon as the level is empty.
	RearmImmediate RearmPolicy = "immediate"
	// RearmOnCross waits until the market price crosses back over the level.
	RearmOnCross RearmPolicy = "on_cross"
)

// GridConfig 定义了一个网格实例的全部参数。
// Immutable for the lifetime of one instance; changing it requires a full
// teardown (cancel all, clear levels) and a fresh Configure.
type GridConfig struct {
	Symbol                 string      `json:"symbol"`
	Category               Category    `json:"category"`
	LowerPrice             float64     `json:"lower_price"`
	UpperPrice             float64     `json:"upper_price"`
	GridCount              int         `json:"grid_count"`
	Quantity               float64     `json:"quantity"`
	MaxOpenOrders          int         `json:"max_open_orders"`
	CheckIntervalSec       int         `json:"check_interval_sec"`
	AutoAdjustRange        bool        `json:"auto_adjust_range"`
	RearmPolicy            RearmPolicy `json:"rearm_policy,omitempty"`
	MaxConsecutiveFailures int         `json:"max_consecutive_failures,omitempty"`
}

// CheckInterval returns the tick period with a sane floor.
func (c *GridConfig) CheckInterval() time.Duration {
	if c.CheckIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet           bool        `json:"is_testnet"`
	DryRun              bool        `json:"dry_run"` // simulate fills locally, queries still hit the exchange
	DBPath              string      `json:"db_path"`    // sqlite state store
	StatePath           string      `json:"state_path"` // badger instance snapshot
	ServerAddr          string      `json:"server_addr"`
	Grid                *GridConfig `json:"grid,omitempty"` // optional pre-configured grid
	RateLimitPerSec     float64     `json:"rate_limit_per_sec"`
	RetryAttempts       int         `json:"retry_attempts"`
	RetryInitialDelayMs int         `json:"retry_initial_delay_ms"`
	RequestTimeoutSec   int         `json:"request_timeout_sec"`
	LogConfig           LogConfig   `json:"log"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
