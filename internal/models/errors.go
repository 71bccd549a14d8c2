package models

import (
	"errors"
	"fmt"
)

// Lifecycle sentinels returned by the control boundary.
var (
	ErrAlreadyRunning = errors.New("grid instance is already running")
	ErrNotConfigured  = errors.New("grid instance is not configured")
	ErrNotRunning     = errors.New("grid instance is not running")
)

// InvalidConfigurationError 表示网格配置校验失败，永远不重试。
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// PriceOutOfRangeError indicates the market price is outside the configured
// grid bounds. Recoverable: the caller may enable auto range adjustment or
// reconfigure the grid.
type PriceOutOfRangeError struct {
	Price float64
	Lower float64
	Upper float64
}

func (e *PriceOutOfRangeError) Error() string {
	return fmt.Sprintf("price %.8g outside grid range [%.8g, %.8g]", e.Price, e.Lower, e.Upper)
}

// TransientError wraps network/5xx/exchange-busy failures that the gateway
// retries with backoff. It only escapes the gateway once retries exhaust.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient exchange error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// OrderRejectedError 表示交易所的业务级拒绝（余额不足、价格非法等）。
// Not retried blindly since the condition likely persists.
type OrderRejectedError struct {
	OrderLinkID string
	RetCode     int
	RetMsg      string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order %s rejected by exchange: retCode=%d msg=%s", e.OrderLinkID, e.RetCode, e.RetMsg)
}

// StateCorruptionError 表示状态存储事务失败。
// Fatal: the engine halts rather than risk inconsistent order tracking.
type StateCorruptionError struct {
	Op  string
	Err error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state corruption in %s: %v", e.Op, e.Err)
}

func (e *StateCorruptionError) Unwrap() error { return e.Err }
