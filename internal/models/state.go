package models

import "time"

// InstanceStatus 定义了网格实例的生命周期状态
type InstanceStatus string

const (
	StatusIdle       InstanceStatus = "idle"
	StatusConfigured InstanceStatus = "configured"
	StatusRunning    InstanceStatus = "running"
	StatusStopping   InstanceStatus = "stopping"
	StatusStopped    InstanceStatus = "stopped"
	// StatusHalted is terminal within a process: entered on state corruption,
	// no further ticks run until an operator intervenes.
	StatusHalted InstanceStatus = "halted"
)

// InstanceState 定义了需要持久化的实例级快照。
// Loaded on process start so recovery knows whether a grid was running
// before the crash and with which configuration.
type InstanceState struct {
	Status         InstanceStatus `json:"status"`
	Grid           *GridConfig    `json:"grid,omitempty"`
	Degraded       bool           `json:"degraded"`
	LastError      string         `json:"last_error,omitempty"`
	LastUpdateTime time.Time      `json:"last_update_time"`
}
