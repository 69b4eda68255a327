package backtest

import (
	"encoding/json"
	"time"

	"rewind/internal/execution"
	"rewind/internal/feature"
	"rewind/internal/tracker"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 记录一次回测的完整参数快照，足以逐位复现这次运行。
type RunConfig struct {
	Symbol         string           `json:"symbol"`
	StartTS        int64            `json:"start_ts"`
	EndTS          int64            `json:"end_ts"`
	BaseTimeframe  string           `json:"base_timeframe"`
	Timeframes     []string         `json:"timeframes"`
	Indicators     []feature.Spec   `json:"indicators"`
	Strategy       string           `json:"strategy"`
	Quantity       float64          `json:"quantity"`
	OrderKind      execution.Kind   `json:"order_kind"`
	StopLossPct    float64          `json:"stop_loss_pct,omitempty"`
	TakeProfitPct  float64          `json:"take_profit_pct,omitempty"`
	MaxHoldBars    int              `json:"max_hold_bars,omitempty"`
	LiquidateAtEnd bool             `json:"liquidate_at_end"`
	InitialBalance float64          `json:"initial_balance"`
	Execution      execution.Config `json:"execution"`
	Tracker        tracker.Config   `json:"tracker"`
	Notes          string           `json:"notes,omitempty"`
}

// RunStats 汇总一次回测的绩效指标。
type RunStats struct {
	tracker.Stats
	FinalEquity    float64   `json:"final_equity"`
	ReturnPct      float64   `json:"return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	EquityPeak     float64   `json:"equity_peak"`
	Bars           int       `json:"bars"`
	Warnings       []string  `json:"warnings,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Run 表示一次回测任务的元信息与结果摘要。
type Run struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Strategy    string    `json:"strategy"`
	Status      string    `json:"status"`
	StartTS     int64     `json:"start_ts"`
	EndTS       int64     `json:"end_ts"`
	Message     string    `json:"message,omitempty"`
	Config      RunConfig `json:"config"`
	Stats       RunStats  `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// MarshalStats 返回 stats JSON。
func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}

// EquityPoint 是资金曲线上的一个采样点，每根基准 K 线一个。
type EquityPoint struct {
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Drawdown float64 `json:"drawdown"`
}

// RunRequest 是 HTTP 提交回测时的请求体。
type RunRequest struct {
	Symbol        string   `json:"symbol" binding:"required"`
	StartTS       int64    `json:"start_ts" binding:"required"`
	EndTS         int64    `json:"end_ts" binding:"required"`
	BaseTimeframe string   `json:"base_timeframe"`
	Timeframes    []string `json:"timeframes"`
	Strategy      string   `json:"strategy"`
	Quantity      float64  `json:"quantity"`
	Seed          int64    `json:"seed"`
}
