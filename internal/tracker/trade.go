package tracker

import (
	"fmt"

	"rewind/internal/execution"
	"rewind/internal/strategy"
)

// Status 是单笔交易在生命周期状态机中的位置。
type Status string

const (
	StatusEntrySignaled Status = "ENTRY_SIGNALED"
	StatusMonitoring    Status = "MONITORING"
	StatusExitSignaled  Status = "EXIT_SIGNALED"
	StatusClosed        Status = "CLOSED"
)

// Direction 表示持仓方向。
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

func (d Direction) sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// ExitReason 是封闭的离场原因集合。
type ExitReason string

const (
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitTakeProfit     ExitReason = "TAKE_PROFIT"
	ExitSignalReversal ExitReason = "SIGNAL_REVERSAL"
	ExitManual         ExitReason = "MANUAL_EXIT"
	ExitTimeout        ExitReason = "TIMEOUT"
	ExitLiquidation    ExitReason = "LIQUIDATION"
)

// InvalidTransitionError 表示状态机上的非法迁移。对这笔交易是
// 致命的，但调用方可以记录后继续处理其余交易。
type InvalidTransitionError struct {
	TradeID string
	From    Status
	Op      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("交易 %s 处于 %s, 不允许操作 %s", e.TradeID, e.From, e.Op)
}

// Excursion 记录持仓期间的入场价与价格极值，派生 MAE/MFE。
type Excursion struct {
	EntryPrice float64   `json:"entry_price"`
	MaxPrice   float64   `json:"max_price"`
	MinPrice   float64   `json:"min_price"`
	Direction  Direction `json:"direction"`
}

func newExcursion(entry float64, dir Direction) Excursion {
	return Excursion{EntryPrice: entry, MaxPrice: entry, MinPrice: entry, Direction: dir}
}

// Update 用一个新的价格观测刷新极值。
func (x *Excursion) Update(price float64) {
	if price > x.MaxPrice {
		x.MaxPrice = price
	}
	if price < x.MinPrice {
		x.MinPrice = price
	}
}

// MAEPct 返回最大不利偏移，相对入场价的百分数。多头不利为向下，
// 空头不利为向上，因此取值非正。
func (x Excursion) MAEPct() float64 {
	if x.EntryPrice == 0 {
		return 0
	}
	if x.Direction == Short {
		return (x.EntryPrice - x.MaxPrice) / x.EntryPrice * 100
	}
	return (x.MinPrice - x.EntryPrice) / x.EntryPrice * 100
}

// MFEPct 返回最大有利偏移，相对入场价的百分数，取值非负。
func (x Excursion) MFEPct() float64 {
	if x.EntryPrice == 0 {
		return 0
	}
	if x.Direction == Short {
		return (x.EntryPrice - x.MinPrice) / x.EntryPrice * 100
	}
	return (x.MaxPrice - x.EntryPrice) / x.EntryPrice * 100
}

// TradeRecord 是一笔交易从入场信号到离场成交的完整记录。
// 在 Closed 之前由 Tracker 独占修改，关闭后只追加不改写。
type TradeRecord struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Direction   Direction        `json:"direction"`
	Status      Status           `json:"status"`
	EntrySignal strategy.Signal  `json:"entry_signal"`
	EntryFill   *execution.Fill  `json:"entry_fill,omitempty"`
	ExitSignal  *strategy.Signal `json:"exit_signal,omitempty"`
	ExitFill    *execution.Fill  `json:"exit_fill,omitempty"`
	ExitReason  ExitReason       `json:"exit_reason,omitempty"`
	Excursion   Excursion        `json:"excursion"`
	GrossPnL    float64          `json:"gross_pnl"`
	NetPnL      float64          `json:"net_pnl"`
	PnLPct      float64          `json:"pnl_pct"`
	MAEPct      float64          `json:"mae_pct"`
	MFEPct      float64          `json:"mfe_pct"`
	OpenedAt    int64            `json:"opened_at"`
	ClosedAt    int64            `json:"closed_at"`
	DurationMs  int64            `json:"duration_ms"`
}

// Open 报告交易是否仍占用仓位。
func (r TradeRecord) Open() bool {
	return r.Status == StatusMonitoring || r.Status == StatusExitSignaled
}
