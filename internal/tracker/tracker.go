package tracker

import (
	"errors"
	"fmt"

	"rewind/internal/execution"
	"rewind/internal/strategy"
)

// ErrPositionOpen 表示单仓策略下该交易对已有持仓或待成交的入场。
var ErrPositionOpen = errors.New("symbol already holds a position")

// Config 是交易跟踪器的策略项。
type Config struct {
	// AllowOverlapping 允许同一交易对同时持有多笔仓位。
	AllowOverlapping bool `json:"allow_overlapping_positions" mapstructure:"allow_overlapping_positions"`
}

// Tracker 是交易生命周期状态机的唯一持有者。一个回测实例一个
// Tracker，只在回测线程上被调用，内部不加锁。
type Tracker struct {
	allowOverlapping bool
	trades           map[string]*TradeRecord
	order            []string
	seq              int
}

// New 构造空的交易跟踪器。
func New(cfg Config) *Tracker {
	return &Tracker{
		allowOverlapping: cfg.AllowOverlapping,
		trades:           make(map[string]*TradeRecord),
	}
}

// OnEntrySignal 接受入场信号并创建待成交的交易记录, 返回交易 id。
// 单仓策略下同一交易对已有未关闭交易时拒绝。
func (t *Tracker) OnEntrySignal(sig strategy.Signal) (string, error) {
	var dir Direction
	switch sig.Side {
	case strategy.Buy:
		dir = Long
	case strategy.Sell:
		dir = Short
	default:
		return "", fmt.Errorf("入场信号方向非法: %q", sig.Side)
	}
	if !t.allowOverlapping {
		for _, id := range t.order {
			tr := t.trades[id]
			if tr.Symbol == sig.Symbol && tr.Status != StatusClosed {
				return "", fmt.Errorf("%w: %s", ErrPositionOpen, sig.Symbol)
			}
		}
	}
	// 交易 id 由信号时间戳和单调递增序号拼出，同一输入序列重放时
	// 逐字节一致。取消的入场不回收序号。
	t.seq++
	id := fmt.Sprintf("TRADE-%d-%d", sig.Timestamp, t.seq)
	t.trades[id] = &TradeRecord{
		ID:          id,
		Symbol:      sig.Symbol,
		Direction:   dir,
		Status:      StatusEntrySignaled,
		EntrySignal: sig,
	}
	t.order = append(t.order, id)
	return id, nil
}

// CancelEntry 丢弃一笔从未成交的入场。入场请求未获成交时调用,
// 保证不会留下幽灵持仓挡住后续信号。
func (t *Tracker) CancelEntry(id string) error {
	tr, ok := t.trades[id]
	if !ok {
		return &InvalidTransitionError{TradeID: id, From: "", Op: "cancel_entry"}
	}
	if tr.Status != StatusEntrySignaled {
		return &InvalidTransitionError{TradeID: id, From: tr.Status, Op: "cancel_entry"}
	}
	delete(t.trades, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// OnEntryExecution 记录入场成交，初始化极值跟踪并进入持仓监控。
func (t *Tracker) OnEntryExecution(id string, fill execution.Fill) error {
	tr, ok := t.trades[id]
	if !ok {
		return &InvalidTransitionError{TradeID: id, From: "", Op: "on_entry_execution"}
	}
	if tr.Status != StatusEntrySignaled {
		return &InvalidTransitionError{TradeID: id, From: tr.Status, Op: "on_entry_execution"}
	}
	f := fill
	tr.EntryFill = &f
	tr.Excursion = newExcursion(f.Price, tr.Direction)
	tr.OpenedAt = f.Timestamp
	tr.Status = StatusMonitoring
	return nil
}

// OnPriceUpdate 用新的价格观测刷新持仓极值。未知或已关闭的交易
// 直接忽略，事件驱动环境里迟到和重复的回调是正常现象。
func (t *Tracker) OnPriceUpdate(id string, price float64) {
	tr, ok := t.trades[id]
	if !ok {
		return
	}
	if tr.Status != StatusMonitoring && tr.Status != StatusExitSignaled {
		return
	}
	tr.Excursion.Update(price)
}

// OnExitSignal 记录离场请求，交易转入待离场成交。
func (t *Tracker) OnExitSignal(id string, sig strategy.Signal) error {
	tr, ok := t.trades[id]
	if !ok {
		return &InvalidTransitionError{TradeID: id, From: "", Op: "on_exit_signal"}
	}
	if tr.Status != StatusMonitoring {
		return &InvalidTransitionError{TradeID: id, From: tr.Status, Op: "on_exit_signal"}
	}
	s := sig
	tr.ExitSignal = &s
	tr.Status = StatusExitSignaled
	return nil
}

// CancelExit 在离场请求未获成交时把交易退回持仓监控。
func (t *Tracker) CancelExit(id string) error {
	tr, ok := t.trades[id]
	if !ok {
		return &InvalidTransitionError{TradeID: id, From: "", Op: "cancel_exit"}
	}
	if tr.Status != StatusExitSignaled {
		return &InvalidTransitionError{TradeID: id, From: tr.Status, Op: "cancel_exit"}
	}
	tr.ExitSignal = nil
	tr.Status = StatusMonitoring
	return nil
}

// OnExitExecution 记录离场成交，结算盈亏并关闭交易。
// 盈亏按入场数量结算：毛利 = (离场价-入场价) × 数量 × 方向，
// 净利扣除两侧手续费。
func (t *Tracker) OnExitExecution(id string, fill execution.Fill, reason ExitReason) error {
	tr, ok := t.trades[id]
	if !ok {
		return &InvalidTransitionError{TradeID: id, From: "", Op: "on_exit_execution"}
	}
	if tr.Status != StatusExitSignaled {
		return &InvalidTransitionError{TradeID: id, From: tr.Status, Op: "on_exit_execution"}
	}
	f := fill
	tr.ExitFill = &f
	tr.ExitReason = reason

	qty := tr.EntryFill.Quantity
	tr.GrossPnL = (f.Price - tr.EntryFill.Price) * qty * tr.Direction.sign()
	tr.NetPnL = tr.GrossPnL - tr.EntryFill.Commission - f.Commission
	if notional := tr.EntryFill.Price * qty; notional != 0 {
		tr.PnLPct = tr.NetPnL / notional * 100
	}
	tr.MAEPct = tr.Excursion.MAEPct()
	tr.MFEPct = tr.Excursion.MFEPct()
	tr.ClosedAt = f.Timestamp
	tr.DurationMs = tr.ClosedAt - tr.OpenedAt
	tr.Status = StatusClosed
	return nil
}

// OpenTrades 返回仍在占仓的交易快照，按创建顺序排列。
func (t *Tracker) OpenTrades() []TradeRecord {
	out := make([]TradeRecord, 0, len(t.order))
	for _, id := range t.order {
		if tr := t.trades[id]; tr.Open() {
			out = append(out, *tr)
		}
	}
	return out
}

// ClosedTrades 返回已关闭的交易快照，按创建顺序排列。
func (t *Tracker) ClosedTrades() []TradeRecord {
	out := make([]TradeRecord, 0, len(t.order))
	for _, id := range t.order {
		if tr := t.trades[id]; tr.Status == StatusClosed {
			out = append(out, *tr)
		}
	}
	return out
}

// AllTrades 返回全部交易快照，按创建顺序排列。
func (t *Tracker) AllTrades() []TradeRecord {
	out := make([]TradeRecord, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.trades[id])
	}
	return out
}
