package backtest

import (
	"context"
	"errors"
	"fmt"

	"rewind/internal/execution"
	"rewind/internal/feature"
	"rewind/internal/logger"
	"rewind/internal/market"
	"rewind/internal/playback"
	"rewind/internal/strategy"
	"rewind/internal/tracker"
)

// Result 是一次回测循环的完整产出。
type Result struct {
	Trades []tracker.TradeRecord `json:"trades"`
	Stats  tracker.Stats         `json:"stats"`
	Equity []EquityPoint         `json:"equity"`

	MaxDrawdownPct float64  `json:"max_drawdown_pct"`
	EquityPeak     float64  `json:"equity_peak"`
	FinalEquity    float64  `json:"final_equity"`
	Warnings       []string `json:"warnings,omitempty"`
}

// pendingOrder 是已发出但尚未到成交时刻的下单请求。
type pendingOrder struct {
	tradeID string
	req     execution.OrderRequest
	due     int
	exit    bool
	reason  tracker.ExitReason
}

// Engine 把回放、特征、策略、执行与跟踪装配成单线程回测循环。
// 一个 Engine 只描述配置，循环内的全部可变状态都建在 Run 里，
// 同一 Engine 可以安全地驱动多次相互独立的运行。
type Engine struct {
	cfg     RunConfig
	baseTF  market.Timeframe
	aligner *feature.Aligner
}

// NewEngine 校验配置并装配特征管线。所有配置类错误都在这里暴露,
// 绝不留到回放中途。
func NewEngine(cfg RunConfig) (*Engine, error) {
	baseTF, err := market.ParseTimeframe(cfg.BaseTimeframe)
	if err != nil {
		return nil, err
	}
	targets := make([]market.Timeframe, 0, len(cfg.Timeframes))
	for _, key := range cfg.Timeframes {
		tf, err := market.ParseTimeframe(key)
		if err != nil {
			return nil, err
		}
		if tf.Key == baseTF.Key {
			continue
		}
		targets = append(targets, tf)
	}
	eng, err := feature.NewEngine(feature.NewRegistry(), cfg.Indicators)
	if err != nil {
		return nil, err
	}
	aligner, err := feature.NewAligner(eng, baseTF, targets)
	if err != nil {
		return nil, err
	}
	if cfg.Quantity <= 0 {
		return nil, fmt.Errorf("%w: 下单数量必须为正, 实际 %v", market.ErrConfiguration, cfg.Quantity)
	}
	if cfg.OrderKind == "" {
		cfg.OrderKind = execution.Market
	}
	if cfg.StopLossPct < 0 || cfg.TakeProfitPct < 0 {
		return nil, fmt.Errorf("%w: 止损/止盈比例不能为负", market.ErrConfiguration)
	}
	if err := cfg.Execution.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, baseTF: baseTF, aligner: aligner}, nil
}

// Config 返回引擎的配置快照。
func (e *Engine) Config() RunConfig { return e.cfg }

// runState 聚合一次运行内跨 K 线共享的可变状态。
type runState struct {
	sim      *execution.Simulator
	trk      *tracker.Tracker
	pending  []pendingOrder
	entryBar map[string]int
	realized float64
	peak     float64
	warnings []string
}

// Run 在一条序列上执行完整回测。核心循环是单线程的：一根 K 线
// 完全处理完（到期订单 → 风控离场 → 策略 → 价格刷新 → 权益采样）
// 才读取下一根，这是防前视的基础。
func (e *Engine) Run(ctx context.Context, series *market.Series, strat strategy.Strategy) (*Result, error) {
	matrix, err := e.aligner.Build(series)
	if err != nil {
		return nil, err
	}
	sim, err := execution.NewSimulator(e.cfg.Execution)
	if err != nil {
		return nil, err
	}
	st := &runState{
		sim:      sim,
		trk:      tracker.New(e.cfg.Tracker),
		entryBar: make(map[string]int),
		peak:     e.cfg.InitialBalance,
	}
	stream := playback.NewStream(matrix)
	equity := make([]EquityPoint, 0, matrix.Len())

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, ok := stream.Next()
		if !ok {
			break
		}
		e.settleDueOrders(st, ev)
		e.checkRiskExits(st, ev)
		e.applyStrategy(st, strat, ev)
		for _, tr := range st.trk.OpenTrades() {
			st.trk.OnPriceUpdate(tr.ID, ev.Candle.Close)
		}
		equity = append(equity, e.sampleEquity(st, ev))
	}

	e.finish(st, matrix)
	if e.cfg.LiquidateAtEnd && len(equity) > 0 {
		// 强平后最后一个采样点改用全部已实现的口径。
		last := &equity[len(equity)-1]
		last.Equity = e.cfg.InitialBalance + st.realized
		if last.Equity > st.peak {
			st.peak = last.Equity
		}
		if st.peak > 0 && last.Equity < st.peak {
			last.Drawdown = (st.peak - last.Equity) / st.peak * 100
		} else {
			last.Drawdown = 0
		}
	}

	res := &Result{
		Trades:     st.trk.AllTrades(),
		Stats:      st.trk.Stats(),
		Equity:     equity,
		EquityPeak: st.peak,
		Warnings:   st.warnings,
	}
	if n := len(equity); n > 0 {
		res.FinalEquity = equity[n-1].Equity
		for _, p := range equity {
			if p.Drawdown > res.MaxDrawdownPct {
				res.MaxDrawdownPct = p.Drawdown
			}
		}
	} else {
		res.FinalEquity = e.cfg.InitialBalance
	}
	return res, nil
}

// settleDueOrders 处理到期订单。同一根 K 线上先结算离场再结算
// 入场，避免单仓策略下出现双重持仓。
func (e *Engine) settleDueOrders(st *runState, ev playback.Event) {
	var later, exits, entries []pendingOrder
	for _, p := range st.pending {
		switch {
		case p.due > ev.Index:
			later = append(later, p)
		case p.exit:
			exits = append(exits, p)
		default:
			entries = append(entries, p)
		}
	}
	st.pending = later
	for _, p := range exits {
		e.settleExit(st, p, ev)
	}
	for _, p := range entries {
		e.settleEntry(st, p, ev)
	}
}

func (e *Engine) settleEntry(st *runState, p pendingOrder, ev playback.Event) {
	res := st.sim.Simulate(p.req, ev.Candle)
	if !res.Filled() {
		// 未成交的入场不留下任何持仓痕迹。
		if err := st.trk.CancelEntry(p.tradeID); err != nil {
			st.warn(err)
		}
		logger.Debugf("[backtest] 入场未成交 trade=%s reason=%s", p.tradeID, res.Reason)
		return
	}
	if err := st.trk.OnEntryExecution(p.tradeID, *res.Fill); err != nil {
		st.warn(err)
		return
	}
	st.entryBar[p.tradeID] = ev.Index
}

func (e *Engine) settleExit(st *runState, p pendingOrder, ev playback.Event) {
	res := st.sim.Simulate(p.req, ev.Candle)
	if !res.Filled() {
		// 离场未成交时退回持仓监控，等待下一次离场条件。
		if err := st.trk.CancelExit(p.tradeID); err != nil {
			st.warn(err)
		}
		logger.Debugf("[backtest] 离场未成交 trade=%s reason=%s", p.tradeID, res.Reason)
		return
	}
	if err := st.trk.OnExitExecution(p.tradeID, *res.Fill, p.reason); err != nil {
		st.warn(err)
		return
	}
	st.settle(p.tradeID)
	delete(st.entryBar, p.tradeID)
}

// checkRiskExits 按收盘价检查止损、止盈与持仓超时。
func (e *Engine) checkRiskExits(st *runState, ev playback.Event) {
	for _, tr := range st.trk.OpenTrades() {
		if tr.Status != tracker.StatusMonitoring {
			continue
		}
		reason := e.riskReason(st, tr, ev)
		if reason == "" {
			continue
		}
		sig := strategy.Signal{
			Timestamp:      ev.Candle.CloseTime,
			Symbol:         tr.Symbol,
			Side:           strategy.Flat,
			Confidence:     1,
			Reason:         string(reason),
			ReferencePrice: ev.Candle.Close,
			Snapshot:       ev.Snapshot,
		}
		e.requestExit(st, tr, sig, reason, ev)
	}
}

func (e *Engine) riskReason(st *runState, tr tracker.TradeRecord, ev playback.Event) tracker.ExitReason {
	entry := tr.EntryFill.Price
	price := ev.Candle.Close
	move := (price - entry) / entry * 100
	if tr.Direction == tracker.Short {
		move = -move
	}
	switch {
	case e.cfg.StopLossPct > 0 && move <= -e.cfg.StopLossPct:
		return tracker.ExitStopLoss
	case e.cfg.TakeProfitPct > 0 && move >= e.cfg.TakeProfitPct:
		return tracker.ExitTakeProfit
	case e.cfg.MaxHoldBars > 0 && ev.Index-st.entryBar[tr.ID] >= e.cfg.MaxHoldBars:
		return tracker.ExitTimeout
	}
	return ""
}

// applyStrategy 调用策略并把信号转成入场或离场请求。
// 同一根 K 线上离场意图优先于新入场。
func (e *Engine) applyStrategy(st *runState, strat strategy.Strategy, ev playback.Event) {
	sig, err := strat.OnCandle(ev.Candle, ev.Snapshot)
	if err != nil {
		st.warn(fmt.Errorf("策略 %s 在 %d 失败: %w", strat.Name(), ev.Candle.CloseTime, err))
		return
	}
	if sig == nil {
		return
	}

	open := openMonitoring(st.trk, sig.Symbol)
	switch {
	case sig.Side == strategy.Flat:
		if open != nil {
			e.requestExit(st, *open, *sig, tracker.ExitManual, ev)
		}
	case open != nil:
		wantDir := tracker.Long
		if sig.Side == strategy.Sell {
			wantDir = tracker.Short
		}
		if open.Direction != wantDir {
			e.requestExit(st, *open, *sig, tracker.ExitSignalReversal, ev)
		}
	default:
		e.requestEntry(st, *sig, ev)
	}
}

func (e *Engine) requestEntry(st *runState, sig strategy.Signal, ev playback.Event) {
	id, err := st.trk.OnEntrySignal(sig)
	if err != nil {
		if errors.Is(err, tracker.ErrPositionOpen) {
			logger.Debugf("[backtest] 跳过入场信号 %s@%d: %v", sig.Symbol, sig.Timestamp, err)
			return
		}
		st.warn(err)
		return
	}
	side := execution.Buy
	if sig.Side == strategy.Sell {
		side = execution.Sell
	}
	p := pendingOrder{
		tradeID: id,
		req: execution.OrderRequest{
			Symbol:     sig.Symbol,
			Side:       side,
			Quantity:   e.cfg.Quantity,
			Kind:       e.cfg.OrderKind,
			LimitPrice: sig.ReferencePrice,
			Timestamp:  sig.Timestamp,
		},
		due: ev.Index + st.sim.LatencyBars(),
	}
	e.dispatch(st, p, ev)
}

func (e *Engine) requestExit(st *runState, tr tracker.TradeRecord, sig strategy.Signal, reason tracker.ExitReason, ev playback.Event) {
	if err := st.trk.OnExitSignal(tr.ID, sig); err != nil {
		st.warn(err)
		return
	}
	side := execution.Sell
	if tr.Direction == tracker.Short {
		side = execution.Buy
	}
	p := pendingOrder{
		tradeID: tr.ID,
		req: execution.OrderRequest{
			Symbol:     tr.Symbol,
			Side:       side,
			Quantity:   tr.EntryFill.Quantity,
			Kind:       e.cfg.OrderKind,
			LimitPrice: sig.ReferencePrice,
			ReduceOnly: true,
			Timestamp:  sig.Timestamp,
		},
		due:    ev.Index + st.sim.LatencyBars(),
		exit:   true,
		reason: reason,
	}
	e.dispatch(st, p, ev)
}

// dispatch 立即结算零延迟订单，其余进入待结算队列。
func (e *Engine) dispatch(st *runState, p pendingOrder, ev playback.Event) {
	if p.due > ev.Index {
		st.pending = append(st.pending, p)
		return
	}
	if p.exit {
		e.settleExit(st, p, ev)
		return
	}
	e.settleEntry(st, p, ev)
}

// sampleEquity 记录当前权益：初始资金 + 已实现盈亏 + 浮动盈亏。
func (e *Engine) sampleEquity(st *runState, ev playback.Event) EquityPoint {
	unrealized := 0.0
	for _, tr := range st.trk.OpenTrades() {
		sign := 1.0
		if tr.Direction == tracker.Short {
			sign = -1
		}
		unrealized += (ev.Candle.Close - tr.EntryFill.Price) * tr.EntryFill.Quantity * sign
		unrealized -= tr.EntryFill.Commission
	}
	eq := e.cfg.InitialBalance + st.realized + unrealized
	if eq > st.peak {
		st.peak = eq
	}
	dd := 0.0
	if st.peak > 0 && eq < st.peak {
		dd = (st.peak - eq) / st.peak * 100
	}
	return EquityPoint{TS: ev.Candle.CloseTime, Equity: eq, Drawdown: dd}
}

// finish 在数据耗尽后收尾：作废仍在途的订单；按配置决定持仓是
// 原样保留还是按最后收盘价强制平仓。
func (e *Engine) finish(st *runState, matrix *feature.Matrix) {
	for _, p := range st.pending {
		var err error
		if p.exit {
			err = st.trk.CancelExit(p.tradeID)
		} else {
			err = st.trk.CancelEntry(p.tradeID)
		}
		if err != nil {
			st.warn(err)
		}
	}
	st.pending = nil

	if !e.cfg.LiquidateAtEnd || matrix.Len() == 0 {
		return
	}
	last := matrix.Candle(matrix.Len() - 1)
	for _, tr := range st.trk.OpenTrades() {
		if tr.Status != tracker.StatusMonitoring {
			continue
		}
		sig := strategy.Signal{
			Timestamp:      last.CloseTime,
			Symbol:         tr.Symbol,
			Side:           strategy.Flat,
			Confidence:     1,
			Reason:         string(tracker.ExitLiquidation),
			ReferencePrice: last.Close,
		}
		if err := st.trk.OnExitSignal(tr.ID, sig); err != nil {
			st.warn(err)
			continue
		}
		side := execution.Sell
		if tr.Direction == tracker.Short {
			side = execution.Buy
		}
		res := st.sim.Simulate(execution.OrderRequest{
			Symbol:     tr.Symbol,
			Side:       side,
			Quantity:   tr.EntryFill.Quantity,
			Kind:       execution.Market,
			ReduceOnly: true,
			Timestamp:  last.CloseTime,
		}, last)
		if !res.Filled() {
			if err := st.trk.CancelExit(tr.ID); err != nil {
				st.warn(err)
			}
			continue
		}
		if err := st.trk.OnExitExecution(tr.ID, *res.Fill, tracker.ExitLiquidation); err != nil {
			st.warn(err)
			continue
		}
		st.settle(tr.ID)
	}
}

func (st *runState) warn(err error) {
	st.warnings = append(st.warnings, err.Error())
	logger.Warnf("[backtest] %v", err)
}

// settle 把已关闭交易的净利计入已实现盈亏。离场成交后记录必须
// 存在，找不到说明状态机和循环脱节，记入警告而不是无声吞掉。
func (st *runState) settle(tradeID string) {
	tr, ok := tradeByID(st.trk, tradeID)
	if !ok {
		st.warn(fmt.Errorf("离场成交后找不到交易记录: %s", tradeID))
		return
	}
	st.realized += tr.NetPnL
}

// openMonitoring 返回该交易对处于持仓监控状态的交易，没有则为 nil。
func openMonitoring(trk *tracker.Tracker, symbol string) *tracker.TradeRecord {
	for _, tr := range trk.OpenTrades() {
		if tr.Symbol == symbol && tr.Status == tracker.StatusMonitoring {
			t := tr
			return &t
		}
	}
	return nil
}

func tradeByID(trk *tracker.Tracker, id string) (tracker.TradeRecord, bool) {
	for _, tr := range trk.AllTrades() {
		if tr.ID == id {
			return tr, true
		}
	}
	return tracker.TradeRecord{}, false
}
