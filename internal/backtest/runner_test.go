package backtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"rewind/internal/execution"
	"rewind/internal/feature"
	"rewind/internal/market"
	"rewind/internal/strategy"
	"rewind/internal/tracker"
)

// scripted 按收盘时间戳回放预先写好的信号，专供回测循环测试。
type scripted struct {
	signals map[int64]strategy.Side
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) OnCandle(c market.Candle, snap feature.Snapshot) (*strategy.Signal, error) {
	side, ok := s.signals[c.CloseTime]
	if !ok {
		return nil, nil
	}
	return &strategy.Signal{
		Timestamp:      c.CloseTime,
		Symbol:         c.Symbol,
		Side:           side,
		Confidence:     1,
		Reason:         "scripted",
		ReferencePrice: c.Close,
	}, nil
}

func mustTF(t *testing.T, key string) market.Timeframe {
	t.Helper()
	tf, err := market.ParseTimeframe(key)
	require.NoError(t, err)
	return tf
}

const minuteMs = int64(60_000)

// minuteSeries 用收盘价构造连续的 1m 序列，高低点略超出开收区间。
func minuteSeries(t *testing.T, closes ...float64) *market.Series {
	t.Helper()
	candles := make([]market.Candle, len(closes))
	prev := closes[0]
	for i, cl := range closes {
		hi, lo := prev, cl
		if cl > hi {
			hi, lo = cl, prev
		}
		candles[i] = market.Candle{
			OpenTime:  int64(i) * minuteMs,
			CloseTime: int64(i+1) * minuteMs,
			Open:      prev,
			High:      hi + 0.5,
			Low:       lo - 0.5,
			Close:     cl,
			Volume:    1,
		}
		prev = cl
	}
	series, err := market.NewSeries("BTCUSDT", mustTF(t, "1m"), candles)
	require.NoError(t, err)
	return series
}

// frictionless 返回无滑点无手续费、零延迟必成交的执行参数。
func frictionless() execution.Config {
	cfg := execution.DefaultConfig()
	cfg.SlippageBps = 0
	cfg.CommissionBps = 0
	cfg.LatencyBars = 0
	cfg.FillProbability = 1
	return cfg
}

func testRunConfig() RunConfig {
	return RunConfig{
		Symbol:         "BTCUSDT",
		BaseTimeframe:  "1m",
		Quantity:       1,
		InitialBalance: 1000,
		Execution:      frictionless(),
		Tracker:        tracker.Config{},
	}
}

func runEngine(t *testing.T, cfg RunConfig, series *market.Series, strat strategy.Strategy) *Result {
	t.Helper()
	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	res, err := eng.Run(context.Background(), series, strat)
	require.NoError(t, err)
	return res
}

func TestEngineThreeBarLifecycle(t *testing.T) {
	series := minuteSeries(t, 100, 105, 95)
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
		3 * minuteMs: strategy.Flat,
	}}
	res := runEngine(t, testRunConfig(), series, strat)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.Equal(t, tracker.StatusClosed, tr.Status)
	require.Equal(t, tracker.ExitManual, tr.ExitReason)
	require.NotNil(t, tr.EntryFill)
	require.NotNil(t, tr.ExitFill)

	t.Run("入场在信号 K 线收盘成交", func(t *testing.T) {
		require.InDelta(t, 100.0, tr.EntryFill.Price, 1e-9)
		require.Equal(t, 1*minuteMs, tr.EntryFill.Timestamp)
	})
	t.Run("离场在信号 K 线收盘成交", func(t *testing.T) {
		require.InDelta(t, 95.0, tr.ExitFill.Price, 1e-9)
		require.Equal(t, 3*minuteMs, tr.ExitFill.Timestamp)
	})
	t.Run("盈亏与偏移", func(t *testing.T) {
		require.InDelta(t, -5.0, tr.GrossPnL, 1e-9)
		require.InDelta(t, -5.0, tr.NetPnL, 1e-9)
		require.InDelta(t, -5.0, tr.PnLPct, 1e-9)
		require.InDelta(t, 5.0, tr.MFEPct, 1e-9)
		require.InDelta(t, 0.0, tr.MAEPct, 1e-9)
		require.Equal(t, 2*minuteMs, tr.DurationMs)
	})
	t.Run("资金曲线逐根采样", func(t *testing.T) {
		require.Len(t, res.Equity, 3)
		require.InDelta(t, 1000.0, res.Equity[0].Equity, 1e-9)
		require.InDelta(t, 1005.0, res.Equity[1].Equity, 1e-9)
		require.InDelta(t, 995.0, res.Equity[2].Equity, 1e-9)
		require.InDelta(t, 995.0, res.FinalEquity, 1e-9)
		require.InDelta(t, 1005.0, res.EquityPeak, 1e-9)
		require.InDelta(t, (1005.0-995.0)/1005.0*100, res.MaxDrawdownPct, 1e-9)
	})
}

func TestEngineLatencySettlesAtLaterClose(t *testing.T) {
	series := minuteSeries(t, 100, 105, 95)
	cfg := testRunConfig()
	cfg.Execution.LatencyBars = 1
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, cfg, series, strat)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.NotNil(t, tr.EntryFill)
	require.InDelta(t, 105.0, tr.EntryFill.Price, 1e-9)
	require.Equal(t, 2*minuteMs, tr.EntryFill.Timestamp)
}

func TestEngineNoFillLeavesNoTrace(t *testing.T) {
	series := minuteSeries(t, 100, 105, 95)
	cfg := testRunConfig()
	cfg.OrderKind = execution.Limit
	cfg.Execution.FillProbability = 0
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, cfg, series, strat)

	require.Empty(t, res.Trades)
	require.Equal(t, 0, res.Stats.Total)
	// 未占仓位，资金曲线保持初始值。
	for _, p := range res.Equity {
		require.InDelta(t, 1000.0, p.Equity, 1e-9)
	}
}

func TestEngineStopLoss(t *testing.T) {
	series := minuteSeries(t, 100, 94, 94)
	cfg := testRunConfig()
	cfg.StopLossPct = 5
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, cfg, series, strat)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.Equal(t, tracker.StatusClosed, tr.Status)
	require.Equal(t, tracker.ExitStopLoss, tr.ExitReason)
	require.InDelta(t, 94.0, tr.ExitFill.Price, 1e-9)
	require.InDelta(t, -6.0, tr.NetPnL, 1e-9)
}

func TestEngineTakeProfit(t *testing.T) {
	series := minuteSeries(t, 100, 106, 106)
	cfg := testRunConfig()
	cfg.TakeProfitPct = 5
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, cfg, series, strat)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.Equal(t, tracker.ExitTakeProfit, tr.ExitReason)
	require.InDelta(t, 6.0, tr.NetPnL, 1e-9)
}

func TestEngineTimeoutExit(t *testing.T) {
	series := minuteSeries(t, 100, 101, 100, 101, 100)
	cfg := testRunConfig()
	cfg.MaxHoldBars = 2
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, cfg, series, strat)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.Equal(t, tracker.ExitTimeout, tr.ExitReason)
	// 入场在第 0 根，超时在第 2 根收盘触发并成交。
	require.Equal(t, 3*minuteMs, tr.ExitFill.Timestamp)
}

func TestEngineSignalReversal(t *testing.T) {
	series := minuteSeries(t, 100, 102, 102)
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
		2 * minuteMs: strategy.Sell,
	}}
	res := runEngine(t, testRunConfig(), series, strat)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.Equal(t, tracker.ExitSignalReversal, tr.ExitReason)
	require.InDelta(t, 2.0, tr.NetPnL, 1e-9)
}

func TestEngineShortTrade(t *testing.T) {
	series := minuteSeries(t, 100, 90, 90)
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Sell,
		3 * minuteMs: strategy.Flat,
	}}
	res := runEngine(t, testRunConfig(), series, strat)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.Equal(t, tracker.Short, tr.Direction)
	require.InDelta(t, 10.0, tr.NetPnL, 1e-9)
	require.InDelta(t, 10.0, tr.MFEPct, 1e-9)
}

func TestEngineEndOfDataLeavesTradeOpen(t *testing.T) {
	series := minuteSeries(t, 100, 105)
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, testRunConfig(), series, strat)

	require.Len(t, res.Trades, 1)
	require.Equal(t, tracker.StatusMonitoring, res.Trades[0].Status)
	require.Equal(t, 1, res.Stats.Open)
	require.Equal(t, 0, res.Stats.Closed)
	// 未平仓盈亏按最后收盘价计入权益。
	require.InDelta(t, 1005.0, res.FinalEquity, 1e-9)
}

func TestEngineLiquidateAtEnd(t *testing.T) {
	series := minuteSeries(t, 100, 105)
	cfg := testRunConfig()
	cfg.LiquidateAtEnd = true
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, cfg, series, strat)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.Equal(t, tracker.StatusClosed, tr.Status)
	require.Equal(t, tracker.ExitLiquidation, tr.ExitReason)
	require.InDelta(t, 105.0, tr.ExitFill.Price, 1e-9)
	require.InDelta(t, 1005.0, res.FinalEquity, 1e-9)
}

func TestEnginePendingOrderCanceledAtEndOfData(t *testing.T) {
	series := minuteSeries(t, 100, 105)
	cfg := testRunConfig()
	cfg.Execution.LatencyBars = 3
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, cfg, series, strat)

	// 延迟超出数据末尾的入场订单作废，不留持仓。
	require.Empty(t, res.Trades)
}

func TestEngineSingleActivePosition(t *testing.T) {
	series := minuteSeries(t, 100, 101, 102, 103)
	strat := &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
		2 * minuteMs: strategy.Buy,
		3 * minuteMs: strategy.Buy,
	}}
	res := runEngine(t, testRunConfig(), series, strat)

	// 同向重复信号被跳过，只保留第一笔持仓。
	require.Len(t, res.Trades, 1)
	require.InDelta(t, 100.0, res.Trades[0].EntryFill.Price, 1e-9)
}

func TestEngineExitClosesFullEntryQuantity(t *testing.T) {
	series := minuteSeries(t, 100, 100, 100)

	cfg := testRunConfig()
	cfg.OrderKind = execution.Limit
	cfg.Quantity = 1
	cfg.Execution.MinFillRate = 0.5
	cfg.Execution.CommissionBps = 10

	res := runEngine(t, cfg, series, &scripted{signals: map[int64]strategy.Side{
		1 * minuteMs: strategy.Buy,
		3 * minuteMs: strategy.Flat,
	}})

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.NotNil(t, tr.EntryFill)
	require.NotNil(t, tr.ExitFill)

	// 入场限价单允许部分成交，离场必须把成交掉的那部分全部平掉，
	// 且两侧手续费都按各自的成交数量计。
	require.Less(t, tr.EntryFill.Quantity, cfg.Quantity)
	require.Equal(t, tr.EntryFill.Quantity, tr.ExitFill.Quantity)
	qty := tr.EntryFill.Quantity
	require.InDelta(t, 100*qty*0.001, tr.EntryFill.Commission, 1e-9)
	require.InDelta(t, 100*qty*0.001, tr.ExitFill.Commission, 1e-9)
	require.InDelta(t, -2*100*qty*0.001, tr.NetPnL, 1e-9)
}

func TestEngineRerunIsDeterministic(t *testing.T) {
	closes := make([]float64, 0, 64)
	price := 100.0
	for i := 0; i < 64; i++ {
		if i%2 == 0 {
			price += 1.5
		} else {
			price -= 1.0
		}
		closes = append(closes, price)
	}
	series := minuteSeries(t, closes...)

	cfg := testRunConfig()
	cfg.OrderKind = execution.Limit
	cfg.Execution.FillProbability = 0.6
	cfg.Execution.MinFillRate = 0.8
	cfg.Execution.Seed = 7
	signals := map[int64]strategy.Side{}
	for i := 4; i < 60; i += 4 {
		side := strategy.Buy
		if i%8 == 0 {
			side = strategy.Flat
		}
		signals[int64(i)*minuteMs] = side
	}

	run := func() *Result {
		return runEngine(t, cfg, series, &scripted{signals: signals})
	}
	first, second := run(), run()

	// 交易记录必须逐字节一致，id 也不例外。
	require.Equal(t, first.Trades, second.Trades)
	require.Equal(t, first.Stats, second.Stats)
	require.Equal(t, first.Equity, second.Equity)
}

func TestEngineRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RunConfig)
	}{
		{"非法基准周期", func(c *RunConfig) { c.BaseTimeframe = "7x" }},
		{"数量为零", func(c *RunConfig) { c.Quantity = 0 }},
		{"止损为负", func(c *RunConfig) { c.StopLossPct = -1 }},
		{"未知指标", func(c *RunConfig) {
			c.Indicators = []feature.Spec{{Kind: "nope"}}
		}},
		{"非法执行参数", func(c *RunConfig) { c.Execution.MinFillRate = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testRunConfig()
			tc.mutate(&cfg)
			_, err := NewEngine(cfg)
			require.Error(t, err)
		})
	}
}

func TestSettleWarnsOnMissingTrade(t *testing.T) {
	trk := tracker.New(tracker.Config{})
	_, ok := tradeByID(trk, "TRADE-0-1")
	require.False(t, ok)

	st := &runState{trk: trk}
	st.settle("TRADE-0-1")
	require.Zero(t, st.realized, "找不到记录时不得改动已实现盈亏")
	require.Len(t, st.warnings, 1)

	id, err := trk.OnEntrySignal(strategy.Signal{Timestamp: 1000, Symbol: "BTCUSDT", Side: strategy.Buy})
	require.NoError(t, err)
	tr, ok := tradeByID(trk, id)
	require.True(t, ok)
	require.Equal(t, id, tr.ID)
}
