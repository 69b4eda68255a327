package tracker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewind/internal/execution"
	"rewind/internal/strategy"
)

func entrySignal(symbol string, side strategy.Side, ts int64) strategy.Signal {
	return strategy.Signal{Timestamp: ts, Symbol: symbol, Side: side, Confidence: 1, Reason: "test"}
}

func fill(price, qty, commission float64, ts int64) execution.Fill {
	return execution.Fill{Quantity: qty, Price: price, Commission: commission, Timestamp: ts}
}

// 开一笔多头并推进到 Monitoring。
func openLong(t *testing.T, tr *Tracker, symbol string, price float64) string {
	t.Helper()
	id, err := tr.OnEntrySignal(entrySignal(symbol, strategy.Buy, 1000))
	require.NoError(t, err)
	require.NoError(t, tr.OnEntryExecution(id, fill(price, 1, 0, 2000)))
	return id
}

func TestTradeLifecycle(t *testing.T) {
	tr := New(Config{})
	id := openLong(t, tr, "BTCUSDT", 100)

	tr.OnPriceUpdate(id, 105)
	require.NoError(t, tr.OnExitSignal(id, entrySignal("BTCUSDT", strategy.Flat, 3000)))
	require.NoError(t, tr.OnExitExecution(id, fill(95, 1, 0, 4000), ExitSignalReversal))

	closed := tr.ClosedTrades()
	require.Len(t, closed, 1)
	rec := closed[0]
	assert.Equal(t, StatusClosed, rec.Status)
	assert.InDelta(t, -5.0, rec.GrossPnL, 1e-9)
	assert.InDelta(t, -5.0, rec.NetPnL, 1e-9)
	assert.InDelta(t, -5.0, rec.PnLPct, 1e-9)
	assert.InDelta(t, 5.0, rec.MFEPct, 1e-9)
	assert.InDelta(t, 0.0, rec.MAEPct, 1e-9)
	assert.Equal(t, int64(2000), rec.DurationMs)
	assert.Empty(t, tr.OpenTrades(), "已关闭的交易不得再出现在持仓集合")
}

func TestNetPnLSubtractsCosts(t *testing.T) {
	tr := New(Config{})
	id, err := tr.OnEntrySignal(entrySignal("ETHUSDT", strategy.Buy, 0))
	require.NoError(t, err)
	require.NoError(t, tr.OnEntryExecution(id, fill(100, 2, 0.4, 0)))
	require.NoError(t, tr.OnExitSignal(id, entrySignal("ETHUSDT", strategy.Flat, 0)))
	require.NoError(t, tr.OnExitExecution(id, fill(110, 2, 0.5, 0), ExitTakeProfit))

	rec := tr.ClosedTrades()[0]
	assert.InDelta(t, 20.0, rec.GrossPnL, 1e-9)
	assert.InDelta(t, 19.1, rec.NetPnL, 1e-9)
}

func TestShortExcursion(t *testing.T) {
	tr := New(Config{})
	id, err := tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Sell, 0))
	require.NoError(t, err)
	require.NoError(t, tr.OnEntryExecution(id, fill(200, 1, 0, 0)))

	tr.OnPriceUpdate(id, 210)
	tr.OnPriceUpdate(id, 180)
	require.NoError(t, tr.OnExitSignal(id, entrySignal("BTCUSDT", strategy.Flat, 0)))
	require.NoError(t, tr.OnExitExecution(id, fill(190, 1, 0, 0), ExitManual))

	rec := tr.ClosedTrades()[0]
	assert.InDelta(t, 10.0, rec.GrossPnL, 1e-9)
	assert.InDelta(t, -5.0, rec.MAEPct, 1e-9, "空头的不利偏移是价格上行")
	assert.InDelta(t, 10.0, rec.MFEPct, 1e-9)
}

func TestInvalidTransitions(t *testing.T) {
	tr := New(Config{})

	t.Run("未入场先成交", func(t *testing.T) {
		err := tr.OnEntryExecution("missing", fill(1, 1, 0, 0))
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
	})

	t.Run("监控状态重复入场成交", func(t *testing.T) {
		id := openLong(t, tr, "A1USDT", 100)
		err := tr.OnEntryExecution(id, fill(100, 1, 0, 0))
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, StatusMonitoring, ite.From)
	})

	t.Run("未请求离场直接成交", func(t *testing.T) {
		id := openLong(t, tr, "A2USDT", 100)
		err := tr.OnExitExecution(id, fill(1, 1, 0, 0), ExitManual)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
	})

	t.Run("待入场状态请求离场", func(t *testing.T) {
		id, err := tr.OnEntrySignal(entrySignal("A3USDT", strategy.Buy, 0))
		require.NoError(t, err)
		err = tr.OnExitSignal(id, entrySignal("A3USDT", strategy.Flat, 0))
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
	})
}

func TestPriceUpdateTolerated(t *testing.T) {
	tr := New(Config{})
	// 未知 id 与已关闭交易的价格回调都不报错。
	tr.OnPriceUpdate("unknown", 123)

	id := openLong(t, tr, "BTCUSDT", 100)
	require.NoError(t, tr.OnExitSignal(id, entrySignal("BTCUSDT", strategy.Flat, 0)))
	require.NoError(t, tr.OnExitExecution(id, fill(100, 1, 0, 0), ExitManual))
	tr.OnPriceUpdate(id, 50)
	assert.InDelta(t, 0.0, tr.ClosedTrades()[0].MAEPct, 1e-9, "关闭后的迟到回调不得改动记录")
}

func TestSinglePositionPolicy(t *testing.T) {
	t.Run("默认拒绝同符号重叠", func(t *testing.T) {
		tr := New(Config{})
		openLong(t, tr, "BTCUSDT", 100)
		_, err := tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 0))
		assert.ErrorIs(t, err, ErrPositionOpen)

		// 其它符号不受影响。
		_, err = tr.OnEntrySignal(entrySignal("ETHUSDT", strategy.Buy, 0))
		assert.NoError(t, err)
	})

	t.Run("待入场也占用仓位", func(t *testing.T) {
		tr := New(Config{})
		_, err := tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 0))
		require.NoError(t, err)
		_, err = tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 0))
		assert.ErrorIs(t, err, ErrPositionOpen)
	})

	t.Run("允许重叠时不限制", func(t *testing.T) {
		tr := New(Config{AllowOverlapping: true})
		openLong(t, tr, "BTCUSDT", 100)
		_, err := tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 0))
		assert.NoError(t, err)
	})
}

func TestCancelEntryFreesSymbol(t *testing.T) {
	tr := New(Config{})
	id, err := tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 0))
	require.NoError(t, err)
	require.NoError(t, tr.CancelEntry(id))

	assert.Empty(t, tr.AllTrades(), "未成交的入场不留痕")
	_, err = tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 0))
	assert.NoError(t, err)
}

func TestCancelExitReturnsToMonitoring(t *testing.T) {
	tr := New(Config{})
	id := openLong(t, tr, "BTCUSDT", 100)
	require.NoError(t, tr.OnExitSignal(id, entrySignal("BTCUSDT", strategy.Flat, 0)))
	require.NoError(t, tr.CancelExit(id))

	open := tr.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, StatusMonitoring, open[0].Status)
	assert.Nil(t, open[0].ExitSignal)
}

func TestAllTradesStableOrder(t *testing.T) {
	tr := New(Config{AllowOverlapping: true})
	var ids []string
	for _, sym := range []string{"C", "A", "B"} {
		id, err := tr.OnEntrySignal(entrySignal(sym+"USDT", strategy.Buy, 0))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	all := tr.AllTrades()
	require.Len(t, all, 3)
	for i, rec := range all {
		assert.Equal(t, ids[i], rec.ID, "必须保持插入顺序")
	}
}

func TestTradeIDsDeterministic(t *testing.T) {
	replay := func() []string {
		tr := New(Config{AllowOverlapping: true})
		var ids []string
		for i, sym := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT"} {
			id, err := tr.OnEntrySignal(entrySignal(sym, strategy.Buy, int64(i+1)*60_000))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		return ids
	}
	first, second := replay(), replay()
	assert.Equal(t, first, second, "相同信号序列重放必须得到相同 id")
	assert.Equal(t, "TRADE-60000-1", first[0])
	assert.Equal(t, "TRADE-120000-2", first[1])
	assert.Equal(t, "TRADE-180000-3", first[2])
}

func TestTradeIDSequenceSkipsCanceled(t *testing.T) {
	tr := New(Config{})
	id, err := tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 1000))
	require.NoError(t, err)
	require.NoError(t, tr.CancelEntry(id))

	next, err := tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 2000))
	require.NoError(t, err)
	assert.Equal(t, "TRADE-2000-2", next, "取消的入场占用过的序号不回收")
}

func TestStats(t *testing.T) {
	tr := New(Config{AllowOverlapping: true})
	closeTrade := func(entry, exit float64) {
		id, err := tr.OnEntrySignal(entrySignal("BTCUSDT", strategy.Buy, 0))
		require.NoError(t, err)
		require.NoError(t, tr.OnEntryExecution(id, fill(entry, 1, 0, 0)))
		require.NoError(t, tr.OnExitSignal(id, entrySignal("BTCUSDT", strategy.Flat, 0)))
		require.NoError(t, tr.OnExitExecution(id, fill(exit, 1, 0, 0), ExitManual))
	}
	closeTrade(100, 110) // +10
	closeTrade(100, 104) // +4
	closeTrade(100, 93)  // -7
	openLong(t, tr, "ETHUSDT", 50)

	st := tr.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.Open)
	assert.Equal(t, 3, st.Closed)
	assert.Equal(t, 2, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.InDelta(t, 2.0/3.0, st.WinRate, 1e-9)
	assert.InDelta(t, 14.0/7.0, st.ProfitFactor, 1e-9)
	assert.InDelta(t, 7.0, st.NetPnL, 1e-9)
}

func TestStatsProfitFactorNoLosses(t *testing.T) {
	tr := New(Config{})
	id := openLong(t, tr, "BTCUSDT", 100)
	require.NoError(t, tr.OnExitSignal(id, entrySignal("BTCUSDT", strategy.Flat, 0)))
	require.NoError(t, tr.OnExitExecution(id, fill(120, 1, 0, 0), ExitTakeProfit))

	st := tr.Stats()
	assert.True(t, math.IsInf(st.ProfitFactor, 1))
	assert.InDelta(t, 1.0, st.WinRate, 1e-9)
}
