package backtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"rewind/internal/execution"
	"rewind/internal/strategy"
	"rewind/internal/tracker"
)

func newTestResultStore(t *testing.T) *ResultStore {
	t.Helper()
	rs, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func sampleRun() Run {
	cfg := testRunConfig()
	cfg.StartTS = 0
	cfg.EndTS = 10 * minuteMs
	cfg.Strategy = "sma_cross"
	return Run{
		ID:       "run-1",
		Symbol:   cfg.Symbol,
		Strategy: cfg.Strategy,
		Status:   RunStatusPending,
		StartTS:  cfg.StartTS,
		EndTS:    cfg.EndTS,
		Config:   cfg,
	}
}

func TestResultStoreRunLifecycle(t *testing.T) {
	rs := newTestResultStore(t)
	ctx := context.Background()
	run := sampleRun()

	require.NoError(t, rs.InsertRun(ctx, run))

	t.Run("读取 pending 记录", func(t *testing.T) {
		got, err := rs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, RunStatusPending, got.Status)
		require.Equal(t, run.Config.Symbol, got.Config.Symbol)
		require.Equal(t, run.Config.Execution, got.Config.Execution)
	})
	t.Run("状态流转", func(t *testing.T) {
		require.NoError(t, rs.UpdateRunStatus(ctx, run.ID, RunStatusRunning, ""))
		got, err := rs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, RunStatusRunning, got.Status)
		require.True(t, got.CompletedAt.IsZero())
	})
	t.Run("完成并落统计", func(t *testing.T) {
		stats := RunStats{
			Stats:       tracker.Stats{Total: 3, Closed: 3, Wins: 2, Losses: 1, WinRate: 2.0 / 3},
			FinalEquity: 1010,
			ReturnPct:   1,
			Bars:        10,
		}
		require.NoError(t, rs.CompleteRun(ctx, run.ID, stats, ""))
		got, err := rs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, RunStatusDone, got.Status)
		require.Equal(t, 3, got.Stats.Total)
		require.InDelta(t, 1010.0, got.Stats.FinalEquity, 1e-9)
		require.False(t, got.CompletedAt.IsZero())
	})
	t.Run("失败记录原因", func(t *testing.T) {
		other := sampleRun()
		other.ID = "run-2"
		require.NoError(t, rs.InsertRun(ctx, other))
		require.NoError(t, rs.UpdateRunStatus(ctx, other.ID, RunStatusFailed, "加载行情失败"))
		got, err := rs.GetRun(ctx, other.ID)
		require.NoError(t, err)
		require.Equal(t, RunStatusFailed, got.Status)
		require.Equal(t, "加载行情失败", got.Message)
	})
	t.Run("列表按创建时间倒序", func(t *testing.T) {
		runs, err := rs.ListRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
	})
}

func TestResultStoreTradesRoundTrip(t *testing.T) {
	rs := newTestResultStore(t)
	ctx := context.Background()
	run := sampleRun()
	require.NoError(t, rs.InsertRun(ctx, run))

	trades := []tracker.TradeRecord{
		{
			ID:        "t-1",
			Symbol:    "BTCUSDT",
			Direction: tracker.Long,
			Status:    tracker.StatusClosed,
			EntrySignal: strategy.Signal{
				Timestamp: minuteMs, Symbol: "BTCUSDT", Side: strategy.Buy, Reason: "golden_cross",
			},
			EntryFill:  &execution.Fill{Quantity: 1, Price: 100, Timestamp: minuteMs},
			ExitFill:   &execution.Fill{Quantity: 1, Price: 95, Timestamp: 3 * minuteMs},
			ExitReason: tracker.ExitManual,
			GrossPnL:   -5,
			NetPnL:     -5,
			PnLPct:     -5,
			MFEPct:     5,
			OpenedAt:   minuteMs,
			ClosedAt:   3 * minuteMs,
			DurationMs: 2 * minuteMs,
		},
		{
			ID:        "t-2",
			Symbol:    "BTCUSDT",
			Direction: tracker.Short,
			Status:    tracker.StatusMonitoring,
			EntryFill: &execution.Fill{Quantity: 1, Price: 95, Timestamp: 4 * minuteMs},
			OpenedAt:  4 * minuteMs,
		},
	}
	require.NoError(t, rs.InsertTrades(ctx, run.ID, trades))

	got, err := rs.ListTrades(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, trades[0].ID, got[0].ID)
	require.Equal(t, trades[0].ExitReason, got[0].ExitReason)
	require.InDelta(t, trades[0].NetPnL, got[0].NetPnL, 1e-9)
	require.Equal(t, tracker.StatusMonitoring, got[1].Status)
	require.Nil(t, got[1].ExitFill)
}

func TestResultStoreSnapshotsRoundTrip(t *testing.T) {
	rs := newTestResultStore(t)
	ctx := context.Background()
	run := sampleRun()
	require.NoError(t, rs.InsertRun(ctx, run))

	points := []EquityPoint{
		{TS: minuteMs, Equity: 1000, Drawdown: 0},
		{TS: 2 * minuteMs, Equity: 1005, Drawdown: 0},
		{TS: 3 * minuteMs, Equity: 995, Drawdown: (1005.0 - 995.0) / 1005.0 * 100},
	}
	require.NoError(t, rs.InsertSnapshots(ctx, run.ID, points))

	got, err := rs.ListSnapshots(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Equal(t, points, got)
}
