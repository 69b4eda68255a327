package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rewind/internal/feature"
	"rewind/internal/strategy"
	"rewind/internal/tracker"
)

func newTestManager(t *testing.T, store *Store) *Manager {
	t.Helper()
	rs := newTestResultStore(t)
	return NewManager(store, rs, nil, ManagerConfig{
		MaxConcurrent: 1,
		Defaults:      testRunConfig(),
	})
}

func waitRun(t *testing.T, m *Manager, id string) Run {
	t.Helper()
	var run Run
	require.Eventually(t, func() bool {
		got, err := m.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		run = got
		return got.Status == RunStatusDone || got.Status == RunStatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestManagerRunEndToEnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.InsertCandles(ctx, "BTCUSDT", "1m", gridCandles(0, 1, 2, 3, 4))
	require.NoError(t, err)

	m := newTestManager(t, store)
	m.RegisterStrategy("scripted", func(RunConfig) (strategy.Strategy, []feature.Spec, error) {
		return &scripted{signals: map[int64]strategy.Side{
			2 * minuteMs: strategy.Buy,
			5 * minuteMs: strategy.Flat,
		}}, nil, nil
	})

	run, err := m.StartRun(RunRequest{
		Symbol:   "BTCUSDT",
		StartTS:  1,
		EndTS:    5 * minuteMs,
		Strategy: "scripted",
	})
	require.NoError(t, err)
	require.Equal(t, RunStatusPending, run.Status)

	final := waitRun(t, m, run.ID)
	require.Equal(t, RunStatusDone, final.Status)
	require.Equal(t, 1, final.Stats.Total)
	require.Equal(t, 1, final.Stats.Closed)

	trades, err := m.ListTrades(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, tracker.StatusClosed, trades[0].Status)

	snaps, err := m.ListSnapshots(ctx, run.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
	require.InDelta(t, final.Stats.FinalEquity, snaps[len(snaps)-1].Equity, 1e-9)
}

func TestManagerRunsOnEmptyRange(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)
	m.RegisterStrategy("scripted", func(RunConfig) (strategy.Strategy, []feature.Spec, error) {
		return &scripted{}, nil, nil
	})

	run, err := m.StartRun(RunRequest{
		Symbol:   "BTCUSDT",
		StartTS:  1,
		EndTS:    5 * minuteMs,
		Strategy: "scripted",
	})
	require.NoError(t, err)

	final := waitRun(t, m, run.ID)
	// 区间内没有任何 K 线时正常收敛为零交易。
	require.Equal(t, RunStatusDone, final.Status)
	require.Equal(t, 0, final.Stats.Total)
	require.InDelta(t, 1000.0, final.Stats.FinalEquity, 1e-9)
}

func TestManagerRejectsBadRequests(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)

	t.Run("未注册策略", func(t *testing.T) {
		_, err := m.StartRun(RunRequest{Symbol: "BTCUSDT", StartTS: 1, EndTS: minuteMs, Strategy: "nope"})
		require.Error(t, err)
	})
	t.Run("缺少 symbol", func(t *testing.T) {
		_, err := m.StartRun(RunRequest{StartTS: 1, EndTS: minuteMs})
		require.Error(t, err)
	})
	t.Run("区间颠倒", func(t *testing.T) {
		_, err := m.StartRun(RunRequest{Symbol: "BTCUSDT", StartTS: minuteMs, EndTS: 1})
		require.Error(t, err)
	})
}
