package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rewind/internal/feature"
	"rewind/internal/logger"
	"rewind/internal/market"
	"rewind/internal/pkg/symbol"
	"rewind/internal/strategy"
	"rewind/internal/tracker"
)

// StrategyFactory 按 run 配置实例化一个策略，并返回它依赖的特征声明。
type StrategyFactory func(cfg RunConfig) (strategy.Strategy, []feature.Spec, error)

// ManagerConfig 控制回测任务调度。
type ManagerConfig struct {
	MaxConcurrent int
	EnsureData    bool
	DataTimeout   time.Duration
	Defaults      RunConfig
}

// Manager 负责回测任务的全生命周期：校验配置、补齐数据、
// 后台执行并把结果落库。每个 run 占用并发池里的一个名额。
type Manager struct {
	store   *Store
	results *ResultStore
	svc     *Service
	cfg     ManagerConfig
	sem     chan struct{}

	mu         sync.RWMutex
	baseCtx    context.Context
	strategies map[string]StrategyFactory
}

func NewManager(store *Store, results *ResultStore, svc *Service, cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = 5 * time.Minute
	}
	m := &Manager{
		store:      store,
		results:    results,
		svc:        svc,
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		baseCtx:    context.Background(),
		strategies: make(map[string]StrategyFactory),
	}
	m.RegisterStrategy("sma_cross", func(cfg RunConfig) (strategy.Strategy, []feature.Spec, error) {
		s, err := strategy.NewSMACross(10, 30)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Specs(), nil
	})
	m.RegisterStrategy("noop", func(RunConfig) (strategy.Strategy, []feature.Spec, error) {
		return strategy.Noop{}, nil, nil
	})
	return m
}

// SetContext 绑定进程级 ctx，用于后台任务的取消传播。
func (m *Manager) SetContext(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseCtx = ctx
}

func (m *Manager) ctx() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseCtx
}

// RegisterStrategy 注册可被 run 请求引用的策略工厂。
func (m *Manager) RegisterStrategy(name string, factory StrategyFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[name] = factory
}

func (m *Manager) factory(name string) (StrategyFactory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.strategies[name]
	return f, ok
}

// StartRun 校验请求、落一条 pending 记录并在后台执行。
// 返回的 Run 只含元信息，结果要等状态变为 done 后再查。
func (m *Manager) StartRun(req RunRequest) (Run, error) {
	cfg, err := m.buildConfig(req)
	if err != nil {
		return Run{}, err
	}
	strat, specs, err := m.instantiate(cfg)
	if err != nil {
		return Run{}, err
	}
	cfg.Indicators = mergeSpecs(cfg.Indicators, specs)
	eng, err := NewEngine(cfg)
	if err != nil {
		return Run{}, err
	}

	run := Run{
		ID:       uuid.NewString(),
		Symbol:   cfg.Symbol,
		Strategy: cfg.Strategy,
		Status:   RunStatusPending,
		StartTS:  cfg.StartTS,
		EndTS:    cfg.EndTS,
		Config:   cfg,
	}
	if err := m.results.InsertRun(m.ctx(), run); err != nil {
		return Run{}, err
	}
	go m.execute(run, eng, strat)
	return run, nil
}

// StartRuns 并发提交一批回测，常用于同一策略扫多个交易对。
func (m *Manager) StartRuns(reqs []RunRequest) ([]Run, error) {
	runs := make([]Run, len(reqs))
	g, _ := errgroup.WithContext(m.ctx())
	g.SetLimit(m.cfg.MaxConcurrent)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			run, err := m.StartRun(req)
			if err != nil {
				return fmt.Errorf("提交 %s 回测失败: %w", req.Symbol, err)
			}
			runs[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runs, err
	}
	return runs, nil
}

func (m *Manager) buildConfig(req RunRequest) (RunConfig, error) {
	cfg := m.cfg.Defaults
	cfg.Symbol = symbol.Canonical(req.Symbol)
	cfg.StartTS = req.StartTS
	cfg.EndTS = req.EndTS
	if req.BaseTimeframe != "" {
		cfg.BaseTimeframe = req.BaseTimeframe
	}
	if cfg.BaseTimeframe == "" {
		cfg.BaseTimeframe = "1m"
	}
	if len(req.Timeframes) > 0 {
		cfg.Timeframes = req.Timeframes
	}
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "sma_cross"
	}
	if req.Quantity > 0 {
		cfg.Quantity = req.Quantity
	}
	if req.Seed != 0 {
		cfg.Execution.Seed = req.Seed
	}
	if cfg.Symbol == "" {
		return RunConfig{}, fmt.Errorf("%w: symbol 不能为空", market.ErrConfiguration)
	}
	if cfg.StartTS <= 0 || cfg.EndTS <= cfg.StartTS {
		return RunConfig{}, fmt.Errorf("%w: 时间范围非法 [%d, %d)", market.ErrConfiguration, cfg.StartTS, cfg.EndTS)
	}
	return cfg, nil
}

func (m *Manager) instantiate(cfg RunConfig) (strategy.Strategy, []feature.Spec, error) {
	factory, ok := m.factory(cfg.Strategy)
	if !ok {
		return nil, nil, fmt.Errorf("%w: 未注册的策略 %q", market.ErrConfiguration, cfg.Strategy)
	}
	return factory(cfg)
}

// execute 在并发池内跑完一次回测并落库，失败只标记这条 run。
func (m *Manager) execute(run Run, eng *Engine, strat strategy.Strategy) {
	ctx := m.ctx()
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.fail(run.ID, ctx.Err())
		return
	}
	defer func() { <-m.sem }()

	if err := m.results.UpdateRunStatus(ctx, run.ID, RunStatusRunning, ""); err != nil {
		logger.Warnf("[backtest] run %s 状态更新失败: %v", run.ID, err)
	}
	cfg := eng.Config()

	if m.cfg.EnsureData && m.svc != nil {
		if err := m.ensureData(ctx, cfg); err != nil {
			m.fail(run.ID, fmt.Errorf("补数据失败: %w", err))
			return
		}
	}

	tf, err := market.ParseTimeframe(cfg.BaseTimeframe)
	if err != nil {
		m.fail(run.ID, err)
		return
	}
	series, err := m.store.LoadSeries(ctx, cfg.Symbol, tf, cfg.StartTS, cfg.EndTS)
	if err != nil {
		m.fail(run.ID, fmt.Errorf("加载行情失败: %w", err))
		return
	}

	started := time.Now()
	res, err := eng.Run(ctx, series, strat)
	if err != nil {
		m.fail(run.ID, err)
		return
	}
	logger.Infof("[backtest] run %s 完成: %d 根 K 线 %d 笔交易, 用时 %s",
		run.ID, series.Len(), len(res.Trades), time.Since(started).Round(time.Millisecond))

	if err := m.results.InsertTrades(ctx, run.ID, res.Trades); err != nil {
		m.fail(run.ID, fmt.Errorf("交易落库失败: %w", err))
		return
	}
	if err := m.results.InsertSnapshots(ctx, run.ID, res.Equity); err != nil {
		m.fail(run.ID, fmt.Errorf("资金曲线落库失败: %w", err))
		return
	}

	stats := RunStats{
		Stats:          res.Stats,
		FinalEquity:    res.FinalEquity,
		EquityPeak:     res.EquityPeak,
		MaxDrawdownPct: res.MaxDrawdownPct,
		Bars:           series.Len(),
		Warnings:       res.Warnings,
		FinishedAt:     time.Now(),
	}
	if cfg.InitialBalance > 0 {
		stats.ReturnPct = (res.FinalEquity - cfg.InitialBalance) / cfg.InitialBalance * 100
	}
	if err := m.results.CompleteRun(ctx, run.ID, stats, ""); err != nil {
		logger.Errorf("[backtest] run %s 结果落库失败: %v", run.ID, err)
	}
}

// ensureData 提交缺口抓取任务并等它收敛，partial 视为可继续。
func (m *Manager) ensureData(ctx context.Context, cfg RunConfig) error {
	job, err := m.svc.SubmitFetch(FetchParams{
		Symbol:    cfg.Symbol,
		Timeframe: cfg.BaseTimeframe,
		Start:     cfg.StartTS,
		End:       cfg.EndTS,
	})
	if err != nil {
		return err
	}
	deadline := time.NewTimer(m.cfg.DataTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		snap, ok := m.svc.JobSnapshot(job.ID)
		if !ok {
			return fmt.Errorf("抓取任务 %s 丢失", job.ID)
		}
		switch snap.Status {
		case JobStatusDone, JobStatusPartial:
			if snap.Status == JobStatusPartial {
				logger.Warnf("[backtest] %s %s 数据仍有缺口, 带缺口继续", cfg.Symbol, cfg.BaseTimeframe)
			}
			return nil
		case JobStatusFailed:
			return fmt.Errorf("抓取任务失败: %s", snap.Message)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("等待数据超时 (%s)", m.cfg.DataTimeout)
		case <-tick.C:
		}
	}
}

func (m *Manager) fail(runID string, err error) {
	logger.Errorf("[backtest] run %s 失败: %v", runID, err)
	if uerr := m.results.UpdateRunStatus(m.ctx(), runID, RunStatusFailed, err.Error()); uerr != nil {
		logger.Warnf("[backtest] run %s 失败状态落库失败: %v", runID, uerr)
	}
}

// GetRun 读取 run 元信息与统计。
func (m *Manager) GetRun(ctx context.Context, id string) (Run, error) {
	return m.results.GetRun(ctx, id)
}

// ListRuns 返回最近的 run 列表。
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return m.results.ListRuns(ctx, limit)
}

// ListTrades 返回某次回测的交易明细。
func (m *Manager) ListTrades(ctx context.Context, runID string, limit int) ([]tracker.TradeRecord, error) {
	return m.results.ListTrades(ctx, runID, limit)
}

// ListSnapshots 返回某次回测的资金曲线。
func (m *Manager) ListSnapshots(ctx context.Context, runID string, limit int) ([]EquityPoint, error) {
	return m.results.ListSnapshots(ctx, runID, limit)
}

// mergeSpecs 合并用户声明与策略自带的特征，按种类和参数去重。
func mergeSpecs(base, extra []feature.Spec) []feature.Spec {
	seen := make(map[string]bool, len(base))
	key := func(sp feature.Spec) string {
		return fmt.Sprintf("%s:%v", sp.Kind, sp.Params)
	}
	out := make([]feature.Spec, 0, len(base)+len(extra))
	for _, sp := range base {
		if !seen[key(sp)] {
			seen[key(sp)] = true
			out = append(out, sp)
		}
	}
	for _, sp := range extra {
		if !seen[key(sp)] {
			seen[key(sp)] = true
			out = append(out, sp)
		}
	}
	return out
}
