package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"rewind/internal/backtest"
	"rewind/internal/config"
	"rewind/internal/execution"
	"rewind/internal/logger"
	"rewind/internal/tracker"
)

// App 负责应用级编排：装配存储、数据服务、回测管理器与 HTTP 层。
type App struct {
	cfg     *config.Config
	store   *backtest.Store
	results *backtest.ResultStore
	svc     *backtest.Service
	manager *backtest.Manager
	server  *backtest.HTTPServer
}

// New 根据配置构建应用对象（不启动）。
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.Log.Level)

	store, err := backtest.NewStore(cfg.Data.Root)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线档案失败: %w", err)
	}
	results, err := backtest.NewResultStore(cfg.Data.Root)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化结果存储失败: %w", err)
	}

	sources := map[string]backtest.CandleSource{
		"binance": backtest.NewBinanceSource(),
	}
	if cfg.Data.FileDir != "" {
		sources["file"] = backtest.NewFileSource(cfg.Data.FileDir)
	}
	svc, err := backtest.NewService(backtest.ServiceConfig{
		Store:           store,
		Sources:         sources,
		DefaultExchange: cfg.Data.Exchange,
		RateLimitPerMin: cfg.Data.RateLimitPerMin,
		MaxBatch:        cfg.Data.MaxBatch,
		MaxConcurrent:   cfg.Data.MaxConcurrent,
	})
	if err != nil {
		results.Close()
		store.Close()
		return nil, fmt.Errorf("初始化数据服务失败: %w", err)
	}

	manager := backtest.NewManager(store, results, svc, backtest.ManagerConfig{
		MaxConcurrent: cfg.Backtest.MaxConcurrent,
		EnsureData:    cfg.Backtest.EnsureData,
		Defaults:      runDefaults(cfg),
	})

	app := &App{
		cfg:     cfg,
		store:   store,
		results: results,
		svc:     svc,
		manager: manager,
	}
	if cfg.Server.Enabled {
		server, err := backtest.NewHTTPServer(backtest.HTTPConfig{
			Addr:    cfg.Server.Addr,
			Svc:     svc,
			Manager: manager,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
		}
		app.server = server
	}
	return app, nil
}

// runDefaults 把文件配置翻译成 run 级默认参数。
func runDefaults(cfg *config.Config) backtest.RunConfig {
	return backtest.RunConfig{
		BaseTimeframe:  cfg.Backtest.BaseTimeframe,
		Timeframes:     cfg.Backtest.Timeframes,
		Strategy:       cfg.Backtest.Strategy,
		Quantity:       cfg.Backtest.Quantity,
		OrderKind:      execution.Kind(cfg.Backtest.OrderKind),
		StopLossPct:    cfg.Backtest.StopLossPct,
		TakeProfitPct:  cfg.Backtest.TakeProfitPct,
		MaxHoldBars:    cfg.Backtest.MaxHoldBars,
		LiquidateAtEnd: cfg.Backtest.LiquidateAtEnd,
		InitialBalance: cfg.Backtest.InitialBalance,
		Execution:      cfg.Exec,
		Tracker:        tracker.Config{AllowOverlapping: cfg.Tracker.AllowOverlapping},
	}
}

// Manager 暴露回测管理器，供 CLI 模式直接提交 run。
func (a *App) Manager() *backtest.Manager { return a.manager }

// Run 启动服务并阻塞到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.svc.SetContext(ctx)
	a.manager.SetContext(ctx)

	if a.server == nil {
		logger.Infof("HTTP 服务未启用, 等待退出信号")
		<-ctx.Done()
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("回测 HTTP 服务监听 %s", a.cfg.Server.Addr)
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close 释放存储资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.results != nil {
		_ = a.results.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
