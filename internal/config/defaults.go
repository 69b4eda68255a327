package config

import (
	"fmt"
	"strings"

	"rewind/internal/execution"
	"rewind/internal/market"
)

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":9991"
	}
	if c.Data.Root == "" {
		c.Data.Root = "data"
	}
	if c.Data.Exchange == "" {
		c.Data.Exchange = "binance"
	}
	if c.Data.RateLimitPerMin == 0 {
		c.Data.RateLimitPerMin = 480
	}
	if c.Data.MaxBatch == 0 {
		c.Data.MaxBatch = 1000
	}
	if c.Data.MaxConcurrent == 0 {
		c.Data.MaxConcurrent = 2
	}

	if c.Backtest.BaseTimeframe == "" {
		c.Backtest.BaseTimeframe = "1m"
	}
	if c.Backtest.Strategy == "" {
		c.Backtest.Strategy = "sma_cross"
	}
	if c.Backtest.Quantity == 0 {
		c.Backtest.Quantity = 1
	}
	if c.Backtest.OrderKind == "" {
		c.Backtest.OrderKind = string(execution.Market)
	}
	c.Backtest.OrderKind = strings.ToUpper(c.Backtest.OrderKind)
	if c.Backtest.InitialBalance == 0 {
		c.Backtest.InitialBalance = 10_000
	}
	if c.Backtest.MaxConcurrent == 0 {
		c.Backtest.MaxConcurrent = 2
	}

	// 零值的成交概率/比例几乎不会是有意配置，回落到默认档。
	if c.Exec.FillProbability == 0 {
		c.Exec.FillProbability = 1
	}
	if c.Exec.MinFillRate == 0 {
		c.Exec.MinFillRate = 0.95
	}
	if c.Exec.Seed == 0 {
		c.Exec.Seed = 1
	}
}

func (c *Config) validate() error {
	if _, err := market.ParseTimeframe(c.Backtest.BaseTimeframe); err != nil {
		return err
	}
	for _, key := range c.Backtest.Timeframes {
		if _, err := market.ParseTimeframe(key); err != nil {
			return err
		}
	}
	switch execution.Kind(c.Backtest.OrderKind) {
	case execution.Market, execution.Limit:
	default:
		return fmt.Errorf("%w: order_kind 只能为 MARKET/LIMIT, 实际 %q", market.ErrConfiguration, c.Backtest.OrderKind)
	}
	if c.Backtest.Quantity <= 0 {
		return fmt.Errorf("%w: quantity 必须为正, 实际 %v", market.ErrConfiguration, c.Backtest.Quantity)
	}
	if c.Backtest.StopLossPct < 0 || c.Backtest.TakeProfitPct < 0 {
		return fmt.Errorf("%w: 止损/止盈比例不能为负", market.ErrConfiguration)
	}
	if c.Backtest.MaxHoldBars < 0 {
		return fmt.Errorf("%w: max_hold_bars 不能为负", market.ErrConfiguration)
	}
	if c.Backtest.InitialBalance <= 0 {
		return fmt.Errorf("%w: initial_balance 必须为正", market.ErrConfiguration)
	}
	return c.Exec.Validate()
}
