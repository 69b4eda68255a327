package config

import (
	"fmt"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"rewind/internal/execution"
	"rewind/internal/logger"
	"rewind/internal/tracker"
)

// Config 是进程级配置的完整模型。
type Config struct {
	Log      LogConfig        `mapstructure:"log"`
	Server   ServerConfig     `mapstructure:"server"`
	Data     DataConfig       `mapstructure:"data"`
	Backtest BacktestConfig   `mapstructure:"backtest"`
	Exec     execution.Config `mapstructure:"execution"`
	Tracker  tracker.Config   `mapstructure:"tracker"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DataConfig 描述 K 线档案与数据源。
type DataConfig struct {
	Root            string `mapstructure:"root"`
	Exchange        string `mapstructure:"exchange"`
	FileDir         string `mapstructure:"file_dir"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
	MaxBatch        int    `mapstructure:"max_batch"`
	MaxConcurrent   int    `mapstructure:"max_concurrent"`
}

// BacktestConfig 是回测 run 的默认参数，单次请求可以覆盖。
type BacktestConfig struct {
	BaseTimeframe  string   `mapstructure:"base_timeframe"`
	Timeframes     []string `mapstructure:"timeframes"`
	Strategy       string   `mapstructure:"strategy"`
	Quantity       float64  `mapstructure:"quantity"`
	OrderKind      string   `mapstructure:"order_kind"`
	StopLossPct    float64  `mapstructure:"stop_loss_pct"`
	TakeProfitPct  float64  `mapstructure:"take_profit_pct"`
	MaxHoldBars    int      `mapstructure:"max_hold_bars"`
	LiquidateAtEnd bool     `mapstructure:"liquidate_at_end"`
	InitialBalance float64  `mapstructure:"initial_balance"`
	MaxConcurrent  int      `mapstructure:"max_concurrent"`
	EnsureData     bool     `mapstructure:"ensure_data"`
}

// Load 读取并校验配置文件。无法识别的键只告警不中断，便于
// 新旧版本配置文件互相兼容。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path 不能为空")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败 (%s): %w", abs, err)
	}

	var cfg Config
	var md mapstructure.Metadata
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.Metadata = &md
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	for _, key := range md.Unused {
		logger.Warnf("[config] 未识别的配置项 %q, 已忽略", key)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的完整默认值。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
