package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewind/internal/market"
)

func testBar() market.Candle {
	return market.Candle{
		Symbol:    "BTCUSDT",
		OpenTime:  0,
		CloseTime: 60_000,
		Open:      100, High: 110, Low: 90, Close: 100,
		Volume: 5,
	}
}

func newSim(t *testing.T, mutate func(*Config)) *Simulator {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	sim, err := NewSimulator(cfg)
	require.NoError(t, err)
	return sim
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"负滑点", func(c *Config) { c.SlippageBps = -1 }},
		{"负手续费", func(c *Config) { c.CommissionBps = -0.5 }},
		{"负延迟", func(c *Config) { c.LatencyBars = -1 }},
		{"最小成交比例为零", func(c *Config) { c.MinFillRate = 0 }},
		{"成交概率越界", func(c *Config) { c.FillProbability = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			_, err := NewSimulator(cfg)
			assert.ErrorIs(t, err, market.ErrConfiguration)
		})
	}
}

func TestMarketOrderSlippageIsAdverse(t *testing.T) {
	sim := newSim(t, func(c *Config) { c.SlippageBps = 10 })
	bar := testBar()

	buy := sim.Simulate(OrderRequest{Symbol: "BTCUSDT", Side: Buy, Quantity: 2, Kind: Market}, bar)
	require.True(t, buy.Filled())
	assert.InDelta(t, 100.1, buy.Fill.Price, 1e-9)
	assert.Equal(t, bar.CloseTime, buy.Fill.Timestamp)

	sell := sim.Simulate(OrderRequest{Symbol: "BTCUSDT", Side: Sell, Quantity: 2, Kind: Market}, bar)
	require.True(t, sell.Filled())
	assert.InDelta(t, 99.9, sell.Fill.Price, 1e-9)
}

func TestCommissionKeptSeparate(t *testing.T) {
	sim := newSim(t, func(c *Config) {
		c.SlippageBps = 0
		c.CommissionBps = 10
	})
	res := sim.Simulate(OrderRequest{Side: Buy, Quantity: 3, Kind: Market}, testBar())
	require.True(t, res.Filled())
	assert.InDelta(t, 100.0, res.Fill.Price, 1e-9)
	assert.InDelta(t, 0.3, res.Fill.Commission, 1e-9)
}

func TestLimitOrderCrossability(t *testing.T) {
	sim := newSim(t, func(c *Config) { c.MinFillRate = 1 })
	bar := testBar()

	t.Run("买单限价低于最低价不成交", func(t *testing.T) {
		res := sim.Simulate(OrderRequest{Side: Buy, Quantity: 1, Kind: Limit, LimitPrice: 80}, bar)
		assert.False(t, res.Filled())
		assert.NotEmpty(t, res.Reason)
	})

	t.Run("买单限价在区间内按限价成交", func(t *testing.T) {
		res := sim.Simulate(OrderRequest{Side: Buy, Quantity: 1, Kind: Limit, LimitPrice: 95}, bar)
		require.True(t, res.Filled())
		assert.InDelta(t, 95.0, res.Fill.Price, 1e-9)
		assert.Zero(t, res.Fill.SlippageBps)
	})

	t.Run("卖单限价高于最高价不成交", func(t *testing.T) {
		res := sim.Simulate(OrderRequest{Side: Sell, Quantity: 1, Kind: Limit, LimitPrice: 120}, bar)
		assert.False(t, res.Filled())
	})
}

func TestLimitFillProbabilityDeterministic(t *testing.T) {
	req := OrderRequest{Side: Buy, Quantity: 1, Kind: Limit, LimitPrice: 95}

	t.Run("概率为零永不成交", func(t *testing.T) {
		sim := newSim(t, func(c *Config) { c.FillProbability = 0 })
		for i := 0; i < 50; i++ {
			assert.False(t, sim.Simulate(req, testBar()).Filled())
		}
	})

	t.Run("概率为一必然成交", func(t *testing.T) {
		sim := newSim(t, func(c *Config) { c.FillProbability = 1 })
		for i := 0; i < 50; i++ {
			assert.True(t, sim.Simulate(req, testBar()).Filled())
		}
	})

	t.Run("同一种子产生同一成交序列", func(t *testing.T) {
		run := func() []Result {
			sim := newSim(t, func(c *Config) {
				c.FillProbability = 0.5
				c.MinFillRate = 0.9
				c.Seed = 7
			})
			out := make([]Result, 0, 20)
			for i := 0; i < 20; i++ {
				out = append(out, sim.Simulate(req, testBar()))
			}
			return out
		}
		assert.Equal(t, run(), run())
	})
}

func TestLimitPartialFillWithinBounds(t *testing.T) {
	sim := newSim(t, func(c *Config) {
		c.MinFillRate = 0.8
		c.FillProbability = 1
	})
	req := OrderRequest{Side: Sell, Quantity: 10, Kind: Limit, LimitPrice: 105}
	for i := 0; i < 30; i++ {
		res := sim.Simulate(req, testBar())
		require.True(t, res.Filled())
		assert.GreaterOrEqual(t, res.Fill.Quantity, 8.0)
		assert.LessOrEqual(t, res.Fill.Quantity, 10.0)
	}
}

func TestReduceOnlyLimitFillsFullQuantity(t *testing.T) {
	sim := newSim(t, func(c *Config) {
		c.MinFillRate = 0.5
		c.FillProbability = 1
		c.CommissionBps = 10
	})
	req := OrderRequest{Side: Sell, Quantity: 10, Kind: Limit, LimitPrice: 105, ReduceOnly: true}
	for i := 0; i < 30; i++ {
		res := sim.Simulate(req, testBar())
		require.True(t, res.Filled())
		assert.Equal(t, 10.0, res.Fill.Quantity, "只减仓单必须全量成交")
		assert.InDelta(t, 105*10*10/10_000.0, res.Fill.Commission, 1e-9)
	}
}

func TestRejectsBadRequests(t *testing.T) {
	sim := newSim(t, nil)
	assert.False(t, sim.Simulate(OrderRequest{Side: Buy, Quantity: 0, Kind: Market}, testBar()).Filled())
	assert.False(t, sim.Simulate(OrderRequest{Side: "HOLD", Quantity: 1, Kind: Market}, testBar()).Filled())
	assert.False(t, sim.Simulate(OrderRequest{Side: Buy, Quantity: 1, Kind: Limit}, testBar()).Filled())
	assert.False(t, sim.Simulate(OrderRequest{Side: Buy, Quantity: 1, Kind: "STOP"}, testBar()).Filled())
}
