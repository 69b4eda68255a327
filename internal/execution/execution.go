package execution

import (
	"fmt"
	"math/rand"

	"rewind/internal/market"
)

// Side 表示订单方向。
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Kind 表示订单类型。
type Kind string

const (
	Market Kind = "MARKET"
	Limit  Kind = "LIMIT"
)

// OrderRequest 是策略信号转化出的下单请求。
// ReduceOnly 标记只减仓的离场单：要么全量成交要么不成交，
// 不参与部分成交抽样，避免留下无人记账的残余仓位。
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	Kind       Kind    `json:"kind"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	ReduceOnly bool    `json:"reduce_only,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// Fill 描述一次成交：数量、均价、滑点与手续费。
// 手续费单独记账，不混入成交价。
type Fill struct {
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	SlippageBps float64 `json:"slippage_bps"`
	Commission  float64 `json:"commission"`
	Timestamp   int64   `json:"timestamp"`
}

// Result 是一次模拟的结果：要么成交，要么带原因的未成交。
// 未成交是正常结果而不是错误。
type Result struct {
	Fill   *Fill  `json:"fill,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Filled 报告结果中是否包含成交。
func (r Result) Filled() bool { return r.Fill != nil }

func noFill(reason string) Result {
	return Result{Reason: reason}
}

// Config 是执行模拟器的成本与成交模型参数。
type Config struct {
	SlippageBps     float64 `json:"slippage_bps" mapstructure:"slippage_bps"`
	CommissionBps   float64 `json:"commission_bps" mapstructure:"commission_bps"`
	LatencyBars     int     `json:"latency_bars" mapstructure:"latency_bars"`
	MinFillRate     float64 `json:"min_fill_rate" mapstructure:"min_fill_rate"`
	FillProbability float64 `json:"fill_probability" mapstructure:"fill_probability"`
	Seed            int64   `json:"seed" mapstructure:"seed"`
}

// DefaultConfig 返回贴近主流合约手续费水平的默认参数。
func DefaultConfig() Config {
	return Config{
		SlippageBps:     5,
		CommissionBps:   1,
		LatencyBars:     0,
		MinFillRate:     0.95,
		FillProbability: 1,
		Seed:            1,
	}
}

// Validate 检查参数边界，非法配置在启动阶段立即失败。
func (c Config) Validate() error {
	if c.SlippageBps < 0 {
		return fmt.Errorf("%w: slippage_bps 不能为负, 实际 %v", market.ErrConfiguration, c.SlippageBps)
	}
	if c.CommissionBps < 0 {
		return fmt.Errorf("%w: commission_bps 不能为负, 实际 %v", market.ErrConfiguration, c.CommissionBps)
	}
	if c.LatencyBars < 0 {
		return fmt.Errorf("%w: latency_bars 不能为负, 实际 %d", market.ErrConfiguration, c.LatencyBars)
	}
	if c.MinFillRate <= 0 || c.MinFillRate > 1 {
		return fmt.Errorf("%w: min_fill_rate 必须位于 (0,1], 实际 %v", market.ErrConfiguration, c.MinFillRate)
	}
	if c.FillProbability < 0 || c.FillProbability > 1 {
		return fmt.Errorf("%w: fill_probability 必须位于 [0,1], 实际 %v", market.ErrConfiguration, c.FillProbability)
	}
	return nil
}

// Simulator 把下单请求换算成成交或拒绝。内部只持有成本模型与
// 随机源，不持有任何仓位状态，同一种子下结果完全可复现。
type Simulator struct {
	cfg Config
	rng *rand.Rand
}

// NewSimulator 构造执行模拟器，配置非法时返回错误。
func NewSimulator(cfg Config) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// LatencyBars 返回信号与成交之间相隔的 K 线根数。
func (s *Simulator) LatencyBars() int { return s.cfg.LatencyBars }

// Simulate 在给定 K 线的市场状态下模拟一次下单。
// bar 必须是延迟 latency_bars 之后的那根 K 线，成交价引用它的
// 收盘时刻，绝不回看信号时刻的价格。
func (s *Simulator) Simulate(req OrderRequest, bar market.Candle) Result {
	if req.Quantity <= 0 {
		return noFill(fmt.Sprintf("数量非法: %v", req.Quantity))
	}
	if req.Side != Buy && req.Side != Sell {
		return noFill(fmt.Sprintf("方向非法: %q", req.Side))
	}
	switch req.Kind {
	case Market:
		return s.fillMarket(req, bar)
	case Limit:
		return s.fillLimit(req, bar)
	default:
		return noFill(fmt.Sprintf("订单类型非法: %q", req.Kind))
	}
}

// fillMarket 以收盘价加不利方向滑点全额成交。
func (s *Simulator) fillMarket(req OrderRequest, bar market.Candle) Result {
	ref := bar.Close
	adj := ref * s.cfg.SlippageBps / 10_000
	price := ref + adj
	if req.Side == Sell {
		price = ref - adj
	}
	return Result{Fill: &Fill{
		Quantity:    req.Quantity,
		Price:       price,
		SlippageBps: s.cfg.SlippageBps,
		Commission:  s.commission(price, req.Quantity),
		Timestamp:   bar.CloseTime,
	}}
}

// fillLimit 先检查限价在延迟后的 K 线区间内是否可及，再按配置的
// 成交概率决定是否成交，成交比例落在 [min_fill_rate, 1]。
// 只减仓单不抽部分成交：仓位整体平掉，手续费按全量计。
func (s *Simulator) fillLimit(req OrderRequest, bar market.Candle) Result {
	if req.LimitPrice <= 0 {
		return noFill(fmt.Sprintf("限价非法: %v", req.LimitPrice))
	}
	crossed := (req.Side == Buy && bar.Low <= req.LimitPrice) ||
		(req.Side == Sell && bar.High >= req.LimitPrice)
	if !crossed {
		return noFill("限价未触及")
	}
	if s.rng.Float64() >= s.cfg.FillProbability {
		return noFill("按成交概率未成交")
	}
	rate := 1.0
	if !req.ReduceOnly && s.cfg.MinFillRate < 1 {
		rate = s.cfg.MinFillRate + s.rng.Float64()*(1-s.cfg.MinFillRate)
	}
	qty := req.Quantity * rate
	return Result{Fill: &Fill{
		Quantity:    qty,
		Price:       req.LimitPrice,
		SlippageBps: 0,
		Commission:  s.commission(req.LimitPrice, qty),
		Timestamp:   bar.CloseTime,
	}}
}

func (s *Simulator) commission(price, qty float64) float64 {
	return price * qty * s.cfg.CommissionBps / 10_000
}
