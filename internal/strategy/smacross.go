package strategy

import (
	"fmt"

	"rewind/internal/feature"
	"rewind/internal/market"
)

// SMACross 是经典双均线交叉策略，作为引擎自带的参考实现。
// 金叉发出 BUY，死叉发出 SELL，两列均可见之前保持沉默。
type SMACross struct {
	fast    int
	slow    int
	fastCol string
	slowCol string
	// prevDiff 记录上一根 K 线的快慢线差值。
	prevDiff float64
	primed   bool
}

// NewSMACross 构造双均线策略，fast 必须小于 slow。
func NewSMACross(fast, slow int) (*SMACross, error) {
	if fast < 1 || slow < 1 || fast >= slow {
		return nil, fmt.Errorf("%w: 双均线参数要求 0 < fast < slow, 实际 %d/%d", market.ErrConfiguration, fast, slow)
	}
	return &SMACross{
		fast:    fast,
		slow:    slow,
		fastCol: fmt.Sprintf("sma_%d", fast),
		slowCol: fmt.Sprintf("sma_%d", slow),
	}, nil
}

// Specs 返回策略依赖的指标声明，供调用方装配指标引擎。
func (s *SMACross) Specs() []feature.Spec {
	return []feature.Spec{
		{Kind: "sma", Params: feature.Params{"period": float64(s.fast)}},
		{Kind: "sma", Params: feature.Params{"period": float64(s.slow)}},
	}
}

// Name 返回策略标识。
func (s *SMACross) Name() string { return "sma_cross" }

// OnCandle 在快线自下而上穿越慢线时开多，反向穿越时发出卖出信号。
func (s *SMACross) OnCandle(c market.Candle, snap feature.Snapshot) (*Signal, error) {
	fast, okFast := snap.Get(s.fastCol)
	slow, okSlow := snap.Get(s.slowCol)
	if !okFast || !okSlow {
		return nil, nil
	}
	diff := fast - slow
	defer func() {
		s.prevDiff = diff
		s.primed = true
	}()
	if !s.primed {
		return nil, nil
	}

	var side Side
	switch {
	case s.prevDiff <= 0 && diff > 0:
		side = Buy
	case s.prevDiff >= 0 && diff < 0:
		side = Sell
	default:
		return nil, nil
	}
	return &Signal{
		Timestamp:      snap.Timestamp,
		Symbol:         c.Symbol,
		Side:           side,
		Confidence:     0.5,
		Reason:         fmt.Sprintf("%s/%s 交叉, diff=%.6f", s.fastCol, s.slowCol, diff),
		ReferencePrice: c.Close,
		Snapshot:       snap,
	}, nil
}

// Noop 是不产生任何信号的占位策略，用于只回放数据不交易的场景。
// 它与真实策略共用同一接口，避免被误当成决策逻辑。
type Noop struct{}

// Name 返回策略标识。
func (Noop) Name() string { return "noop" }

// OnCandle 永远不产生信号。
func (Noop) OnCandle(market.Candle, feature.Snapshot) (*Signal, error) {
	return nil, nil
}
