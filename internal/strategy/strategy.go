package strategy

import (
	"rewind/internal/feature"
	"rewind/internal/market"
)

// Side 表示信号方向。FLAT 表示平掉当前持仓。
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
	Flat Side = "FLAT"
)

// Signal 是策略在某根 K 线收盘时刻产出的交易意图，生成后不可变。
type Signal struct {
	Timestamp      int64            `json:"timestamp"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Confidence     float64          `json:"confidence"`
	Reason         string           `json:"reason"`
	ReferencePrice float64          `json:"reference_price"`
	Snapshot       feature.Snapshot `json:"snapshot"`
}

// Strategy 在每根已收盘 K 线上被调用一次。返回 nil 表示本根无动作。
// 实现只能依赖传入的 K 线、特征快照与自身内部状态。
type Strategy interface {
	Name() string
	OnCandle(c market.Candle, snap feature.Snapshot) (*Signal, error)
}
