package feature

import (
	"fmt"
	"math"

	"rewind/internal/market"
)

// Aligner 把基准周期与若干粗周期的特征对齐到基准时间轴上。
// 粗周期特征只有在所属窗口收盘后才对基准时刻可见，之后保持
// 最近一个已收盘窗口的取值向前延续，直到下一个窗口收盘。
type Aligner struct {
	engine  *Engine
	targets []market.Timeframe
}

// NewAligner 构造对齐器。targets 中的每个周期都必须严格粗于基准周期。
func NewAligner(engine *Engine, base market.Timeframe, targets []market.Timeframe) (*Aligner, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: 对齐器缺少指标引擎", market.ErrConfiguration)
	}
	for _, tf := range targets {
		if tf.Duration <= base.Duration {
			return nil, fmt.Errorf("%w: 对齐周期 %s 必须粗于基准周期 %s", market.ErrConfiguration, tf.Key, base.Key)
		}
		if tf.Duration%base.Duration != 0 {
			return nil, fmt.Errorf("%w: 对齐周期 %s 不是基准周期 %s 的整数倍", market.ErrConfiguration, tf.Key, base.Key)
		}
	}
	return &Aligner{engine: engine, targets: targets}, nil
}

// Matrix 保存与某条基准序列逐根对齐的全部特征列。
type Matrix struct {
	series  *market.Series
	names   []string
	columns map[string][]float64
}

// Build 计算基准周期特征并投影全部粗周期特征。
// 基准周期特征使用原始列名，粗周期特征加 "<tf>_" 前缀。
func (a *Aligner) Build(base *market.Series) (*Matrix, error) {
	m := &Matrix{
		series:  base,
		columns: make(map[string][]float64),
	}
	for col, values := range a.engine.Compute(base) {
		m.columns[col] = values
	}
	m.names = append(m.names, a.engine.Columns()...)

	for _, tf := range a.targets {
		agg, err := market.Resample(base, tf)
		if err != nil {
			return nil, err
		}
		frame := a.engine.Compute(agg)
		for _, col := range a.engine.Columns() {
			name := tf.Key + "_" + col
			m.columns[name] = project(base, agg, frame[col])
			m.names = append(m.names, name)
		}
	}
	return m, nil
}

// project 把聚合序列上的一列取值延伸到基准时间轴。基准时刻 t 上
// 的取值来自收盘时间不晚于 t 的最后一个聚合窗口，没有则为 NaN。
func project(base, agg *market.Series, values []float64) []float64 {
	out := allNaN(base.Len())
	cursor := -1
	for i := 0; i < base.Len(); i++ {
		t := base.At(i).CloseTime
		for cursor+1 < agg.Len() && agg.At(cursor+1).CloseTime <= t {
			cursor++
		}
		if cursor >= 0 {
			out[i] = values[cursor]
		}
	}
	return out
}

// Len 返回基准序列长度。
func (m *Matrix) Len() int { return m.series.Len() }

// Series 返回底层基准序列。
func (m *Matrix) Series() *market.Series { return m.series }

// Candle 返回第 i 根基准 K 线。
func (m *Matrix) Candle(i int) market.Candle { return m.series.At(i) }

// Names 返回全部特征列名，顺序稳定。
func (m *Matrix) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Column 返回指定特征列，不存在时返回 nil。
func (m *Matrix) Column(name string) []float64 {
	return m.columns[name]
}

// At 返回第 i 根基准 K 线收盘时刻的特征快照，NaN 取值被剔除。
func (m *Matrix) At(i int) Snapshot {
	snap := Snapshot{
		Timestamp: m.series.At(i).CloseTime,
		Values:    make(map[string]float64, len(m.names)),
	}
	for _, name := range m.names {
		v := m.columns[name][i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		snap.Values[name] = v
	}
	return snap
}
