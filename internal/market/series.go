package market

import "fmt"

// Series 是单个 (symbol, timeframe) 的内存 K 线序列，按 OpenTime 严格递增。
// 构造时校验一次时间序，之后只读。
type Series struct {
	symbol    string
	timeframe Timeframe
	candles   []Candle
}

// NewSeries 校验并包装一段已排序的 K 线。
// 数据源契约是预排序、允许缺口；乱序/重复/重叠返回 *GapError。
func NewSeries(symbol string, tf Timeframe, candles []Candle) (*Series, error) {
	if symbol == "" {
		return nil, fmt.Errorf("series: symbol 不能为空")
	}
	for i, c := range candles {
		if !c.Valid() {
			return nil, &GapError{Symbol: symbol, Timeframe: tf.Key, Index: i,
				Reason: fmt.Sprintf("close_time %d <= open_time %d", c.CloseTime, c.OpenTime)}
		}
		if i == 0 {
			continue
		}
		prev := candles[i-1]
		if c.OpenTime == prev.OpenTime {
			return nil, &GapError{Symbol: symbol, Timeframe: tf.Key, Index: i,
				Reason: fmt.Sprintf("duplicate open_time %d", c.OpenTime)}
		}
		if c.OpenTime < prev.OpenTime {
			return nil, &GapError{Symbol: symbol, Timeframe: tf.Key, Index: i,
				Reason: fmt.Sprintf("open_time %d < previous %d", c.OpenTime, prev.OpenTime)}
		}
		if c.OpenTime < prev.CloseTime {
			return nil, &GapError{Symbol: symbol, Timeframe: tf.Key, Index: i,
				Reason: fmt.Sprintf("overlaps previous candle (open %d < close %d)", c.OpenTime, prev.CloseTime)}
		}
	}
	owned := make([]Candle, len(candles))
	copy(owned, candles)
	for i := range owned {
		owned[i].Symbol = symbol
		owned[i].Timeframe = tf.Key
	}
	return &Series{symbol: symbol, timeframe: tf, candles: owned}, nil
}

func (s *Series) Symbol() string       { return s.symbol }
func (s *Series) Timeframe() Timeframe { return s.timeframe }
func (s *Series) Len() int             { return len(s.candles) }

// At 返回第 i 根 K 线。
func (s *Series) At(i int) Candle { return s.candles[i] }

// Candles 返回底层序列（调用方只读）。
func (s *Series) Candles() []Candle { return s.candles }

// Prefix 返回前 n 根 K 线组成的切片（共享底层数组，只读）。
func (s *Series) Prefix(n int) []Candle {
	if n < 0 {
		n = 0
	}
	if n > len(s.candles) {
		n = len(s.candles)
	}
	return s.candles[:n]
}

// Closes 提取收盘价序列。
func (s *Series) Closes() []float64 { return extract(s.candles, func(c Candle) float64 { return c.Close }) }

// Highs 提取最高价序列。
func (s *Series) Highs() []float64 { return extract(s.candles, func(c Candle) float64 { return c.High }) }

// Lows 提取最低价序列。
func (s *Series) Lows() []float64 { return extract(s.candles, func(c Candle) float64 { return c.Low }) }

// Volumes 提取成交量序列。
func (s *Series) Volumes() []float64 {
	return extract(s.candles, func(c Candle) float64 { return c.Volume })
}

func extract(candles []Candle, f func(Candle) float64) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = f(c)
	}
	return out
}
