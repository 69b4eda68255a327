package market

import "fmt"

// Resample 把基础序列聚合到更粗的周期。
// 聚合规则固定：open=窗口首根 open，high=max，low=min，close=末根 close，volume=sum。
// 窗口按目标周期对齐到固定网格，聚合 K 线的 CloseTime 恒为窗口终点——
// 这是它最早可被使用的时刻。末尾未走完的窗口直接丢弃，不产出半成品：
// 否则截断未来数据会改变已产出的聚合值。
func Resample(base *Series, target Timeframe) (*Series, error) {
	if base == nil {
		return nil, fmt.Errorf("resample: base series 不能为空")
	}
	if target.Millis() <= base.Timeframe().Millis() {
		return nil, fmt.Errorf("%w: 目标周期 %s 不粗于基础周期 %s",
			ErrConfiguration, target.Key, base.Timeframe().Key)
	}

	candles := base.Candles()
	if len(candles) == 0 {
		return NewSeries(base.Symbol(), target, nil)
	}
	lastClose := candles[len(candles)-1].CloseTime

	var out []Candle
	var cur *Candle
	var curWindow int64 = -1
	flush := func() {
		// 只有整窗走完才算闭合。
		if cur != nil && cur.CloseTime <= lastClose {
			out = append(out, *cur)
		}
		cur = nil
	}
	for _, c := range candles {
		w := target.WindowStart(c.OpenTime)
		if cur == nil || w != curWindow {
			flush()
			agg := Candle{
				Symbol:    base.Symbol(),
				Timeframe: target.Key,
				OpenTime:  w,
				CloseTime: w + target.Millis(),
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			}
			cur = &agg
			curWindow = w
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	flush()
	return NewSeries(base.Symbol(), target, out)
}
