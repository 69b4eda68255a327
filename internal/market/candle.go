package market

// Candle 是一根 OHLCV K 线。OpenTime 含、CloseTime 不含（毫秒时间戳）。
// 一旦产出即只读。
type Candle struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Valid 校验单根 K 线自身的不变量。
func (c Candle) Valid() bool {
	return c.CloseTime > c.OpenTime
}
