package feature

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"rewind/internal/market"
)

// Requirement 描述指标计算依赖的数据字段。收盘价始终可用。
type Requirement struct {
	NeedsOHLC   bool
	NeedsVolume bool
}

// Computation 在一段 K 线序列上计算一个或多个特征列。
// 输出列与输入序列逐根对齐，热身期内的位置以 NaN 表示不可见。
type Computation interface {
	Columns() []string
	Requires() Requirement
	Compute(s *market.Series) map[string][]float64
}

func positivePeriod(p Params, key string, def int) (int, error) {
	period := p.Int(key, def)
	if period < 1 {
		return 0, fmt.Errorf("%w: %s 必须为正整数, 实际 %d", market.ErrConfiguration, key, period)
	}
	return period, nil
}

// maskWarmup 将前 warmup 个位置标记为不可见。talib 的部分函数会
// 用 0 填充种子区间，直接透出会被误当成真实取值。
func maskWarmup(values []float64, warmup int) []float64 {
	for i := 0; i < warmup && i < len(values); i++ {
		values[i] = math.NaN()
	}
	return values
}

func allNaN(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// --- 单均线族 ---

type movingAverage struct {
	column string
	period int
	fn     func([]float64, int) []float64
}

func (m *movingAverage) Columns() []string     { return []string{m.column} }
func (m *movingAverage) Requires() Requirement { return Requirement{} }

func (m *movingAverage) Compute(s *market.Series) map[string][]float64 {
	if s.Len() < m.period {
		return map[string][]float64{m.column: allNaN(s.Len())}
	}
	values := maskWarmup(m.fn(s.Closes(), m.period), m.period-1)
	return map[string][]float64{m.column: values}
}

func newSMA(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 20)
	if err != nil {
		return nil, err
	}
	return &movingAverage{column: fmt.Sprintf("sma_%d", period), period: period, fn: talib.Sma}, nil
}

func newEMA(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 21)
	if err != nil {
		return nil, err
	}
	return &movingAverage{column: fmt.Sprintf("ema_%d", period), period: period, fn: talib.Ema}, nil
}

func newWMA(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 20)
	if err != nil {
		return nil, err
	}
	return &movingAverage{column: fmt.Sprintf("wma_%d", period), period: period, fn: talib.Wma}, nil
}

// --- RSI ---

type rsi struct {
	period int
}

func (r *rsi) Columns() []string     { return []string{"rsi"} }
func (r *rsi) Requires() Requirement { return Requirement{} }

func (r *rsi) Compute(s *market.Series) map[string][]float64 {
	if s.Len() <= r.period {
		return map[string][]float64{"rsi": allNaN(s.Len())}
	}
	return map[string][]float64{"rsi": maskWarmup(talib.Rsi(s.Closes(), r.period), r.period)}
}

func newRSI(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 14)
	if err != nil {
		return nil, err
	}
	return &rsi{period: period}, nil
}

// --- MACD ---

type macd struct {
	fast, slow, signal int
}

func (m *macd) Columns() []string     { return []string{"macd", "macd_signal", "macd_hist"} }
func (m *macd) Requires() Requirement { return Requirement{} }

func (m *macd) Compute(s *market.Series) map[string][]float64 {
	warmup := m.slow + m.signal - 2
	if s.Len() <= warmup {
		return map[string][]float64{
			"macd":        allNaN(s.Len()),
			"macd_signal": allNaN(s.Len()),
			"macd_hist":   allNaN(s.Len()),
		}
	}
	line, signal, hist := talib.Macd(s.Closes(), m.fast, m.slow, m.signal)
	return map[string][]float64{
		"macd":        maskWarmup(line, warmup),
		"macd_signal": maskWarmup(signal, warmup),
		"macd_hist":   maskWarmup(hist, warmup),
	}
}

func newMACD(p Params) (Computation, error) {
	fast, err := positivePeriod(p, "fast", 12)
	if err != nil {
		return nil, err
	}
	slow, err := positivePeriod(p, "slow", 26)
	if err != nil {
		return nil, err
	}
	signal, err := positivePeriod(p, "signal", 9)
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("%w: macd 要求 fast < slow, 实际 %d/%d", market.ErrConfiguration, fast, slow)
	}
	return &macd{fast: fast, slow: slow, signal: signal}, nil
}

// --- ATR ---

type atr struct {
	period int
}

func (a *atr) Columns() []string     { return []string{"atr"} }
func (a *atr) Requires() Requirement { return Requirement{NeedsOHLC: true} }

func (a *atr) Compute(s *market.Series) map[string][]float64 {
	if s.Len() <= a.period {
		return map[string][]float64{"atr": allNaN(s.Len())}
	}
	values := talib.Atr(s.Highs(), s.Lows(), s.Closes(), a.period)
	return map[string][]float64{"atr": maskWarmup(values, a.period)}
}

func newATR(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 14)
	if err != nil {
		return nil, err
	}
	return &atr{period: period}, nil
}

// --- 布林带 ---

type bbands struct {
	period int
	dev    float64
}

func (b *bbands) Columns() []string     { return []string{"bb_upper", "bb_mid", "bb_lower"} }
func (b *bbands) Requires() Requirement { return Requirement{} }

func (b *bbands) Compute(s *market.Series) map[string][]float64 {
	if s.Len() < b.period {
		return map[string][]float64{
			"bb_upper": allNaN(s.Len()),
			"bb_mid":   allNaN(s.Len()),
			"bb_lower": allNaN(s.Len()),
		}
	}
	upper, mid, lower := talib.BBands(s.Closes(), b.period, b.dev, b.dev, talib.SMA)
	warmup := b.period - 1
	return map[string][]float64{
		"bb_upper": maskWarmup(upper, warmup),
		"bb_mid":   maskWarmup(mid, warmup),
		"bb_lower": maskWarmup(lower, warmup),
	}
}

func newBBands(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 20)
	if err != nil {
		return nil, err
	}
	dev := p.Float("dev", 2.0)
	if dev <= 0 {
		return nil, fmt.Errorf("%w: bbands 的 dev 必须为正数, 实际 %v", market.ErrConfiguration, dev)
	}
	return &bbands{period: period, dev: dev}, nil
}

// --- ROC ---

type roc struct {
	period int
}

func (r *roc) Columns() []string     { return []string{"roc"} }
func (r *roc) Requires() Requirement { return Requirement{} }

func (r *roc) Compute(s *market.Series) map[string][]float64 {
	if s.Len() <= r.period {
		return map[string][]float64{"roc": allNaN(s.Len())}
	}
	return map[string][]float64{"roc": maskWarmup(talib.Roc(s.Closes(), r.period), r.period)}
}

func newROC(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 9)
	if err != nil {
		return nil, err
	}
	return &roc{period: period}, nil
}

// --- 威廉指标 ---

type willr struct {
	period int
}

func (w *willr) Columns() []string     { return []string{"willr"} }
func (w *willr) Requires() Requirement { return Requirement{NeedsOHLC: true} }

func (w *willr) Compute(s *market.Series) map[string][]float64 {
	if s.Len() < w.period {
		return map[string][]float64{"willr": allNaN(s.Len())}
	}
	values := talib.WillR(s.Highs(), s.Lows(), s.Closes(), w.period)
	return map[string][]float64{"willr": maskWarmup(values, w.period-1)}
}

func newWillR(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 14)
	if err != nil {
		return nil, err
	}
	return &willr{period: period}, nil
}

// --- OBV ---

type obv struct{}

func (o *obv) Columns() []string     { return []string{"obv"} }
func (o *obv) Requires() Requirement { return Requirement{NeedsVolume: true} }

func (o *obv) Compute(s *market.Series) map[string][]float64 {
	if s.Len() == 0 {
		return map[string][]float64{"obv": nil}
	}
	return map[string][]float64{"obv": talib.Obv(s.Closes(), s.Volumes())}
}

func newOBV(Params) (Computation, error) {
	return &obv{}, nil
}

// --- 随机指标 ---

type stoch struct {
	fastK, slowK, slowD int
}

func (st *stoch) Columns() []string     { return []string{"stoch_k", "stoch_d"} }
func (st *stoch) Requires() Requirement { return Requirement{NeedsOHLC: true} }

func (st *stoch) Compute(s *market.Series) map[string][]float64 {
	warmup := st.fastK + st.slowK + st.slowD - 3
	if s.Len() <= warmup {
		return map[string][]float64{
			"stoch_k": allNaN(s.Len()),
			"stoch_d": allNaN(s.Len()),
		}
	}
	k, d := talib.Stoch(s.Highs(), s.Lows(), s.Closes(), st.fastK, st.slowK, talib.SMA, st.slowD, talib.SMA)
	return map[string][]float64{
		"stoch_k": maskWarmup(k, warmup),
		"stoch_d": maskWarmup(d, warmup),
	}
}

func newStoch(p Params) (Computation, error) {
	fastK, err := positivePeriod(p, "fast_k", 14)
	if err != nil {
		return nil, err
	}
	slowK, err := positivePeriod(p, "slow_k", 3)
	if err != nil {
		return nil, err
	}
	slowD, err := positivePeriod(p, "slow_d", 3)
	if err != nil {
		return nil, err
	}
	return &stoch{fastK: fastK, slowK: slowK, slowD: slowD}, nil
}

// --- 因果最小最大归一化 ---

// normClose 用滚动窗口内的最高价和最低收盘价把收盘价归一到 [0,1]。
// 窗口只向过去滚动, 不触及未来数据。
type normClose struct {
	period int
}

func (n *normClose) Columns() []string     { return []string{"norm_close"} }
func (n *normClose) Requires() Requirement { return Requirement{} }

func (n *normClose) Compute(s *market.Series) map[string][]float64 {
	closes := s.Closes()
	out := allNaN(len(closes))
	for i := n.period - 1; i < len(closes); i++ {
		lo, hi := closes[i], closes[i]
		for j := i - n.period + 1; j < i; j++ {
			if closes[j] < lo {
				lo = closes[j]
			}
			if closes[j] > hi {
				hi = closes[j]
			}
		}
		if hi == lo {
			out[i] = 0.5
			continue
		}
		out[i] = (closes[i] - lo) / (hi - lo)
	}
	return map[string][]float64{"norm_close": out}
}

func newNormClose(p Params) (Computation, error) {
	period, err := positivePeriod(p, "period", 30)
	if err != nil {
		return nil, err
	}
	return &normClose{period: period}, nil
}
