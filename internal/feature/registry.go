package feature

import (
	"fmt"
	"sort"

	"rewind/internal/market"
)

// Params 保存单个指标实例的数值参数。
type Params map[string]float64

// Int 读取整数参数，缺失时返回默认值。
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

// Float 读取浮点参数，缺失时返回默认值。
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Spec 描述配置中声明的一个指标实例。
type Spec struct {
	Kind   string `json:"kind" mapstructure:"kind"`
	Params Params `json:"params,omitempty" mapstructure:"params"`
}

// Builder 根据参数构造指标计算器，参数非法时立即返回错误。
type Builder func(params Params) (Computation, error)

// Registry 维护指标名称到构造器的映射。
type Registry struct {
	builders map[string]Builder
}

// NewRegistry 返回包含全部内置指标的注册表。
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.builders["sma"] = newSMA
	r.builders["ema"] = newEMA
	r.builders["wma"] = newWMA
	r.builders["rsi"] = newRSI
	r.builders["macd"] = newMACD
	r.builders["atr"] = newATR
	r.builders["bbands"] = newBBands
	r.builders["roc"] = newROC
	r.builders["willr"] = newWillR
	r.builders["obv"] = newOBV
	r.builders["stoch"] = newStoch
	r.builders["norm_close"] = newNormClose
	return r
}

// Register 注册自定义指标构造器，名称冲突时返回错误。
func (r *Registry) Register(kind string, b Builder) error {
	if kind == "" || b == nil {
		return fmt.Errorf("%w: 指标注册缺少名称或构造器", market.ErrConfiguration)
	}
	if _, ok := r.builders[kind]; ok {
		return fmt.Errorf("%w: 指标 %q 已注册", market.ErrConfiguration, kind)
	}
	r.builders[kind] = b
	return nil
}

// Kinds 返回全部已注册的指标名称，按字典序排列。
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New 构造指定指标实例，未注册的名称或非法参数返回配置错误。
func (r *Registry) New(spec Spec) (Computation, error) {
	b, ok := r.builders[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: 未注册的指标 %q", market.ErrConfiguration, spec.Kind)
	}
	comp, err := b(spec.Params)
	if err != nil {
		return nil, fmt.Errorf("指标 %q 参数非法: %w", spec.Kind, err)
	}
	return comp, nil
}
