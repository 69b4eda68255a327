package feature

import (
	"fmt"

	"rewind/internal/market"
)

// Engine 按固定顺序在一段序列上执行一组指标计算。
type Engine struct {
	comps   []Computation
	columns []string
}

// NewEngine 根据声明构造指标引擎，任何非法声明在此处立即失败。
func NewEngine(reg *Registry, specs []Spec) (*Engine, error) {
	e := &Engine{}
	seen := make(map[string]string)
	for _, spec := range specs {
		comp, err := reg.New(spec)
		if err != nil {
			return nil, err
		}
		for _, col := range comp.Columns() {
			if prev, ok := seen[col]; ok {
				return nil, fmt.Errorf("%w: 特征列 %q 同时由 %s 与 %s 产出", market.ErrConfiguration, col, prev, spec.Kind)
			}
			seen[col] = spec.Kind
			e.columns = append(e.columns, col)
		}
		e.comps = append(e.comps, comp)
	}
	return e, nil
}

// Columns 返回全部输出列名，顺序与声明一致。
func (e *Engine) Columns() []string {
	out := make([]string, len(e.columns))
	copy(out, e.columns)
	return out
}

// Compute 在序列上计算全部指标。每列与输入逐根对齐，长度等于 s.Len()。
func (e *Engine) Compute(s *market.Series) map[string][]float64 {
	frame := make(map[string][]float64, len(e.columns))
	for _, comp := range e.comps {
		for col, values := range comp.Compute(s) {
			frame[col] = values
		}
	}
	return frame
}
