package feature

// Snapshot 保存单个基准 K 线收盘时刻上全部可见特征的取值。
// 尚处于热身期或粗周期窗口未完成的特征不会出现在 Values 中。
type Snapshot struct {
	Timestamp int64              `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Get 返回指定特征的取值，第二个返回值表示该特征此刻是否可见。
func (s Snapshot) Get(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Has 报告指定特征此刻是否已有取值。
func (s Snapshot) Has(name string) bool {
	_, ok := s.Values[name]
	return ok
}
