package market

import (
	"errors"
	"fmt"
)

// ErrConfiguration 标记 setup 阶段即可发现的配置问题（坏周期、坏参数）。
var ErrConfiguration = errors.New("configuration error")

// GapError 表示数据源时间序列被破坏：乱序、重复或区间重叠。
// 时间有序性是回测的承重不变量，遇到即整体中止。
type GapError struct {
	Symbol    string
	Timeframe string
	Index     int
	Reason    string
}

func (e *GapError) Error() string {
	return fmt.Sprintf("data gap %s@%s idx=%d: %s", e.Symbol, e.Timeframe, e.Index, e.Reason)
}
