package backtest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"rewind/internal/market"
)

// FetchRequest 描述一次数据源 K 线请求。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64 // Unix ms
	End      int64 // Unix ms, 0 表示不限制
	Limit    int
}

// CandleSource 统一不同数据源的历史 K 线拉取行为。数据源只保证
// 返回的 K 线按开盘时间升序，缺口原样缺失，不做零值填充。
type CandleSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error)
	Name() string
}

// FileSource 从本地 JSON 文件读取 K 线，主要服务离线回测与测试。
// 文件格式为对象数组，字段与 Candle 的 json tag 一致。
type FileSource struct {
	dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

func (f *FileSource) Name() string { return "file" }

// Fetch 读取 <dir>/<SYMBOL>_<interval>.json，按请求区间过滤。
func (f *FileSource) Fetch(_ context.Context, req FetchRequest) ([]market.Candle, error) {
	if req.Symbol == "" || req.Interval == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	path := fmt.Sprintf("%s/%s_%s.json", f.dir, strings.ToUpper(req.Symbol), strings.ToLower(req.Interval))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取数据文件失败: %w", err)
	}
	root := gjson.ParseBytes(data)
	rows := root
	if !root.IsArray() {
		rows = root.Get("candles")
	}
	if !rows.IsArray() {
		return nil, fmt.Errorf("数据文件 %s 不是 K 线数组", path)
	}

	var out []market.Candle
	rows.ForEach(func(_, row gjson.Result) bool {
		c := market.Candle{
			Symbol:    strings.ToUpper(req.Symbol),
			Timeframe: strings.ToLower(req.Interval),
			OpenTime:  row.Get("open_time").Int(),
			CloseTime: row.Get("close_time").Int(),
			Open:      row.Get("open").Float(),
			High:      row.Get("high").Float(),
			Low:       row.Get("low").Float(),
			Close:     row.Get("close").Float(),
			Volume:    row.Get("volume").Float(),
		}
		if !c.Valid() {
			return true
		}
		if req.Start > 0 && c.OpenTime < req.Start {
			return true
		}
		if req.End > 0 && c.OpenTime > req.End {
			return true
		}
		out = append(out, c)
		return req.Limit <= 0 || len(out) < req.Limit
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}
