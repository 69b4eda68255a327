package playback

import (
	"rewind/internal/feature"
	"rewind/internal/market"
)

// Event 是回放驱动产出的单步事件：一根已收盘的基准 K 线
// 以及该收盘时刻可见的全部特征。
type Event struct {
	Candle   market.Candle
	Snapshot feature.Snapshot
	Index    int
}

// Stream 按时间顺序逐根回放一条特征矩阵。游标只会前进，
// 重放同一条流必须先 Reset。
type Stream struct {
	matrix *feature.Matrix
	cursor int
}

// NewStream 构造指向矩阵起点的回放流。
func NewStream(m *feature.Matrix) *Stream {
	return &Stream{matrix: m}
}

// Symbol 返回流所属交易对。
func (s *Stream) Symbol() string {
	return s.matrix.Series().Symbol()
}

// Len 返回流的总长度。
func (s *Stream) Len() int { return s.matrix.Len() }

// Remaining 返回尚未回放的事件数。
func (s *Stream) Remaining() int { return s.matrix.Len() - s.cursor }

// Peek 返回下一个事件但不移动游标。
func (s *Stream) Peek() (Event, bool) {
	if s.cursor >= s.matrix.Len() {
		return Event{}, false
	}
	return Event{
		Candle:   s.matrix.Candle(s.cursor),
		Snapshot: s.matrix.At(s.cursor),
		Index:    s.cursor,
	}, true
}

// Next 返回下一个事件并前进游标，流耗尽时第二个返回值为 false。
func (s *Stream) Next() (Event, bool) {
	ev, ok := s.Peek()
	if ok {
		s.cursor++
	}
	return ev, ok
}

// Reset 把游标拨回起点。重复 Reset 是幂等的。
func (s *Stream) Reset() {
	s.cursor = 0
}

// Merged 把多条流合并成按收盘时间排序的全局回放序列。
// 收盘时间相同时按交易对名称排序，保证多符号回放完全确定。
type Merged struct {
	streams []*Stream
}

// Merge 构造多符号合并流。
func Merge(streams ...*Stream) *Merged {
	return &Merged{streams: streams}
}

// Next 从全部流中取收盘时间最早的事件。
func (m *Merged) Next() (Event, bool) {
	var pick *Stream
	var best Event
	for _, s := range m.streams {
		ev, ok := s.Peek()
		if !ok {
			continue
		}
		if pick == nil || earlier(ev, s, best, pick) {
			pick, best = s, ev
		}
	}
	if pick == nil {
		return Event{}, false
	}
	pick.cursor++
	return best, true
}

func earlier(a Event, as *Stream, b Event, bs *Stream) bool {
	if a.Candle.CloseTime != b.Candle.CloseTime {
		return a.Candle.CloseTime < b.Candle.CloseTime
	}
	return as.Symbol() < bs.Symbol()
}

// Reset 把全部流拨回起点。
func (m *Merged) Reset() {
	for _, s := range m.streams {
		s.Reset()
	}
}

// Remaining 返回全部流尚未回放的事件总数。
func (m *Merged) Remaining() int {
	total := 0
	for _, s := range m.streams {
		total += s.Remaining()
	}
	return total
}
