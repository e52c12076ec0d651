// 包 state：追踪器的不可变状态快照与纯函数 reducer
// 约束：所有状态变更只经 Reduce 产生；调用方持有值拷贝，不共享可变引用
package state

import "math"

// 未解析任何查询时地图使用的默认坐标
const (
	DefaultLat = 51.505
	DefaultLng = -0.09
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusFailed   Status = "failed"
)

// 文档注释：最近一次成功解析的定位结果
// 约束：所有字段来自同一次响应，或全部为默认值
type Resolution struct {
	Location string  `json:"location"`
	Timezone string  `json:"timezone"`
	ISP      string  `json:"isp"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

func DefaultResolution() Resolution {
	return Resolution{Lat: DefaultLat, Lng: DefaultLng}
}

// SameCenter：坐标是否一致；地图仅在坐标变化时重建
func (r Resolution) SameCenter(o Resolution) bool {
	return sameFloat(r.Lat, o.Lat) && sameFloat(r.Lng, o.Lng)
}

func sameFloat(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}

// 文档注释：状态快照
// Generation 为单调递增的请求代号，只有代号等于最新值的结果才会被应用
type State struct {
	Query      string     `json:"query"`
	Generation uint64     `json:"generation"`
	Status     Status     `json:"status"`
	Resolution Resolution `json:"resolution"`
	LastError  string     `json:"last_error,omitempty"`
}

func Initial() State {
	return State{Status: StatusIdle, Resolution: DefaultResolution()}
}

// Event：reducer 可处理的事件
type Event interface {
	event()
}

// QueryChanged：输入框内容变化
type QueryChanged struct {
	Query string
}

// Refresh：对当前查询再发起一次查询（启动时的首次查询）
type Refresh struct{}

type LookupSucceeded struct {
	Generation uint64
	Resolution Resolution
}

type LookupFailed struct {
	Generation uint64
	Err        error
}

func (QueryChanged) event()    {}
func (Refresh) event()         {}
func (LookupSucceeded) event() {}
func (LookupFailed) event()    {}

// Reduce：根据事件返回新状态；第二个返回值表示事件是否被应用
// 约束：相同查询不产生新代号；过期代号的结果被丢弃；失败不改动 Resolution
func Reduce(s State, e Event) (State, bool) {
	switch ev := e.(type) {
	case QueryChanged:
		if ev.Query == s.Query {
			return s, false
		}
		s.Query = ev.Query
		s.Generation++
		s.Status = StatusPending
		return s, true
	case Refresh:
		s.Generation++
		s.Status = StatusPending
		return s, true
	case LookupSucceeded:
		if ev.Generation != s.Generation {
			return s, false
		}
		s.Resolution = ev.Resolution
		s.Status = StatusResolved
		s.LastError = ""
		return s, true
	case LookupFailed:
		if ev.Generation != s.Generation {
			return s, false
		}
		s.Status = StatusFailed
		if ev.Err != nil {
			s.LastError = ev.Err.Error()
		}
		return s, true
	}
	return s, false
}

// NeedsLookup：next 相对 prev 是否发出了新的请求代号
func NeedsLookup(prev, next State) bool {
	return next.Generation > prev.Generation
}
