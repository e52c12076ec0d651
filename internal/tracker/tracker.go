// 包 tracker：输入、查询、地图三者之间的单向数据流
// 约束：状态只在事件循环 goroutine 内变更；查询在独立 goroutine 中挂起，结果以事件形式回到循环
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"ip-tracer/internal/display"
	"ip-tracer/internal/ipify"
	"ip-tracer/internal/logger"
	"ip-tracer/internal/mapview"
	"ip-tracer/internal/metrics"
	"ip-tracer/internal/state"
)

// ErrStopped：事件循环已退出
var ErrStopped = errors.New("tracker: stopped")

// Lookuper：外部定位查询
type Lookuper interface {
	Lookup(ctx context.Context, query string) (state.Resolution, error)
}

// Snapshot：发布给订阅方的完整视图
type Snapshot struct {
	State state.State   `json:"state"`
	Panel display.Panel `json:"panel"`
	Map   mapview.View  `json:"map"`
}

type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithInitialLookup：启动时是否对空查询发起一次查询（由外部服务按来源地址定位）
func WithInitialLookup(on bool) Option {
	return func(t *Tracker) {
		t.initialLookup = on
	}
}

type Tracker struct {
	lookup        Lookuper
	host          *mapview.Host
	log           *slog.Logger
	initialLookup bool

	events  chan envelope
	done    chan struct{}
	started bool
	startMu sync.Mutex

	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int

	inflight sync.WaitGroup
}

func New(lookup Lookuper, host *mapview.Host, opts ...Option) *Tracker {
	t := &Tracker{
		lookup:        lookup,
		host:          host,
		log:           logger.L(),
		initialLookup: true,
		events:        make(chan envelope, 64),
		done:          make(chan struct{}),
		subs:          make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(t)
	}
	s := state.Initial()
	t.snap = Snapshot{State: s, Panel: display.FromState(s)}
	return t
}

// Start：在默认坐标挂载地图并启动事件循环；重复调用无效
func (t *Tracker) Start(ctx context.Context) {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.started {
		return
	}
	t.started = true

	r := t.snap.State.Resolution
	view := t.host.Mount(r.Lat, r.Lng)
	t.mu.Lock()
	t.snap.Map = view
	t.mu.Unlock()

	go t.loop(ctx)
	if t.initialLookup {
		t.dispatch(state.Refresh{})
	}
	t.log.Info("tracker_started", "container", t.host.Container(), "initial_lookup", t.initialLookup)
}

// envelope：投递给事件循环的事件；applied 非空时在事件处理完后关闭
type envelope struct {
	ev      state.Event
	applied chan struct{}
}

// SetQuery：输入框每次变化都直接覆盖查询，不做防抖与格式校验
// 约束：返回时事件已经过归约，随后的 Snapshot 至少反映本次查询
func (t *Tracker) SetQuery(q string) error {
	applied := make(chan struct{})
	if err := t.send(envelope{ev: state.QueryChanged{Query: q}, applied: applied}); err != nil {
		return err
	}
	select {
	case <-applied:
		return nil
	case <-t.done:
		return ErrStopped
	}
}

func (t *Tracker) dispatch(ev state.Event) error {
	return t.send(envelope{ev: ev})
}

func (t *Tracker) send(env envelope) error {
	select {
	case <-t.done:
		return ErrStopped
	default:
	}
	select {
	case t.events <- env:
		return nil
	case <-t.done:
		return ErrStopped
	}
}

// Snapshot：当前快照的值拷贝
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Done：事件循环退出且地图释放后关闭
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Subscribe：订阅快照；通道容量为 1，只保留最新一份未读快照
// 约束：通道会先收到当前快照；cancel 后或循环退出后通道关闭
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	ch <- t.snap
	t.mu.Unlock()
	metrics.Subscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
				metrics.Subscribers.Dec()
			}
		})
	}
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.shutdown()
	for {
		select {
		case <-ctx.Done():
			t.log.Debug("tracker_stopping", "err", ctx.Err())
			return
		case env := <-t.events:
			t.apply(ctx, env.ev)
			if env.applied != nil {
				close(env.applied)
			}
		}
	}
}

func (t *Tracker) shutdown() {
	t.host.Unmount()
	t.inflight.Wait()
	t.mu.Lock()
	for id, c := range t.subs {
		delete(t.subs, id)
		close(c)
		metrics.Subscribers.Dec()
	}
	t.snap.Map = mapview.View{}
	close(t.done)
	t.mu.Unlock()
	t.log.Info("tracker_stopped")
}

func (t *Tracker) apply(ctx context.Context, ev state.Event) {
	t.mu.RLock()
	cur := t.snap
	t.mu.RUnlock()

	prev := cur.State
	next, applied := state.Reduce(prev, ev)
	if !applied {
		switch e := ev.(type) {
		case state.LookupSucceeded:
			metrics.StaleResultsTotal.Inc()
			t.log.Debug("lookup_stale", "generation", e.Generation, "latest", prev.Generation)
		case state.LookupFailed:
			metrics.StaleResultsTotal.Inc()
			t.log.Debug("lookup_stale", "generation", e.Generation, "latest", prev.Generation, "err", e.Err)
		}
		return
	}

	switch e := ev.(type) {
	case state.QueryChanged:
		metrics.QueriesTotal.Inc()
		t.log.Debug("query_changed", "query", e.Query, "generation", next.Generation)
	case state.LookupSucceeded:
		t.log.Info("lookup_ok",
			"query", next.Query,
			"location", next.Resolution.Location,
			"timezone", next.Resolution.Timezone,
			"isp", next.Resolution.ISP,
			"lat", next.Resolution.Lat,
			"lng", next.Resolution.Lng,
		)
	case state.LookupFailed:
		t.log.Error("lookup_failed", "query", next.Query, "reason", ipify.Reason(e.Err), "err", e.Err)
		if errors.Is(e.Err, ipify.ErrForbidden) {
			t.log.Error("lookup_forbidden", "query", next.Query, "hint", ipify.ForbiddenHint)
		}
	}

	view := cur.Map
	if !next.Resolution.SameCenter(prev.Resolution) {
		view = t.host.Mount(next.Resolution.Lat, next.Resolution.Lng)
	}
	if state.NeedsLookup(prev, next) {
		t.startLookup(ctx, next.Generation, next.Query)
	}
	t.publish(Snapshot{State: next, Panel: display.FromState(next), Map: view})
}

func (t *Tracker) startLookup(ctx context.Context, gen uint64, q string) {
	if q == "" {
		t.log.Debug("lookup_empty_query", "generation", gen)
	}
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		res, err := t.lookup.Lookup(ctx, q)
		var ev state.Event
		if err != nil {
			ev = state.LookupFailed{Generation: gen, Err: err}
		} else {
			ev = state.LookupSucceeded{Generation: gen, Resolution: res}
		}
		select {
		case t.events <- envelope{ev: ev}:
		case <-ctx.Done():
		}
	}()
}

func (t *Tracker) publish(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = s
	for _, ch := range t.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
