// 包 session：每个访问者持有独立的追踪器，查询、面板与地图互不可见
// 约束：会话只存在于内存；无请求引用且空闲超过 TTL 后回收，进程退出即全部丢弃
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ip-tracer/internal/logger"
	"ip-tracer/internal/metrics"
	"ip-tracer/internal/tracker"
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultMaxSessions = 1024
)

var (
	// ErrTooManySessions：存活会话已达上限且没有可回收的空闲会话
	ErrTooManySessions = errors.New("session: too many sessions")
	// ErrClosed：管理器已关闭
	ErrClosed = errors.New("session: manager closed")
)

// Tracker：会话内追踪器需要提供的能力
type Tracker interface {
	SetQuery(q string) error
	Snapshot() tracker.Snapshot
	Subscribe() (<-chan tracker.Snapshot, func())
	Done() <-chan struct{}
}

// Factory：创建并启动追踪器；ctx 结束时追踪器退出并释放地图
type Factory func(ctx context.Context) Tracker

type entry struct {
	tr       Tracker
	cancel   context.CancelFunc
	refs     int
	lastSeen time.Time
}

type Option func(*Manager)

func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.max = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager：会话表
type Manager struct {
	ctx        context.Context
	newTracker Factory
	ttl        time.Duration
	max        int
	now        func() time.Time
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewManager：ctx 是所有会话追踪器的父上下文
func NewManager(ctx context.Context, f Factory, opts ...Option) *Manager {
	m := &Manager{
		ctx:        ctx,
		newTracker: f,
		ttl:        DefaultTTL,
		max:        DefaultMaxSessions,
		now:        time.Now,
		log:        logger.L(),
		sessions:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// 文档注释：按 id 取会话，id 为空或未知时新建
// 返回：实际会话 id（新建时与入参不同）、追踪器与 release；release 在请求结束时调用，可重复调用
// 约束：持有引用期间会话不会被回收，长连接（SSE）在整个推流期间持有
func (m *Manager) Open(id string) (string, Tracker, func(), error) {
	m.mu.Lock()
	if m.closed || m.ctx.Err() != nil {
		m.mu.Unlock()
		return "", nil, nil, ErrClosed
	}
	e, ok := m.sessions[id]
	if !ok {
		if len(m.sessions) >= m.max {
			m.sweepLocked()
		}
		if len(m.sessions) >= m.max {
			m.mu.Unlock()
			m.log.Warn("session_limit", "max", m.max)
			return "", nil, nil, ErrTooManySessions
		}
		id = uuid.NewString()
		ctx, cancel := context.WithCancel(m.ctx)
		e = &entry{tr: m.newTracker(ctx), cancel: cancel}
		m.sessions[id] = e
		metrics.SessionsCreatedTotal.Inc()
		metrics.SessionsLive.Inc()
		m.log.Debug("session_created", "id", id, "live", len(m.sessions))
	}
	e.refs++
	e.lastSeen = m.now()
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			e.refs--
			e.lastSeen = m.now()
		})
	}
	return id, e.tr, release, nil
}

// Len：存活会话数
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep：回收空闲超时的会话，返回回收数量
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked()
}

func (m *Manager) sweepLocked() int {
	now := m.now()
	n := 0
	for id, e := range m.sessions {
		if e.refs > 0 || now.Sub(e.lastSeen) < m.ttl {
			continue
		}
		delete(m.sessions, id)
		e.cancel()
		n++
		metrics.SessionsExpiredTotal.Inc()
		metrics.SessionsLive.Dec()
		m.log.Debug("session_expired", "id", id, "idle", now.Sub(e.lastSeen).String())
	}
	return n
}

// Run：周期回收空闲会话直到 ctx 结束
func (m *Manager) Run(ctx context.Context) {
	every := m.ttl / 2
	if every < time.Second {
		every = time.Second
	}
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if n := m.Sweep(); n > 0 {
				m.log.Info("session_sweep", "expired", n, "live", m.Len())
			}
		}
	}
}

// Close：停止全部会话并等待追踪器退出；之后 Open 返回 ErrClosed
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	trackers := make([]Tracker, 0, len(m.sessions))
	for id, e := range m.sessions {
		delete(m.sessions, id)
		e.cancel()
		metrics.SessionsLive.Dec()
		trackers = append(trackers, e.tr)
	}
	m.mu.Unlock()
	for _, tr := range trackers {
		<-tr.Done()
	}
}
