package middleware

import (
	"net/http"
	"sync"
	"time"

	"ip-tracer/internal/logger"
)

// 文档注释：令牌桶限流（每秒）
// 背景：每次输入变化都会触发一次外部查询，消耗服务额度；在入口处限速
// 约束：不排队，超额直接返回 429 并带 Retry-After，页面据此重发最终输入
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	now      func() time.Time
	mu       sync.Mutex
}

func NewTokenBucket(qps int) *TokenBucket {
	if qps <= 0 {
		qps = 1
	}
	return &TokenBucket{capacity: qps, tokens: qps, lastSec: time.Now().Unix(), now: time.Now}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.now().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimit：包装处理器；enabled 为 false 时原样返回
func RateLimit(enabled bool, qps int, next http.Handler) http.Handler {
	if !enabled {
		return next
	}
	tb := NewTokenBucket(qps)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tb.Allow() {
			logger.L().Debug("rate_limited", "path", r.URL.Path, "ip", VisitorIP(r))
			w.Header().Set("retry-after", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
