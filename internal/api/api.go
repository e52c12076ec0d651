// 包 api：集中注册 HTTP 路由以解耦主入口
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"

	"ip-tracer/internal/logger"
	"ip-tracer/internal/middleware"
	"ip-tracer/internal/session"
	"ip-tracer/internal/tracker"
)

// 查询请求体上限，输入框内容不应超过
const maxQueryBody = 4 << 10

// SessionCookie：访问者会话 cookie 名
const SessionCookie = "iptrace_session"

// Sessions：按会话 id 取得访问者自己的追踪器
type Sessions interface {
	Open(id string) (string, session.Tracker, func(), error)
}

// 文档注释：访问者入口，负责会话 cookie 编解码与会话表查找
// 约束：cookie 只携带签名后的会话 id，状态全部留在服务端内存
type Visitors struct {
	store    *sessions.CookieStore
	sessions Sessions
}

// NewVisitors：key 为空时按进程生成随机签名密钥，重启后旧 cookie 自然失效
func NewVisitors(s Sessions, key []byte) *Visitors {
	if len(key) == 0 {
		key = securecookie.GenerateRandomKey(32)
	}
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &Visitors{store: store, sessions: s}
}

// open：读取会话 cookie 并打开会话；新建会话时下发 cookie
// 约束：必须在写出响应头之前调用；cookie 无法解码时视为新访问者
func (v *Visitors) open(w http.ResponseWriter, r *http.Request) (session.Tracker, func(), error) {
	sess, err := v.store.Get(r, SessionCookie)
	if err != nil {
		logger.L().Debug("session_cookie_invalid", "err", err, "ip", middleware.VisitorIP(r))
	}
	id, _ := sess.Values["id"].(string)
	sid, t, release, err := v.sessions.Open(id)
	if err != nil {
		logger.L().Warn("session_open_error", "err", err, "ip", middleware.VisitorIP(r))
		return nil, nil, err
	}
	if sid != id {
		sess.Values["id"] = sid
		sess.Options.Secure = r.TLS != nil
		if err := sess.Save(r, w); err != nil {
			release()
			return nil, nil, fmt.Errorf("save session cookie: %w", err)
		}
	}
	return t, release, nil
}

// readQuery：支持 JSON 请求体 {"query": "..."} 与表单字段 q
func readQuery(w http.ResponseWriter, r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("content-type"))
	if ct == "application/json" {
		var body queryRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxQueryBody))
		if err := dec.Decode(&body); err != nil {
			return "", fmt.Errorf("decode query: %w", err)
		}
		return body.Query, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBody)
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("parse form: %w", err)
	}
	return r.Form.Get("q"), nil
}

// BuildRoutes：构建 API 路由，独立 ServeMux 便于在主入口挂载到 API_BASE 前缀
// 约束：每个请求只操作请求方自己的会话
func BuildRoutes(v *Visitors) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /query", func(w http.ResponseWriter, r *http.Request) {
		q, err := readQuery(w, r)
		if err != nil {
			logger.L().Debug("query_bad_request", "err", err)
			writeError(w, http.StatusBadRequest, "invalid query body")
			return
		}
		t, release, err := v.open(w, r)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "session unavailable")
			return
		}
		defer release()
		// SetQuery 返回时事件已归约，快照中的查询即本次提交
		if err := t.SetQuery(q); err != nil {
			if errors.Is(err, tracker.ErrStopped) {
				writeError(w, http.StatusServiceUnavailable, "tracker stopped")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, t.Snapshot())
	})

	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		t, release, err := v.open(w, r)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "session unavailable")
			return
		}
		defer release()
		writeJSON(w, http.StatusOK, t.Snapshot())
	})

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		t, release, err := v.open(w, r)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "session unavailable")
			return
		}
		defer release()
		serveEvents(w, r, t)
	})

	return mux
}

// serveEvents：以 SSE 推送快照，客户端断开或追踪器停止时返回
func serveEvents(w http.ResponseWriter, r *http.Request, t session.Tracker) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel := t.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("content-type", "text/event-stream")
	h.Set("cache-control", "no-store")
	h.Set("connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				_, _ = io.WriteString(w, "event: close\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			b, err := json.Marshal(snap)
			if err != nil {
				logger.L().Error("snapshot_encode_error", "err", err)
				continue
			}
			var sb strings.Builder
			sb.WriteString("event: snapshot\ndata: ")
			sb.Write(b)
			sb.WriteString("\n\n")
			if _, err := io.WriteString(w, sb.String()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
