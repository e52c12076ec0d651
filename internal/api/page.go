package api

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
	"strconv"

	"ip-tracer/internal/display"
	"ip-tracer/internal/logger"
	"ip-tracer/internal/mapview"
	"ip-tracer/internal/tracker"
	"ip-tracer/internal/version"
)

//go:embed web/index.html
var indexHTML string

var pageTmpl = template.Must(template.New("index").Parse(indexHTML))

type pageData struct {
	Title     string
	Container string
	Panel     display.Panel
	Rows      []display.Row
	Initial   tracker.Snapshot
}

// PageHandler：服务端渲染访问者自己会话的首屏面板，地图与后续更新由页面脚本根据快照完成
func PageHandler(v *Visitors) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		t, release, err := v.open(w, r)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		snap := t.Snapshot()
		release()
		container := snap.Map.Container
		if container == "" {
			container = mapview.DefaultContainer
		}
		data := pageData{
			Title:     display.Title,
			Container: container,
			Panel:     snap.Panel,
			Rows:      snap.Panel.Rows(),
			Initial:   snap,
		}
		var buf bytes.Buffer
		if err := pageTmpl.Execute(&buf, data); err != nil {
			logger.L().Error("page_render_error", "err", err)
			http.Error(w, "render error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "text/html; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write(buf.Bytes())
	})
}

// ConfigJS：向前端暴露 API 基础路径与构建版本，避免前端硬编码；不包含任何密钥
func ConfigJS(apiBase string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write([]byte("window.__API_BASE__=" + strconv.Quote(apiBase) + "\n"))
		_, _ = w.Write([]byte("window.__COMMIT_SHA__=" + strconv.Quote(version.Commit) + "\n"))
	})
}
