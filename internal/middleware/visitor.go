package middleware

import (
	"net"
	"net/http"
	"strings"
)

var visitorHeaders = []string{
	"x-forwarded-for",
	"cf-connecting-ip",
	"x-real-ip",
	"x-client-ip",
}

// 文档注释：获取访问者 IP（用于访问日志与限流日志）
// 背景：部署在反向代理之后时 RemoteAddr 只是代理地址，优先读取常见代理头
// 约束：头部可被伪造，结果仅用于日志，不参与鉴权
func VisitorIP(r *http.Request) string {
	for _, name := range visitorHeaders {
		if x := r.Header.Get(name); x != "" {
			return strings.TrimSpace(strings.Split(x, ",")[0])
		}
	}
	if x := r.Header.Get("forwarded"); x != "" {
		if i := strings.Index(strings.ToLower(x), "for="); i >= 0 {
			y := strings.Trim(x[i+4:], "\" ")
			if p := strings.IndexAny(y, ";,"); p >= 0 {
				y = y[:p]
			}
			return strings.Trim(y, "\"[]")
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
