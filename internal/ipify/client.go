package ipify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"ip-tracer/internal/logger"
	"ip-tracer/internal/metrics"
	"ip-tracer/internal/state"
)

const defaultTimeout = 5 * time.Second

var (
	// ErrForbidden：403，额度耗尽或密钥错误
	ErrForbidden = errors.New("ipify: access restricted")
	// ErrMalformed：响应体不是预期结构
	ErrMalformed = errors.New("ipify: malformed response")
)

// ForbiddenHint 403 时输出的诊断提示
const ForbiddenHint = "Access restricted. Check credits balance or enter the correct API key."

// StatusError：非 2xx 响应
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error! status: %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP error! status: %d", e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrForbidden && e.Code == http.StatusForbidden
}

// 文档注释：geo.ipify.org 定位响应结构
// 约束：仅解析展示需要的字段；lat/lng 使用指针以区分缺失与 0
type Response struct {
	IP       string `json:"ip"`
	Location *struct {
		Country  string   `json:"country"`
		Region   string   `json:"region"`
		City     string   `json:"city"`
		Timezone string   `json:"timezone"`
		Lat      *float64 `json:"lat"`
		Lng      *float64 `json:"lng"`
	} `json:"location"`
	ISP string `json:"isp"`
}

// Resolution：抽取四个展示字段与坐标；缺少 location 或坐标时返回 ErrMalformed
func (r *Response) Resolution() (state.Resolution, error) {
	if r.Location == nil {
		return state.Resolution{}, fmt.Errorf("%w: missing location", ErrMalformed)
	}
	if r.Location.Lat == nil || r.Location.Lng == nil {
		return state.Resolution{}, fmt.Errorf("%w: missing coordinates", ErrMalformed)
	}
	return state.Resolution{
		Location: r.Location.Country,
		Timezone: r.Location.Timezone,
		ISP:      r.ISP,
		Lat:      *r.Location.Lat,
		Lng:      *r.Location.Lng,
	}, nil
}

type errorBody struct {
	Code     int    `json:"code"`
	Messages string `json:"messages"`
}

// Client：外部定位服务客户端
type Client struct {
	endpoint string
	key      string
	http     *http.Client
	log      *slog.Logger
}

type Option func(*Client)

// WithHTTPClient：注入共享 HTTP 客户端，为空时保留默认 5s 超时客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func New(endpoint, key string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		key:      key,
		http:     &http.Client{Timeout: defaultTimeout},
		log:      logger.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL：构建请求地址；ipAddress 即使为空也保留，由服务端按来源定位
func (c *Client) URL(query string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("ipify: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("apiKey", c.key)
	q.Set("ipAddress", query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// 文档注释：查询单个 IP 或域名
// 返回：成功时为抽取后的 Resolution；失败时为传输错误、*StatusError 或 ErrMalformed
// 约束：不重试；超时由 HTTP 客户端决定
func (c *Client) Lookup(ctx context.Context, query string) (state.Resolution, error) {
	u, err := c.URL(query)
	if err != nil {
		return state.Resolution{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return state.Resolution{}, fmt.Errorf("ipify: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	t0 := time.Now()
	metrics.LookupRequestsTotal.Inc()
	defer func() {
		metrics.LookupDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	}()
	c.log.Debug("ipify_req", "query", query)
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.LookupFailTotal.WithLabelValues("transport").Inc()
		return state.Resolution{}, fmt.Errorf("ipify: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode}
		var eb errorBody
		if b, rerr := io.ReadAll(io.LimitReader(resp.Body, 4096)); rerr == nil {
			if json.Unmarshal(b, &eb) == nil {
				se.Message = eb.Messages
			}
		}
		reason := "status"
		if errors.Is(se, ErrForbidden) {
			reason = "forbidden"
		}
		metrics.LookupFailTotal.WithLabelValues(reason).Inc()
		c.log.Debug("ipify_status", "query", query, "status", resp.StatusCode, "message", se.Message)
		return state.Resolution{}, se
	}

	var r Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		metrics.LookupFailTotal.WithLabelValues("malformed").Inc()
		return state.Resolution{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res, err := r.Resolution()
	if err != nil {
		metrics.LookupFailTotal.WithLabelValues("malformed").Inc()
		return state.Resolution{}, err
	}
	metrics.LookupSuccessTotal.Inc()
	c.log.Debug("ipify_resp",
		"query", query,
		"ip", r.IP,
		"country", res.Location,
		"timezone", res.Timezone,
		"isp", res.ISP,
		"lat", res.Lat,
		"lng", res.Lng,
		"duration_ms", time.Since(t0).Milliseconds(),
	)
	return res, nil
}

// Reason：失败分类，用于日志与指标标签
func Reason(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.As(err, &se):
		return "status"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	}
	return "transport"
}
