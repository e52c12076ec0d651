// 包 config：进程启动时注入的配置，统一从环境变量读取
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://geo.ipify.org/api/v2/country,city"
	DefaultAddr     = ":8080"
	DefaultAPIBase  = "/api"
	DefaultQPS      = 5

	DefaultSessionTTL  = 10 * time.Minute
	DefaultMaxSessions = 1024
)

// ErrMissingAPIKey：未配置外部定位服务密钥
var ErrMissingAPIKey = errors.New("IPIFY_API_KEY is not set")

// 文档注释：运行配置
// 约束：APIKey 只允许来自环境或 .env，不得写入源码与前端产物
type Config struct {
	APIKey        string
	Endpoint      string
	Addr          string
	APIBase       string
	InitialLookup bool
	RateLimit     bool
	RateLimitQPS  int
	TLSEnable     bool
	TLSCertPath   string
	TLSKeyPath    string
	SessionTTL    time.Duration
	MaxSessions   int
	SessionKey    string
}

// Load：读取环境变量并填充默认值；缺少密钥时返回 ErrMissingAPIKey
func Load() (Config, error) {
	c := Config{
		APIKey:        strings.TrimSpace(os.Getenv("IPIFY_API_KEY")),
		Endpoint:      os.Getenv("IPIFY_ENDPOINT"),
		Addr:          os.Getenv("ADDR"),
		APIBase:       os.Getenv("API_BASE"),
		InitialLookup: envBool("TRACKER_INITIAL_LOOKUP", true),
		RateLimit:     envBool("RATE_LIMIT_ENABLED", false),
		RateLimitQPS:  DefaultQPS,
		TLSEnable:     envBool("TLS_ENABLE", false),
		TLSCertPath:   os.Getenv("TLS_CERT_PATH"),
		TLSKeyPath:    os.Getenv("TLS_KEY_PATH"),
		SessionTTL:    DefaultSessionTTL,
		MaxSessions:   DefaultMaxSessions,
		SessionKey:    os.Getenv("SESSION_KEY"),
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	c.APIBase = "/" + strings.Trim(c.APIBase, "/")
	if c.TLSCertPath == "" {
		c.TLSCertPath = filepath.Join("data", "certs", "server.crt")
	}
	if c.TLSKeyPath == "" {
		c.TLSKeyPath = filepath.Join("data", "certs", "server.key")
	}
	if s := os.Getenv("RATE_LIMIT_QPS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			c.RateLimitQPS = n
		}
	}
	if s := os.Getenv("SESSION_TTL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			c.SessionTTL = d
		}
	}
	if s := os.Getenv("MAX_SESSIONS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			c.MaxSessions = n
		}
	}
	if c.APIKey == "" {
		return c, ErrMissingAPIKey
	}
	return c, nil
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
