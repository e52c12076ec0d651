// 程序入口：读取配置、初始化依赖并启动服务；API 注册在 internal/api
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"ip-tracer/internal/api"
	"ip-tracer/internal/config"
	"ip-tracer/internal/ipify"
	"ip-tracer/internal/logger"
	"ip-tracer/internal/mapview"
	"ip-tracer/internal/metrics"
	"ip-tracer/internal/middleware"
	"ip-tracer/internal/session"
	"ip-tracer/internal/tracker"
	"ip-tracer/internal/utils"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok")

	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	l.Debug("config_loaded", "endpoint", cfg.Endpoint, "addr", cfg.Addr, "api_base", cfg.APIBase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := ipify.New(cfg.Endpoint, cfg.APIKey, ipify.WithLogger(l))
	// 每个访问者一个追踪器与地图宿主，查询状态互不共享
	newTracker := func(sctx context.Context) session.Tracker {
		tr := tracker.New(client, mapview.NewHost(mapview.DefaultContainer, l),
			tracker.WithLogger(l),
			tracker.WithInitialLookup(cfg.InitialLookup),
		)
		tr.Start(sctx)
		return tr
	}
	sessions := session.NewManager(ctx, newTracker,
		session.WithTTL(cfg.SessionTTL),
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithLogger(l),
	)

	visitors := api.NewVisitors(sessions, []byte(cfg.SessionKey))

	mux := http.NewServeMux()
	apiMux := api.BuildRoutes(visitors)
	queryLimited := middleware.RateLimit(cfg.RateLimit, cfg.RateLimitQPS, apiMux)
	mux.Handle("POST "+cfg.APIBase+"/query", http.StripPrefix(cfg.APIBase, queryLimited))
	mux.Handle(cfg.APIBase+"/", http.StripPrefix(cfg.APIBase, apiMux))
	mux.Handle(cfg.APIBase+"/metrics", metrics.Handler())
	mux.Handle("/config.js", api.ConfigJS(cfg.APIBase))
	mux.Handle("/", api.PageHandler(visitors))

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           logger.AccessMiddleware(l)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		if cfg.TLSEnable {
			if err := utils.EnsureSelfSignedCert(cfg.TLSCertPath, cfg.TLSKeyPath, "ip-tracer.local"); err != nil {
				return err
			}
			l.Info("listening_tls", "addr", cfg.Addr, "cert", cfg.TLSCertPath)
			err = s.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			l.Info("listening", "addr", cfg.Addr)
			err = s.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// SSE 连接不会自行结束，先停全部会话追踪器让订阅通道关闭
		stop()
		sessions.Close()
		return s.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		l.Error("server_error", "err", err)
		os.Exit(1)
	}
	l.Info("shutdown_ok")
}
