// 终端入口：逐行读取查询，打印解析面板与地图链接
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"ip-tracer/internal/config"
	"ip-tracer/internal/ipify"
	"ip-tracer/internal/logger"
	"ip-tracer/internal/mapview"
	"ip-tracer/internal/tracker"
	"ip-tracer/internal/version"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))

	app := &cli.App{
		Name:    "iptrace",
		Usage:   "resolve IP addresses or domains to a location, one query per line",
		Version: version.Commit,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "key",
				Usage:   "geolocation API key",
				EnvVars: []string{"IPIFY_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "endpoint",
				Usage:   "geolocation endpoint URL",
				EnvVars: []string{"IPIFY_ENDPOINT"},
				Value:   config.DefaultEndpoint,
			},
			&cli.BoolFlag{
				Name:  "no-initial",
				Usage: "skip the lookup for the caller's own address on start",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	key := strings.TrimSpace(c.String("key"))
	if key == "" {
		return config.ErrMissingAPIKey
	}
	l := logger.Setup()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := newTracker(ctx, ipify.New(c.String("endpoint"), key, ipify.WithLogger(l)), !c.Bool("no-initial"))
	defer func() {
		stop()
		<-tr.Done()
	}()
	return runSession(ctx, os.Stdin, os.Stdout, tr)
}

func newTracker(ctx context.Context, lookup tracker.Lookuper, initial bool) *tracker.Tracker {
	l := logger.L()
	tr := tracker.New(lookup, mapview.NewHost(mapview.DefaultContainer, l),
		tracker.WithLogger(l),
		tracker.WithInitialLookup(initial),
	)
	tr.Start(ctx)
	return tr
}
