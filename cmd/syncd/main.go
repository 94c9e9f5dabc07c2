package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"

	"github.com/teamlens/syncd/pkg/cache"
	"github.com/teamlens/syncd/pkg/github"
	"github.com/teamlens/syncd/pkg/notify"
	"github.com/teamlens/syncd/pkg/store"
	"github.com/teamlens/syncd/pkg/syncer"
	"github.com/teamlens/syncd/pkg/telemetry"
)

func main() {
	app := cli.App{
		Name:    "syncd",
		Usage:   "team activity sync daemon",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"SYNCD_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"SYNCD_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/syncd.db",
			EnvVars: []string{"SYNCD_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"SYNCD_MIGRATE_DB"},
		},
		&cli.StringFlag{
			Name:    "github-api-url",
			Usage:   "base URL of the GitHub REST API",
			Value:   "https://api.github.com",
			EnvVars: []string{"SYNCD_GITHUB_API_URL"},
		},
		&cli.Float64Flag{
			Name:    "github-rate-limit",
			Usage:   "rate limit for GitHub API calls in requests per second",
			Value:   5,
			EnvVars: []string{"SYNCD_GITHUB_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "page-size",
			Usage:   "number of provider events fetched per sync",
			Value:   50,
			EnvVars: []string{"SYNCD_PAGE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "fetch-timeout",
			Usage:   "timeout for a single provider fetch, distinct from the sync timeout",
			Value:   15 * time.Second,
			EnvVars: []string{"SYNCD_FETCH_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "sync-timeout",
			Usage:   "overall timeout for one sync run",
			Value:   60 * time.Second,
			EnvVars: []string{"SYNCD_SYNC_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "sync-interval",
			Usage:   "interval between scheduled background syncs, 0 disables the scheduler",
			Value:   5 * time.Minute,
			EnvVars: []string{"SYNCD_SYNC_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "activity-ttl",
			Usage:   "time to live for cached activity feed results",
			Value:   2 * time.Minute,
			EnvVars: []string{"SYNCD_ACTIVITY_TTL"},
		},
		&cli.DurationFlag{
			Name:    "cache-sweep-interval",
			Usage:   "interval between expired cache entry sweeps",
			Value:   5 * time.Minute,
			EnvVars: []string{"SYNCD_CACHE_SWEEP_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "redis address for cross-process event publishing, empty disables",
			EnvVars: []string{"SYNCD_REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "posthog-api-key",
			Usage:   "PostHog API key for product analytics, empty disables",
			EnvVars: []string{"SYNCD_POSTHOG_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "posthog-endpoint",
			Usage:   "PostHog endpoint URL",
			Value:   "https://eu.i.posthog.com",
			EnvVars: []string{"SYNCD_POSTHOG_ENDPOINT"},
		},
	}

	app.Action = Syncd

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Syncd is the main function for the sync daemon
func Syncd(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	st, err := store.New(logger, cctx.String("sqlite-path"), cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to create store", "error", err)
		return err
	}

	ca := cache.New(logger, st, cctx.Duration("cache-sweep-interval"))
	defer ca.Close()

	gh := github.NewClient(
		logger,
		cctx.String("github-api-url"),
		cctx.Duration("fetch-timeout"),
		cctx.Float64("github-rate-limit"),
	)

	broadcaster := notify.NewBroadcaster(logger)
	sinks := notify.Multi{broadcaster}

	if cctx.String("redis-addr") != "" {
		logger.Info("redis address set, enabling redis event sink")
		redisSink, err := notify.NewRedisSink(ctx, logger, cctx.String("redis-addr"), "syncd:events")
		if err != nil {
			logger.Error("failed to create redis sink", "error", err)
			return err
		}
		defer func() {
			if err := redisSink.Close(); err != nil {
				logger.Error("failed to close redis sink", "error", err)
			}
		}()
		sinks = append(sinks, redisSink)
	}

	tlmt := telemetry.NewNoop()
	if cctx.String("posthog-api-key") != "" {
		logger.Info("posthog api key set, enabling telemetry")
		tlmt, err = telemetry.NewPostHog(logger, cctx.String("posthog-api-key"), cctx.String("posthog-endpoint"))
		if err != nil {
			logger.Error("failed to create posthog telemetry", "error", err)
			return err
		}
	}
	defer func() {
		if err := tlmt.Close(); err != nil {
			logger.Error("failed to close telemetry", "error", err)
		}
	}()

	s := syncer.New(logger, st, ca, gh, sinks, broadcaster, tlmt, syncer.Options{
		PageSize:     cctx.Int("page-size"),
		ActivityTTL:  cctx.Duration("activity-ttl"),
		FetchTimeout: cctx.Duration("fetch-timeout"),
		SyncTimeout:  cctx.Duration("sync-timeout"),
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "syncd",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/users/:userID/sync", s.HandleRunSync)
	e.GET("/users/:userID/activities", s.HandleGetActivities)
	e.GET("/users/:userID/events", s.HandleEvents)
	e.GET("/users/:userID/repos", s.HandleListRepos)
	e.POST("/users/:userID/repos", s.HandleAddRepo)
	e.DELETE("/users/:userID/repos/:repoID", s.HandleRemoveRepo)
	e.PUT("/users/:userID/connections/:provider", s.HandlePutConnection)
	e.DELETE("/users/:userID/connections/:provider", s.HandleDeleteConnection)
	e.GET("/cache/stats", s.HandleCacheStats)
	e.POST("/cache/sweep", s.HandleCacheSweep)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "syncd")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Run the scheduled sync loop in a goroutine
	shutdownScheduler := make(chan struct{})
	schedulerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "scheduler")

		if interval := cctx.Duration("sync-interval"); interval > 0 {
			s.RunLoop(ctx, interval, shutdownScheduler)
		} else {
			logger.Info("scheduler disabled")
			<-shutdownScheduler
		}
		close(schedulerShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down, waiting for routines to finish")
	cancel()
	close(shutdownScheduler)
	close(shutdownHTTPServer)

	<-schedulerShutdown
	<-httpServerShutdown
	logger.Info("shutdown complete")

	return nil
}
