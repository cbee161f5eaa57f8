package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"github.com/sre-norns/verdandi/pkg/auth"
	"github.com/sre-norns/verdandi/pkg/cookies"
	"github.com/sre-norns/verdandi/pkg/dbstore"
	"github.com/sre-norns/verdandi/pkg/grace"
	"github.com/sre-norns/verdandi/pkg/logstream"
	"github.com/sre-norns/verdandi/pkg/redqueue"
	"github.com/sre-norns/verdandi/pkg/schedule"
	"github.com/sre-norns/verdandi/pkg/task"

	_ "github.com/sre-norns/verdandi/pkg/probers/api"
	_ "github.com/sre-norns/verdandi/pkg/probers/browser"
	_ "github.com/sre-norns/verdandi/pkg/probers/uptime"
)

type ServerConfig struct {
	grace.LogConfig `embed:""`

	Listen        string `help:"Address to serve the API on" default:":8080" env:"LISTEN"`
	Database      string `help:"Database URL: sqlite:path, postgres://... or mysql://..." default:"sqlite:verdandi.db" env:"DATABASE_URL"`
	DatabaseDebug bool   `help:"Log every SQL statement"`
	RedisAddress  string `help:"Redis server address:port for the job queue. Runs cannot be triggered without it" default:"localhost:6379" env:"REDIS_ADDRESS"`

	AuthSecret   string   `help:"Secret to sign and verify API tokens. Authentication is off when empty" env:"AUTH_SECRET"`
	CookieSecret string   `help:"Secret the saved cookies are encrypted with. Cookie API is off when empty" env:"COOKIE_SECRET"`
	CorsOrigins  []string `help:"Origins allowed to call the API from a browser" default:"*" env:"CORS_ORIGINS"`

	TickInterval     time.Duration `help:"How often cron schedules are checked" default:"1m"`
	NoSchedule       bool          `help:"Do not trigger scheduled tasks from this instance"`
	RetainExecutions time.Duration `help:"Finished executions older than this are purged. Zero keeps them forever" default:"720h"`
	ShutdownTimeout  time.Duration `help:"Time allowed for in-flight requests on shutdown" default:"15s"`
}

var appConfig ServerConfig

func purgeLoop(ctx context.Context, srv *apiServer, retain time.Duration, logger log.Logger) {
	ticker := schedule.NewTicker(time.Hour, log.With(logger, "component", "retention"))
	ticker.Run(ctx, func(ctx context.Context, now time.Time) (int, error) {
		deleted, err := srv.service.PurgeExecutions(ctx, now.Add(-retain))
		if err != nil {
			return deleted, err
		}
		if srv.vault != nil {
			removed, err := srv.vault.CleanExpired(ctx)
			if err != nil {
				return deleted, err
			}
			deleted += removed
		}
		return deleted, nil
	})
}

func main() {
	kong.Parse(&appConfig,
		kong.Name("verdandi-server"),
		kong.Description("Verdandi API server stores browser automation tasks and their executions, and schedules runs"),
	)

	logger := appConfig.NewLogger()
	mainCtx := grace.SetupSignalHandler()

	store := grace.SuccessRequiredValue(dbstore.Open(appConfig.Database, appConfig.DatabaseDebug))(
		"database is reachable and migrated", "check --database URL",
	)
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var scheduler task.Scheduler
	if appConfig.RedisAddress != "" {
		scheduler = grace.SuccessRequiredValue(redqueue.NewScheduler(appConfig.RedisAddress, registry, logger))(
			"job queue client created", "check --redis-address",
		)
		defer scheduler.Close()
	} else {
		level.Warn(logger).Log("msg", "no redis address given, runs can not be triggered")
	}

	hub := logstream.NewHub(logstream.DefaultBuffer, logger)
	srv := &apiServer{
		service:  task.NewService(store, scheduler, task.WithLogSink(hub), task.WithLogger(logger)),
		hub:      hub,
		registry: registry,
		logger:   logger,
	}

	if appConfig.AuthSecret != "" {
		srv.authority = grace.SuccessRequiredValue(auth.NewAuthority(appConfig.AuthSecret))(
			"usable auth secret", "provide --auth-secret of at least 16 characters",
		)
	} else {
		level.Warn(logger).Log("msg", "no auth secret given, API is open to anyone")
	}

	if appConfig.CookieSecret != "" {
		sealer := grace.SuccessRequiredValue(cookies.NewSealer(appConfig.CookieSecret))(
			"usable cookie secret", "check --cookie-secret",
		)
		srv.vault = cookies.NewVault(store, sealer, logger)
	}

	if !appConfig.NoSchedule {
		ticker := schedule.NewTicker(appConfig.TickInterval, log.With(logger, "component", "schedule"))
		go ticker.Run(mainCtx, srv.service.TriggerDue)
	}
	if appConfig.RetainExecutions > 0 {
		go purgeLoop(mainCtx, srv, appConfig.RetainExecutions, logger)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   appConfig.CorsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept"},
		AllowCredentials: false,
	})

	httpServer := &http.Server{
		Addr:              appConfig.Listen,
		Handler:           corsHandler.Handler(apiRoutes(srv)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-mainCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			level.Error(logger).Log("msg", "shutdown", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "serving API", "listen", appConfig.Listen)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		grace.ExitOrLog(err)
	}
}
