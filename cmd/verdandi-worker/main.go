package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sre-norns/verdandi/pkg/browser"
	"github.com/sre-norns/verdandi/pkg/cookies"
	"github.com/sre-norns/verdandi/pkg/dbstore"
	"github.com/sre-norns/verdandi/pkg/grace"
	"github.com/sre-norns/verdandi/pkg/pool"
	"github.com/sre-norns/verdandi/pkg/redqueue"
	"github.com/sre-norns/verdandi/pkg/runner"
	"github.com/sre-norns/verdandi/pkg/task"

	_ "github.com/sre-norns/verdandi/pkg/probers/api"
	_ "github.com/sre-norns/verdandi/pkg/probers/browser"
	_ "github.com/sre-norns/verdandi/pkg/probers/uptime"
)

type WorkerConfig struct {
	grace.LogConfig     `embed:""`
	runner.RunnerConfig `embed:""`
	Pool                pool.Config `embed:"" prefix:"pool."`

	ApiAddress   string `help:"Address of the API server" default:"http://localhost:8080" env:"API_ADDRESS"`
	Token        string `help:"Worker token issued by the API server" env:"WORKER_TOKEN"`
	RedisAddress string `help:"Redis server address:port to pick jobs from" default:"localhost:6379" env:"REDIS_ADDRESS"`
	Name         string `help:"Custom name for this worker" env:"WORKER_NAME"`

	Database     string `help:"Database URL of the cookie vault. Saved cookies are not used when empty" env:"DATABASE_URL"`
	CookieSecret string `help:"Secret the saved cookies are encrypted with" env:"COOKIE_SECRET"`

	Concurrency     int           `help:"Number of jobs processed at once" default:"4"`
	StatusListen    string        `help:"Address to serve /pool and /metrics on. Disabled when empty" default:":9090"`
	LogBatch        int           `help:"Run log entries posted in one request" default:"20"`
	LogInterval     time.Duration `help:"Maximum delay before run log entries are posted" default:"1s"`
	ShutdownTimeout time.Duration `help:"Time allowed for running jobs to finish on shutdown" default:"1m"`
}

var appConfig = WorkerConfig{
	RunnerConfig: runner.NewDefaultConfig(),
}

// asynqLogger adapts a go-kit logger to asynq
type asynqLogger struct {
	logger log.Logger
}

func (l asynqLogger) Debug(args ...any) { level.Debug(l.logger).Log("msg", fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { level.Info(l.logger).Log("msg", fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { level.Warn(l.logger).Log("msg", fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { level.Error(l.logger).Log("msg", fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) {
	level.Error(l.logger).Log("msg", fmt.Sprint(args...))
	os.Exit(1)
}

func statusRoutes(browsers *pool.Pool, registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/pool", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, browsers.Status())
	})

	return router
}

func workerName() string {
	if appConfig.Name != "" {
		return appConfig.Name
	}
	if name, err := os.Hostname(); err == nil {
		return fmt.Sprintf("%v-%d", name, os.Getpid())
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func main() {
	appCtx := kong.Parse(&appConfig,
		kong.Name("verdandi-worker"),
		kong.Description("Verdandi worker picks up jobs from the queue and runs them in a shared pool of browsers"),
	)

	logger := appConfig.NewLogger()
	mainCtx := grace.SetupSignalHandler()

	if appConfig.Token == "" {
		level.Warn(logger).Log("msg", "no worker token given, API server must run without authentication")
	}

	apiClient := grace.SuccessRequiredValue(task.NewRestApiClient(appConfig.ApiAddress, appConfig.Token))(
		"valid API server address", "check --api-address",
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	launcher := grace.SuccessRequiredValue(browser.NewLauncher(appConfig.Options.Browser.Engine, appConfig.Options.Browser.Launch))(
		"known browser engine", fmt.Sprintf("pick one of %v", browser.Engines()),
	)
	browsers := pool.New(launcher, appConfig.Pool, log.With(logger, "component", "pool"))
	defer browsers.Close()
	registry.MustRegister(browsers)
	go browsers.RunReaper(mainCtx, time.Minute)

	appConfig.Options.Pool = browsers
	if appConfig.Database != "" {
		store := grace.SuccessRequiredValue(dbstore.Open(appConfig.Database, false))(
			"cookie vault database is reachable", "check --database URL",
		)
		defer store.Close()

		sealer := grace.SuccessRequiredValue(cookies.NewSealer(appConfig.CookieSecret))(
			"usable cookie secret", "provide --cookie-secret matching the API server",
		)
		appConfig.Options.Cookies = cookies.NewVault(store, sealer, log.With(logger, "component", "cookies"))
	}

	name := workerName()
	handler := &jobHandler{
		name:        name,
		api:         apiClient,
		config:      appConfig.RunnerConfig,
		logger:      logger,
		options:     appConfig.Options,
		logBatch:    appConfig.LogBatch,
		logInterval: appConfig.LogInterval,
	}

	if appConfig.StatusListen != "" {
		statusServer := &http.Server{
			Addr:              appConfig.StatusListen,
			Handler:           statusRoutes(browsers, registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := statusServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				level.Error(logger).Log("msg", "status server stopped", "err", err)
			}
		}()
		defer statusServer.Close()
	}

	workerServer := asynq.NewServer(asynq.RedisClientOpt{Addr: appConfig.RedisAddress}, asynq.Config{
		Concurrency:     appConfig.Concurrency,
		Queues:          redqueue.Queues(),
		ShutdownTimeout: appConfig.ShutdownTimeout,
		Logger:          asynqLogger{logger: log.With(logger, "component", "asynq")},
	})

	mux := asynq.NewServeMux()
	mux.Handle(redqueue.TaskType, handler)

	level.Info(logger).Log("msg", "worker started", "name", name, "labels", appConfig.GetEffectiveLabels(), "engine", appConfig.Options.Browser.Engine)
	appCtx.FatalIfErrorf(workerServer.Start(mux))

	<-mainCtx.Done()
	workerServer.Shutdown()
}
