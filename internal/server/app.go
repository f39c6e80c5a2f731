// Package server assembles the service from configuration and owns its
// lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/account"
	"github.com/JakeFAU/zsxq-crawler/internal/api"
	"github.com/JakeFAU/zsxq-crawler/internal/clock/system"
	"github.com/JakeFAU/zsxq-crawler/internal/config"
	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/files"
	"github.com/JakeFAU/zsxq-crawler/internal/id/uuid"
	"github.com/JakeFAU/zsxq-crawler/internal/logging"
	"github.com/JakeFAU/zsxq-crawler/internal/metrics"
	"github.com/JakeFAU/zsxq-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/zsxq-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/zsxq-crawler/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/zsxq-crawler/internal/queue/memory"
	"github.com/JakeFAU/zsxq-crawler/internal/scheduler"
	pgstore "github.com/JakeFAU/zsxq-crawler/internal/storage/postgres"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/store"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/worker"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

const shutdownTimeout = 10 * time.Second

// metricsRegisterer receives the task lifecycle collectors.
var metricsRegisterer prometheus.Registerer = prometheus.DefaultRegisterer

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	stores      *sqlite.Manager
	accountDB   *sqlite.AccountStore
	accounts    *account.Router
	tasks       *task.Orchestrator
	queue       *queueMemory.Queue
	dispatch    *dispatcher.Dispatcher
	units       *worker.Units
	scheduler   *scheduler.Scheduler
	progressHub *progress.Hub
	history     *pgstore.HistoryStore
	apiServer   *api.Server
	closeOnce   sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("concurrency", cfg.Tasks.Concurrency),
		zap.Bool("history", cfg.History.DSN != ""),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	if err := app.setupStorage(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupHistory(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	emitter, err := app.setupProgress(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	client := app.setupClient()
	app.accounts = account.NewRouter(account.Options{
		Store:         app.accountDB,
		Remote:        client,
		IDs:           uuid.New(),
		DefaultCookie: cfg.Auth.Cookie,
		TTL:           cfg.DetectionTTL(),
		Logger:        logger,
	})

	clock := system.New()
	engine := crawler.NewEngine(client, clock, crawler.SettingsFromConfig(cfg.Crawl), logger)
	userAgent := ""
	if len(cfg.API.UserAgents) > 0 {
		userAgent = cfg.API.UserAgents[0]
	}
	fileService := files.NewService(
		client,
		files.NewHTTPTransfer(time.Duration(cfg.Files.DownloadTimeoutSeconds)*time.Second, userAgent),
		clock,
		files.SettingsFromConfig(cfg.Files),
		logger,
	)
	app.units = worker.NewUnits(engine, fileService, app.stores, app.accounts)

	app.tasks = task.New(task.Options{
		Heartbeat:    cfg.Heartbeat(),
		StreamBuffer: cfg.Tasks.StreamBuffer,
		Emitter:      emitter,
		Logger:       logger,
	})
	app.queue = queueMemory.NewQueue(cfg.Tasks.QueueDepth)
	app.dispatch = app.setupDispatcher()

	if cfg.Scheduler.Enabled {
		app.scheduler, err = scheduler.New(scheduler.Config{
			Spec:   cfg.Scheduler.Spec,
			Groups: cfg.Scheduler.Groups,
			Pages:  cfg.Scheduler.Pages,
		}, app.dispatch, app.tasks, app.incrementalWork, logger)
		if err != nil {
			app.closeInfrastructure(ctx)
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	apiKey := ""
	if cfg.APIAuth.Enabled {
		apiKey = cfg.APIAuth.APIKey
	}
	deps := api.Deps{
		Tasks:    app.tasks,
		Submit:   app.dispatch,
		Units:    app.units,
		Accounts: app.accounts,
		Stores:   app.stores,
		Groups:   client,
	}
	if app.history != nil {
		deps.History = app.history
	}
	app.apiServer = api.NewServer(deps, api.Options{APIKey: apiKey, Logger: logger})
	return app, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	a.stores = sqlite.NewManager(a.cfg.Storage.DataDir, time.Now, a.logger)
	var err error
	a.accountDB, err = a.stores.OpenAccounts(ctx)
	if err != nil {
		return fmt.Errorf("account store init failed: %w", err)
	}
	a.logger.Info("sqlite stores ready", zap.String("data_dir", a.stores.DataDir()))
	return nil
}

func (a *App) setupHistory(ctx context.Context) error {
	if a.cfg.History.DSN == "" {
		a.logger.Warn("no history DSN configured; task runs are not archived")
		return nil
	}
	var err error
	a.history, err = pgstore.NewHistoryStore(ctx, pgstore.HistoryStoreConfig{
		DSN:      a.cfg.History.DSN,
		Table:    a.cfg.History.Table,
		MaxConns: a.cfg.History.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("history store init failed: %w", err)
	}
	a.logger.Info("history store initialized", zap.String("table", a.cfg.History.Table))
	return nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger)}
	promSink, err := progresssinks.NewPrometheusSink(metricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.history != nil {
		var repo store.HistoryRepository = a.history
		sinkList = append(sinkList, progresssinks.NewStoreSink(repo, a.logger.Named("history")))
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	return a.progressHub, nil
}

func (a *App) setupClient() *zsxq.Client {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.API.RequestsPerSecond,
		DefaultBurst: a.cfg.API.Burst,
	})
	a.logger.Info("platform client configured",
		zap.String("base_url", a.cfg.API.BaseURL),
		zap.Float64("requests_per_second", a.cfg.API.RequestsPerSecond),
		zap.Int("burst", a.cfg.API.Burst),
	)
	return zsxq.NewClient(zsxq.Options{
		BaseURL:    a.cfg.API.BaseURL,
		Timeout:    a.cfg.APITimeout(),
		UserAgents: a.cfg.API.UserAgents,
		AppVersion: a.cfg.API.AppVersion,
		Limiter:    limiter,
		IDs:        uuid.New(),
		Logger:     a.logger,
	})
}

func (a *App) setupDispatcher() *dispatcher.Dispatcher {
	workers := make([]*worker.Worker, 0, a.cfg.Tasks.Concurrency)
	for i := 0; i < a.cfg.Tasks.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.tasks,
			a.logger.With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(a.queue, a.tasks, workers, a.logger)
}

func (a *App) incrementalWork(groupID int64, pages int) task.Work {
	return a.units.Crawl(crawler.Request{
		GroupID:  groupID,
		Mode:     crawler.ModeIncremental,
		MaxPages: pages,
	})
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Units returns the work-unit builders.
func (a *App) Units() *worker.Units {
	return a.units
}

// Accounts returns the account router.
func (a *App) Accounts() *account.Router {
	return a.accounts
}

// Run serves HTTP and runs the workers until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Tasks.Concurrency))
		a.dispatch.Run(ctx)
	}()
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// RunTask runs one work unit in the foreground, forwarding its log lines to
// out. Cancelling ctx stops the task. It returns the task's final record.
func (a *App) RunTask(ctx context.Context, spec dispatcher.Spec, out func(string)) (task.Task, error) {
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(runCtx)
	}()
	defer func() { cancelRun(); <-dispatchDone }()

	t, err := a.dispatch.Submit(ctx, spec)
	if err != nil {
		return t, fmt.Errorf("submit task: %w", err)
	}
	events, err := a.tasks.Stream(runCtx, t.ID)
	if err != nil {
		return t, fmt.Errorf("follow task: %w", err)
	}
	stopOnCancel := context.AfterFunc(ctx, func() { a.tasks.RequestStop(t.ID) })
	defer stopOnCancel()

	for ev := range events {
		if ev.Type == task.EventLog && out != nil {
			out(ev.Message)
		}
	}
	final, err := a.tasks.Get(t.ID)
	if err != nil {
		return t, fmt.Errorf("load task: %w", err)
	}
	return final, nil
}

// Close gracefully shuts down the application. Later calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.history != nil {
		a.history.Close()
	}
	if a.accountDB != nil {
		if err := a.accountDB.Close(); err != nil {
			a.logger.Warn("account store close failed", zap.Error(err))
		}
	}
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.logger.Warn("sqlite stores close failed", zap.Error(err))
		}
	}
}
