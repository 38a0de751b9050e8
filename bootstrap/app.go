// Package bootstrap wires the engine together: configuration, logging,
// buffers, registry, evaluation pipeline, HTTP surface, and lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"argus/api"
	"argus/config"
	"argus/core"
	"argus/detect"
	"argus/ingest"
	"argus/registry"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// App holds every running component of the engine.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Buffer    *ingest.Buffer
	Registry  *registry.Registry
	Loader    *registry.Loader
	Scheduler *detect.Scheduler
	Server    *api.Server

	fileSink   *detect.FileSink
	watcher    *registry.Watcher
	cancel     context.CancelFunc
	serviceWg  sync.WaitGroup
	shutdownCh chan struct{}
}

// NewApp builds the application from configuration. The only fatal failures
// live here: bad configuration, an unreadable rule directory, or no valid
// rules at startup.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	sugar := logger.Sugar()

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Sugar:      sugar,
		shutdownCh: make(chan struct{}),
	}

	grace := cfg.Grace()
	app.Buffer = ingest.NewBuffer(cfg.Buffer.Capacity, grace, sugar)
	for st, secs := range cfg.Buffer.RetentionOverrideSeconds {
		app.Buffer.SetRetention(core.SourceType(st), time.Duration(secs)*time.Second)
	}

	app.Registry = registry.New(sugar)
	app.Loader = registry.NewLoader()
	if errs := app.Loader.LoadDirInto(app.Registry, cfg.Rules.Dir); len(errs) > 0 {
		for _, e := range errs {
			sugar.Errorw("rule rejected at startup", "rule", e.RuleID, "reason", e.Reason)
		}
		return nil, fmt.Errorf("no valid rule set loadable from %s (%d errors)", cfg.Rules.Dir, len(errs))
	}
	if len(app.Registry.Active().Rules) == 0 {
		return nil, fmt.Errorf("rule directory %s contains no rules", cfg.Rules.Dir)
	}

	limits := detect.Limits{
		MaxDistinct: cfg.Engine.MaxDistinctValues,
		MaxList:     cfg.Engine.MaxListValues,
		MaxEventIDs: cfg.Engine.MaxContributingEvents,
	}
	windows := detect.NewWindowAggregator(grace, limits, sugar)
	correlations := detect.NewCorrelationEngine(limits, sugar)
	scorer := detect.NewScorer()

	dedup, err := detect.NewDeduplicator(
		cfg.Engine.DedupCacheSize,
		time.Duration(cfg.Engine.DedupDefaultSeconds)*time.Second,
		sugar,
	)
	if err != nil {
		return nil, fmt.Errorf("building deduplicator: %w", err)
	}

	sink, fileSink, err := buildSink(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.fileSink = fileSink
	emitter := detect.NewEmitter(
		sink,
		cfg.Sink.RetryAttempts,
		time.Duration(cfg.Sink.RetryBaseMillis)*time.Millisecond,
		sugar,
	)

	pool := detect.NewWorkerPool(context.Background(), cfg.Engine.Workers, cfg.Engine.QueueSize, sugar)
	app.Scheduler = detect.NewScheduler(
		detect.SchedulerConfig{
			Tick:               cfg.Tick(),
			EvalTimeout:        cfg.EvalTimeout(),
			MinRescoreInterval: cfg.MinRescoreInterval(),
			MaxEventsPerEval:   cfg.Engine.MaxEventsPerEvaluation,
			Grace:              grace,
			MaintenanceSpec:    cfg.Engine.MaintenanceCronSpec,
		},
		app.Registry, app.Buffer, windows, correlations, scorer, dedup, emitter, pool, sugar,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	app.Server = api.NewServer(addr, app.Buffer, app.Registry, app.Loader, app.Scheduler, cfg.Rules.Dir, sugar)

	if cfg.Rules.Watch {
		app.watcher = registry.NewWatcher(app.Registry, app.Loader, cfg.Rules.Dir, sugar)
	}
	return app, nil
}

// Start launches the scheduler, HTTP server, and rule watcher.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.Scheduler.Run(runCtx); err != nil && runCtx.Err() == nil {
			a.Sugar.Errorw("scheduler stopped unexpectedly", "error", err)
		}
	}()

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.Server.Start(); err != nil {
			a.Sugar.Errorw("http server stopped unexpectedly", "error", err)
		}
	}()

	if a.watcher != nil {
		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			if err := a.watcher.Run(runCtx); err != nil && runCtx.Err() == nil {
				a.Sugar.Warnw("rule watcher stopped", "error", err)
			}
		}()
	}

	a.Sugar.Infow("argus started",
		"rules", len(a.Registry.Active().Rules),
		"addr", fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port))
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.Sugar.Infow("shutdown signal received", "signal", sig.String())
}

// Shutdown stops services gracefully.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(ctx); err != nil {
		a.Sugar.Warnw("http server shutdown", "error", err)
	}
	a.serviceWg.Wait()
	if a.fileSink != nil {
		if err := a.fileSink.Close(); err != nil {
			a.Sugar.Warnw("closing alert sink", "error", err)
		}
	}
	_ = a.Logger.Sync()
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func buildSink(cfg *config.Config, sugar *zap.SugaredLogger) (detect.AlertSink, *detect.FileSink, error) {
	switch cfg.Sink.Type {
	case "file":
		fs, err := detect.NewFileSink(cfg.Sink.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	default:
		return detect.NewLogSink(sugar.Named("sink")), nil, nil
	}
}
