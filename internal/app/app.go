package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/handlers"
	"github.com/Profusion-AI/cardmint/internal/inference"
	"github.com/Profusion-AI/cardmint/internal/metrics"
	"github.com/Profusion-AI/cardmint/internal/operator"
	"github.com/Profusion-AI/cardmint/internal/pipeline"
	"github.com/Profusion-AI/cardmint/internal/queue"
	"github.com/Profusion-AI/cardmint/internal/reference"
	"github.com/Profusion-AI/cardmint/internal/resolver"
	"github.com/Profusion-AI/cardmint/internal/server"
	"github.com/Profusion-AI/cardmint/internal/session"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
	"github.com/Profusion-AI/cardmint/internal/watcher"
	"github.com/Profusion-AI/cardmint/internal/webhook"
	"github.com/Profusion-AI/cardmint/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	db       *sqlite.DB
	queueDB  *badger.DB
	Scans    *sqlite.ScanStorage
	Sessions *sqlite.SessionStorage

	// Core plumbing
	Bus          *events.Bus
	QueueManager *queue.Manager
	Pool         *worker.Pool

	// Reference data
	Catalog *catalog.Service
	Prices  *reference.Service

	// Pipeline
	Resolver     *resolver.Resolver
	Quota        *inference.QuotaTracker
	Orchestrator *inference.Orchestrator
	Preprocessor *inference.Preprocessor
	Processor    *pipeline.Processor
	Watcher      *watcher.Watcher

	// Operator surface
	SessionService  *session.Service
	OperatorService *operator.Service

	// Observability
	Metrics  *metrics.Metrics
	Notifier *webhook.Notifier

	// HTTP handlers, consumed by server.New
	Handlers server.Handlers
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := a.initStorage(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := a.initServices(); err != nil {
		cancel()
		a.closeStorage()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	a.initHandlers()

	logger.Info().
		Int("catalog_cards", a.Catalog.Snapshot().Size()).
		Int("price_entries", a.Prices.Size()).
		Msg("Application initialization complete")

	return a, nil
}

// initStorage opens SQLite, Badger, and the image directories.
func (a *App) initStorage() error {
	cfg := a.Config

	for _, dir := range []string{cfg.Storage.Images.Raw, cfg.Storage.Images.Processed, cfg.Storage.Images.Master} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create image directory %s: %w", dir, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sqlite.New(a.Logger, &cfg.Storage.SQLite)
	if err != nil {
		return err
	}
	a.db = db
	a.Scans = sqlite.NewScanStorage(db)
	a.Sessions = sqlite.NewSessionStorage(db)

	if cfg.Storage.Badger.ResetOnStartup {
		a.Logger.Warn().Str("path", cfg.Storage.Badger.Path).Msg("Resetting queue storage on startup")
		if err := os.RemoveAll(cfg.Storage.Badger.Path); err != nil {
			return fmt.Errorf("failed to reset queue storage: %w", err)
		}
	}
	opts := badger.DefaultOptions(cfg.Storage.Badger.Path).WithLogger(nil)
	queueDB, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open queue storage: %w", err)
	}
	a.queueDB = queueDB

	a.QueueManager, err = queue.NewManager(queueDB, a.Logger,
		common.MustDuration(cfg.Queue.VisibilityTimeout), cfg.Queue.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}

	return nil
}

// initServices wires the catalog, pipeline, and operator services.
func (a *App) initServices() error {
	cfg := a.Config
	a.Bus = events.NewBus(a.Logger)

	var err error
	a.Catalog, err = catalog.NewService(a.Logger, &cfg.Catalog)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	a.Prices, err = reference.NewService(a.Logger, &cfg.Catalog)
	if err != nil {
		return fmt.Errorf("failed to load price reference: %w", err)
	}

	symbols, err := catalog.LoadSymbolMatcher(a.Logger, cfg.Catalog.IconsDir)
	if err != nil {
		return fmt.Errorf("failed to load set symbol icons: %w", err)
	}
	a.Resolver = resolver.New(a.Logger, &cfg.Resolver, symbols, a.Prices)

	a.Quota = inference.NewQuotaTracker(cfg.Inference.DailyQuota, cfg.Inference.QuotaWarning)
	primary, err := inference.NewPrimaryProvider(a.ctx, a.Logger, &cfg.Inference)
	if err != nil {
		return fmt.Errorf("failed to initialize inference provider: %w", err)
	}
	fallback := inference.NewFallbackProvider(a.Logger, &cfg.Inference)
	a.Orchestrator = inference.NewOrchestrator(a.Logger, a.Bus, primary, fallback, a.Quota, &cfg.Inference)
	a.Preprocessor = inference.NewPreprocessor(a.Logger, cfg.Inference.TargetImageBytes)

	a.Pool = worker.NewPool(a.QueueManager, a.Bus, a.Logger, &cfg.Queue)
	a.Processor = pipeline.New(a.Logger, a.Bus, a.Scans, a.QueueManager,
		a.Catalog, a.Resolver, a.Orchestrator, a.Preprocessor, cfg.Storage.Images)
	if err := a.Processor.Register(a.Pool); err != nil {
		return fmt.Errorf("failed to register pipeline handlers: %w", err)
	}

	a.Watcher = watcher.New(a.Logger, a.Bus, a.QueueManager, &cfg.Watcher)
	a.SessionService = session.NewService(a.Logger, a.Bus, a.Sessions, a.Scans, &cfg.Session)
	a.OperatorService = operator.NewService(a.Logger, a.Bus, a.Scans, a.Sessions, a.QueueManager, a.Catalog)

	a.Metrics = metrics.New(a.QueueManager)
	if err := a.Metrics.Subscribe(a.Bus); err != nil {
		return fmt.Errorf("failed to subscribe metrics: %w", err)
	}
	a.Notifier = webhook.NewNotifier(a.Logger, &cfg.Webhook, a.Prices)
	if a.Notifier != nil {
		if err := a.Notifier.Subscribe(a.Bus); err != nil {
			return fmt.Errorf("failed to subscribe webhook notifier: %w", err)
		}
	}

	return nil
}

// initHandlers builds the HTTP handler set for server.New.
func (a *App) initHandlers() {
	a.Handlers = server.Handlers{
		API:     handlers.NewAPIHandler(),
		Status:  handlers.NewStatusHandler(a.Logger, a.QueueManager, a.Pool, a.Watcher, a.Scans, a.Catalog, a.Quota),
		Scans:   handlers.NewScanHandler(a.Logger, a.Scans, a.OperatorService),
		Session: handlers.NewSessionHandler(a.Logger, a.SessionService),
		Queue:   handlers.NewQueueHandler(a.Logger, a.QueueManager, a.Pool, a.Watcher),
		Catalog: handlers.NewCatalogHandler(a.Logger, a.Catalog, a.Prices),
		Metrics: a.Metrics.Handler(),
	}
}

// Start launches the worker pool, capture watcher, and session service.
func (a *App) Start() error {
	if err := a.Pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := a.Watcher.Start(); err != nil {
		return fmt.Errorf("failed to start capture watcher: %w", err)
	}
	if err := a.SessionService.Start(); err != nil {
		return fmt.Errorf("failed to start session service: %w", err)
	}

	a.Logger.Info().
		Str("drop_dir", a.Config.Watcher.DropDir).
		Int("workers", a.Config.Queue.Workers).
		Msg("Pipeline started")
	return nil
}

// Close stops intake first so the pool can drain in-flight jobs, then
// releases storage.
func (a *App) Close() error {
	a.Watcher.Stop()
	if err := a.Pool.Stop(); err != nil {
		a.Logger.Warn().Err(err).Msg("Worker pool did not drain cleanly")
	}
	a.SessionService.Stop()
	a.cancelCtx()
	a.closeStorage()
	a.Logger.Info().Msg("Application stopped")
	return nil
}

func (a *App) closeStorage() {
	if a.queueDB != nil {
		if err := a.queueDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue storage")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
