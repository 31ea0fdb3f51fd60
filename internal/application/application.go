package application

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/config"
	"sandbox-migrate/internal/deploy"
	"sandbox-migrate/internal/display"
	appErrors "sandbox-migrate/internal/errors"
	"sandbox-migrate/internal/logging"
	"sandbox-migrate/internal/migration"
	"sandbox-migrate/internal/restore"
	"sandbox-migrate/internal/sandbox"
)

// App wires the catalog, engines, orchestrator, packager and coordinator
// together behind one handle the CLI drives.
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Printer      *display.Printer
	Catalog      backup.Catalog
	Engine       *backup.Engine
	Validator    *backup.Validator
	Orchestrator *restore.Orchestrator
	Packager     *migration.Packager
	Coordinator  *deploy.Coordinator

	adapter         sandbox.SnapshotAdapter
	shutdownHandler *appErrors.GracefulShutdownHandler
}

// Dependencies are the capability implementations the app is built on.
// Tests supply mocks; the CLI supplies the tool adapter and SSH executor.
type Dependencies struct {
	Adapter      sandbox.SnapshotAdapter
	Introspector sandbox.ConfigIntrospector
	Executor     sandbox.RemoteExecutor
}

// New builds a fully wired application from configuration and capability
// implementations.
func New(cfg *config.Config, deps Dependencies) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Adapter == nil {
		return nil, fmt.Errorf("snapshot adapter is required")
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		LogFile: cfg.Logging.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	catalog, err := backup.NewFileCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	engine, err := backup.NewEngine(catalog, deps.Adapter, cfg.ArchiveDir, logger)
	if err != nil {
		return nil, err
	}

	orchestrator, err := restore.NewOrchestrator(catalog, deps.Adapter, cfg.StagingDir, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Offsite != nil {
		store, err := backup.NewArchiveStoreFactory().CreateArchiveStore(context.Background(), *cfg.Offsite)
		if err != nil {
			return nil, err
		}
		// An unreachable store only degrades replication, never the local
		// backup path.
		if err := store.HealthCheck(context.Background()); err != nil {
			logger.Warnf("Offsite archive store failed health check: %v", err)
		}
		engine.SetOffsiteStore(store)
		orchestrator.SetOffsiteStore(store)
	}

	app := &App{
		Config:          cfg,
		Logger:          logger,
		Printer:         display.NewPrinter(os.Stdout),
		Catalog:         catalog,
		Engine:          engine,
		Validator:       backup.NewValidator(),
		Orchestrator:    orchestrator,
		adapter:         deps.Adapter,
		shutdownHandler: appErrors.NewGracefulShutdownHandler(),
	}

	if deps.Introspector != nil {
		packager, err := migration.NewPackager(catalog, engine, deps.Introspector, logger)
		if err != nil {
			return nil, err
		}
		app.Packager = packager
	}

	if deps.Executor != nil {
		coordinator, err := deploy.NewCoordinator(deps.Executor, logger)
		if err != nil {
			return nil, err
		}
		app.Coordinator = coordinator
	}

	// Cleanup runs once whether the process exits normally or on a signal.
	app.OnShutdown(logger.Close)
	app.shutdownHandler.Start()

	return app, nil
}

// Context returns a context cancelled on SIGINT or SIGTERM, so long
// operations stop at a clean point instead of being killed mid-write.
func (a *App) Context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			a.Logger.Warnf("Received %s, finishing current step before exit", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// Shutdown stops signal handling and runs the registered cleanup functions.
func (a *App) Shutdown() {
	a.shutdownHandler.Stop()
	a.shutdownHandler.Shutdown()
}

// OnShutdown registers a cleanup function to run at shutdown.
func (a *App) OnShutdown(fn func() error) {
	a.shutdownHandler.RegisterShutdownFunc(fn)
}
