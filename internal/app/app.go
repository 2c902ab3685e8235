// -----------------------------------------------------------------------
// App - composition root wiring storage, queues, orchestration, and HTTP
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/artifacts"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/handlers"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/queue"
	"github.com/ternarybob/harmony/internal/services/events"
	"github.com/ternarybob/harmony/internal/services/registry"
	badgerstorage "github.com/ternarybob/harmony/internal/storage/badger"
	"github.com/ternarybob/harmony/internal/workflow"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	StorageManager *badgerstorage.Manager
	ArtifactStore  artifacts.Store

	// Queues
	QueueManager interfaces.QueueManager

	// Orchestration services
	EventService  interfaces.EventService
	ChainRegistry interfaces.ChainRegistry
	Scheduler     *workflow.Scheduler
	Updater       *workflow.Updater
	Preprocessor  *workflow.Preprocessor
	Processor     *workflow.Processor
	JobService    *workflow.JobManager
	Reaper        *workflow.Reaper
	Janitor       *workflow.Janitor

	// Background schedules
	cron *cron.Cron

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	JobHandler      *handlers.JobHandler
	WorkHandler     *handlers.WorkHandler
	CallbackHandler *handlers.CallbackHandler
	WSHandler       *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initStorage(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initQueues(); err != nil {
		app.StorageManager.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize queues: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.QueueManager.Close()
		app.StorageManager.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Int("chains", len(app.ChainRegistry.Chains())).
		Str("environment", cfg.Environment).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage initializes the Badger storage layer and the artifact bucket.
func (a *App) initStorage() error {
	storageManager, err := badgerstorage.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	artifactStore, err := artifacts.NewFilesystemStore(a.Config.Storage.Artifacts.Bucket, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create artifact store: %w", err)
	}
	a.ArtifactStore = artifactStore
	a.Logger.Debug().
		Str("bucket", a.Config.Storage.Artifacts.Bucket).
		Msg("Artifact store initialized")

	return nil
}

// initQueues creates the update queues on the shared Badger handle and
// hooks work-item inserts to service wake-ups.
func (a *App) initQueues() error {
	queueManager, err := queue.NewManager(a.StorageManager.Badger(), a.Config.Queue.MaxReceive)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	a.QueueManager = queueManager

	// Committed work-item inserts nudge the wake-up queue so pollers for
	// that service find the new work on their next pass.
	wakeUps := queueManager.WakeUps()
	a.StorageManager.SetItemsCreatedListener(func(serviceID string, count int) {
		if err := wakeUps.Wake(context.Background(), serviceID); err != nil {
			a.Logger.Warn().Err(err).Str("service_id", serviceID).Msg("Failed to wake service")
		}
	})

	return nil
}

// initServices initializes orchestration services in dependency order.
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	chainRegistry, err := registry.Load(a.Config.Chains.Path, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load service chains: %w", err)
	}
	a.ChainRegistry = chainRegistry

	opts := workflow.OptionsFromConfig(&a.Config.Orchestration)

	a.Scheduler = workflow.NewScheduler(a.StorageManager, a.QueueManager, opts, a.Logger)
	a.Updater = workflow.NewUpdater(a.StorageManager, a.QueueManager, a.ArtifactStore, a.EventService, opts, a.Logger)
	a.Preprocessor = workflow.NewPreprocessor(a.StorageManager, a.ArtifactStore, a.Logger)
	a.Processor = workflow.NewProcessor(a.QueueManager, a.Preprocessor, a.Updater, &a.Config.Queue, a.Logger)
	a.JobService = workflow.NewJobManager(a.StorageManager, a.QueueManager, a.ChainRegistry, a.EventService, opts, a.Logger)
	a.Reaper = workflow.NewReaper(a.StorageManager, a.Updater, &a.Config.Reaper, a.Logger)
	a.Janitor = workflow.NewJanitor(a.StorageManager, a.Logger)

	return nil
}

// initHandlers initializes the HTTP handler layer.
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.StorageManager.LinkStorage(), a.StorageManager.MessageStorage(), a.Logger)
	a.WorkHandler = handlers.NewWorkHandler(a.Scheduler, a.Updater, a.StorageManager.WorkItemStorage(), a.Logger)
	a.CallbackHandler = handlers.NewCallbackHandler(a.Updater, a.StorageManager.JobStorage(), a.StorageManager.WorkItemStorage(), a.ArtifactStore, a.Logger)
}

// Start launches the update processors and the cron-driven background
// tasks: the reaper, the user-work janitor, and Badger value-log GC.
func (a *App) Start() error {
	a.Processor.Start(a.ctx)
	a.Logger.Debug().Msg("Update processors started")

	a.cron = cron.New()

	if _, err := a.cron.AddFunc(a.Config.Reaper.Schedule, func() {
		a.Reaper.Run(a.ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	if _, err := a.cron.AddFunc(a.Config.Reaper.JanitorSchedule, func() {
		a.Janitor.Run(a.ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	if _, err := a.cron.AddFunc(a.Config.Storage.Badger.GCSchedule, func() {
		if err := a.StorageManager.RunGC(); err != nil {
			a.Logger.Debug().Err(err).Msg("Value-log GC pass skipped")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule storage GC: %w", err)
	}

	a.cron.Start()
	a.Logger.Info().
		Str("reaper_schedule", a.Config.Reaper.Schedule).
		Str("janitor_schedule", a.Config.Reaper.JanitorSchedule).
		Msg("Background schedules started")

	return nil
}

// Shutdown stops background work and releases storage. Safe to call once.
func (a *App) Shutdown() {
	a.Logger.Info().Msg("Shutting down application...")

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		<-cronCtx.Done()
	}

	a.Processor.Stop()
	a.cancelCtx()

	if err := a.QueueManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Queue manager close failed")
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event service close failed")
		}
	}
	if err := a.StorageManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}

	a.Logger.Info().Msg("Application stopped")
}
