// Package pushdaemon assembles the push delivery daemon: the store, the app
// runners, the feeder, the synchronizer, optional Pub/Sub ingestion and the
// admin HTTP server.
package pushdaemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-daemon/internal/api"
	"github.com/tinywideclouds/go-push-daemon/internal/feeder"
	"github.com/tinywideclouds/go-push-daemon/internal/pipeline"
	"github.com/tinywideclouds/go-push-daemon/internal/runner"
	"github.com/tinywideclouds/go-push-daemon/internal/synchronizer"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
	"github.com/tinywideclouds/go-push-daemon/pushdaemon/config"
)

// Dependencies are the collaborators built by the caller.
type Dependencies struct {
	Store     push.Store
	Providers runner.ProviderSource
	Reflector push.Reflector
	// Consumer enables Pub/Sub ingestion when non-nil.
	Consumer messagepipeline.MessageConsumer
	// AuthMiddleware guards the admin API; nil leaves it open.
	AuthMiddleware func(http.Handler) http.Handler
	// LogFile is reopened by ReopenLogs; nil when logging to stdout.
	LogFile *LogFile
}

// Daemon owns every long running part of the process.
type Daemon struct {
	*microservice.BaseServer

	cfg             *config.Config
	store           push.Store
	registry        *runner.Registry
	feeder          *feeder.Feeder
	synchronizer    *synchronizer.Synchronizer
	pipelineService *messagepipeline.StreamingService[push.NotificationRequest]
	logFile         *LogFile
	logger          *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the daemon without starting anything.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Daemon, error) {
	if deps.Store == nil || deps.Providers == nil {
		return nil, errors.New("store and providers are required")
	}

	// 1. Runners
	registry := runner.NewRegistry(runner.RegistryConfig{
		Providers:  deps.Providers,
		Store:      deps.Store,
		Reflector:  deps.Reflector,
		Logger:     logger,
		RatePerSec: cfg.RatePerSec,
	})

	// 2. Feeder and Synchronizer
	f := feeder.New(deps.Store, registry, feeder.Config{
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PushPoll,
	}, deps.Reflector, logger)

	s, err := synchronizer.New(deps.Store, registry, cfg.SyncSchedule, deps.Reflector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create synchronizer: %w", err)
	}

	d := &Daemon{
		BaseServer:   microservice.NewBaseServer(logger, cfg.ListenAddr),
		cfg:          cfg,
		store:        deps.Store,
		registry:     registry,
		feeder:       f,
		synchronizer: s,
		logFile:      deps.LogFile,
		logger:       logger,
	}

	// 3. Pipeline
	if deps.Consumer != nil {
		processor := pipeline.NewProcessor(deps.Store, d, logger)
		d.pipelineService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.Ingestion.NumPipelineWorkers},
			deps.Consumer,
			pipeline.NotificationRequestTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 4. Admin API
	authMiddleware := deps.AuthMiddleware
	if authMiddleware == nil {
		authMiddleware = func(h http.Handler) http.Handler { return h }
	}
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	mux := d.Mux()
	api.NewAdminAPI(deps.Store, d, logger).Register(mux, func(h http.Handler) http.Handler {
		return corsMiddleware(authMiddleware(h))
	})
	mux.Handle("OPTIONS /admin/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return d, nil
}

// Registry exposes the running app runners.
func (d *Daemon) Registry() *runner.Registry { return d.registry }

// Start seeds configured apps, runs the first sync, starts the background
// loops and then serves HTTP until Shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	if err := d.prepare(runCtx); err != nil {
		cancel()
		return err
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.synchronizer.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.feeder.Run(runCtx)
	}()

	if d.pipelineService != nil {
		d.logger.Info("Ingestion pipeline starting...")
		if err := d.pipelineService.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}

	d.SetReady(true)
	d.logger.Info("Daemon is now ready.", "apps", len(d.registry.AppIDs()))
	return d.BaseServer.Start()
}

// Push delivers everything currently deliverable and returns once it has
// been dispatched, without serving HTTP.
func (d *Daemon) Push(ctx context.Context) (int, error) {
	if err := d.prepare(ctx); err != nil {
		return 0, err
	}
	count, err := d.feeder.Push(ctx)
	d.registry.StopAll(ctx)
	if err != nil {
		return count, err
	}
	d.logger.Info("Push complete", "notifications", count)
	return count, nil
}

func (d *Daemon) prepare(ctx context.Context) error {
	for _, app := range d.cfg.Apps {
		if err := d.store.SaveApp(ctx, app); err != nil {
			return fmt.Errorf("failed to seed app %s: %w", app.ID, err)
		}
	}
	if err := d.synchronizer.Sync(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}
	return nil
}

// Shutdown stops ingestion and feeding, drains the runners and closes the
// store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("Shutting down daemon components...")
	var errs []error

	if d.pipelineService != nil {
		if err := d.pipelineService.Stop(ctx); err != nil {
			d.logger.Error("Ingestion pipeline shutdown failed.", "err", err)
			errs = append(errs, err)
		}
	}
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	d.registry.StopAll(ctx)

	if err := d.BaseServer.Shutdown(ctx); err != nil {
		d.logger.Error("HTTP server shutdown failed.", "err", err)
		errs = append(errs, err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("Store close failed.", "err", err)
		errs = append(errs, err)
	}
	d.logger.Info("Daemon shutdown complete.")
	return errors.Join(errs...)
}

// --- Control channel ---

// TriggerSync requests an immediate app sync.
func (d *Daemon) TriggerSync() { d.synchronizer.Trigger() }

// Wakeup cuts the feeder's current sleep short.
func (d *Daemon) Wakeup() { d.feeder.Wakeup() }

// ReopenLogs reopens the log file and lets the store do the same.
func (d *Daemon) ReopenLogs() {
	if d.logFile != nil {
		if err := d.logFile.Reopen(); err != nil {
			d.logger.Error("Failed to reopen log file", "err", err)
		}
	}
	d.store.ReopenLog()
}

// Status is the debug snapshot served by the admin API and dumped on USR2.
type Status struct {
	StoreType config.StoreType `json:"store_type"`
	Queued    int              `json:"queued"`
	// Pending is -1 when the store could not be asked.
	Pending int             `json:"pending"`
	Runners []runner.Status `json:"runners"`
}

func (d *Daemon) Status() any { return d.snapshot(context.Background()) }

func (d *Daemon) snapshot(ctx context.Context) Status {
	pending, err := d.store.PendingDeliveryCount(ctx)
	if err != nil {
		d.logger.Warn("Failed to count pending notifications", "err", err)
		pending = -1
	}
	return Status{
		StoreType: d.cfg.StoreType,
		Queued:    d.registry.TotalQueued(),
		Pending:   pending,
		Runners:   d.registry.Status(),
	}
}

// DumpStatus logs the debug snapshot.
func (d *Daemon) DumpStatus(ctx context.Context) {
	s := d.snapshot(ctx)
	d.logger.Info("Status dump", "store_type", s.StoreType, "queued", s.Queued, "pending", s.Pending, "runners", len(s.Runners))
	for _, r := range s.Runners {
		d.logger.Info("Runner status",
			"app_id", r.AppID,
			"service", r.Service,
			"queued_notifications", r.QueuedNotifications,
			"dispatchers", len(r.Dispatchers),
			"auxiliary_loops", r.AuxiliaryLoops,
			"started_at", r.StartedAt,
		)
	}
}
