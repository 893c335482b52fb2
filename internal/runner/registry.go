package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/delivery"
	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// ProviderSource resolves the provider implementation for a service kind.
type ProviderSource interface {
	Provider(kind push.ServiceKind) (dispatch.Provider, error)
}

// RegistryConfig carries the collaborators shared by every runner.
type RegistryConfig struct {
	Providers  ProviderSource
	Store      push.Store
	Reflector  push.Reflector
	Logger     *slog.Logger
	RatePerSec int
	DrainPoll  time.Duration
}

// Registry holds the running AppRunners, keyed by app id.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	// lifecycle serialises starts and stops so an app is never started twice.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	runners map[string]*AppRunner
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "Registry"),
		runners: make(map[string]*AppRunner),
	}
}

// StartApp starts a runner for app unless one is already running. Failures,
// panics included, are logged and reflected and the runner is discarded.
func (r *Registry) StartApp(ctx context.Context, app push.App) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.startLocked(ctx, app)
}

func (r *Registry) startLocked(ctx context.Context, app push.App) (err error) {
	if _, ok := r.Runner(app.ID); ok {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic starting app %s: %v", app.ID, rec)
			r.logger.Error("App start panicked", "app_id", app.ID, "panic", rec, "stack", string(debug.Stack()))
		}
		if err != nil {
			r.logger.Error("Failed to start app", "app_id", app.ID, "service", app.Service, "err", err)
			r.reflect(push.Event{Kind: push.EventError, AppID: app.ID, Err: err})
		}
	}()

	provider, err := r.cfg.Providers.Provider(app.Service)
	if err != nil {
		return err
	}
	ar := New(Config{
		App:        app,
		Provider:   provider,
		Store:      r.cfg.Store,
		Reflector:  r.cfg.Reflector,
		Logger:     r.cfg.Logger,
		RatePerSec: r.cfg.RatePerSec,
		DrainPoll:  r.cfg.DrainPoll,
	})
	if err := ar.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.runners[app.ID] = ar
	r.mu.Unlock()
	r.reflect(push.Event{Kind: push.EventAppStarted, AppID: app.ID})
	return nil
}

// StopApp drains and stops the runner for id, if any.
func (r *Registry) StopApp(ctx context.Context, id string) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stopLocked(ctx, id)
}

func (r *Registry) stopLocked(ctx context.Context, id string) {
	r.mu.Lock()
	ar, ok := r.runners[id]
	delete(r.runners, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	ar.Stop(ctx)
	r.reflect(push.Event{Kind: push.EventAppStopped, AppID: id})
}

// RestartApp replaces the running runner for app with a fresh one.
func (r *Registry) RestartApp(ctx context.Context, app push.App) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stopLocked(ctx, app.ID)
	return r.startLocked(ctx, app)
}

// Runner returns the runner for id.
func (r *Registry) Runner(id string) (*AppRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ar, ok := r.runners[id]
	return ar, ok
}

// AppIDs returns the ids of running apps, sorted.
func (r *Registry) AppIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Enqueue routes notifications to their app runners, starting runners for
// apps that are not running yet, and returns how many were queued.
// Notifications whose app cannot be started are rescheduled with exponential
// backoff so they stop heading the deliverable order; those refused by a
// stopping runner are released as they are.
func (r *Registry) Enqueue(ctx context.Context, notifications []*push.Notification) int {
	var order []string
	byApp := make(map[string][]*push.Notification)
	for _, n := range notifications {
		if _, ok := byApp[n.AppID]; !ok {
			order = append(order, n.AppID)
		}
		byApp[n.AppID] = append(byApp[n.AppID], n)
	}

	queued := 0
	for _, appID := range order {
		group := byApp[appID]
		ar, err := r.ensureRunner(ctx, appID)
		if err != nil {
			r.logger.Warn("Notifications rescheduled", "app_id", appID, "count", len(group), "err", err)
			r.reschedule(ctx, group, err)
			continue
		}
		if err := ar.Enqueue(group); err != nil {
			r.logger.Warn("Notifications not enqueued", "app_id", appID, "count", len(group), "err", err)
			if relErr := r.cfg.Store.ReleaseProcessing(ctx, group); relErr != nil {
				r.logger.Error("Failed to release notifications", "app_id", appID, "err", relErr)
			}
			continue
		}
		queued += len(group)
	}
	return queued
}

func (r *Registry) reschedule(ctx context.Context, ns []*push.Notification, cause error) {
	b := batch.New(ns, r.cfg.Store, r.cfg.Reflector, r.logger)
	d := delivery.New(b, r.logger)
	for _, n := range ns {
		d.MarkRetryableExponential(n, cause)
	}
	b.AllProcessed(ctx)
}

func (r *Registry) ensureRunner(ctx context.Context, appID string) (*AppRunner, error) {
	if ar, ok := r.Runner(appID); ok {
		return ar, nil
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if ar, ok := r.Runner(appID); ok {
		return ar, nil
	}
	app, err := r.cfg.Store.App(ctx, appID)
	if err != nil {
		if errors.Is(err, push.ErrNotFound) {
			return nil, fmt.Errorf("app %s is not registered: %w", appID, err)
		}
		return nil, fmt.Errorf("failed to load app %s: %w", appID, err)
	}
	if err := r.startLocked(ctx, *app); err != nil {
		return nil, err
	}
	ar, _ := r.Runner(appID)
	return ar, nil
}

// TotalQueued is the number of notifications queued across every runner.
func (r *Registry) TotalQueued() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, ar := range r.runners {
		total += ar.QueueSize()
	}
	return total
}

// StopAll drains and stops every runner concurrently.
func (r *Registry) StopAll(ctx context.Context) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	var wg sync.WaitGroup
	for _, id := range r.AppIDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.stopLocked(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Status returns a snapshot of every runner, ordered by app id.
func (r *Registry) Status() []Status {
	var out []Status
	for _, id := range r.AppIDs() {
		if ar, ok := r.Runner(id); ok {
			out = append(out, ar.Status())
		}
	}
	return out
}

func (r *Registry) reflect(e push.Event) {
	if r.cfg.Reflector != nil {
		r.cfg.Reflector.Reflect(e)
	}
}
