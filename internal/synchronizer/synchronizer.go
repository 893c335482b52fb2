// Package synchronizer reconciles running app runners with the apps in the
// store.
package synchronizer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/robfig/cron/v3"

	"github.com/tinywideclouds/go-push-daemon/internal/runner"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Synchronizer keeps the registry in line with stored app configuration.
type Synchronizer struct {
	store     push.Store
	registry  *runner.Registry
	reflector push.Reflector
	logger    *slog.Logger
	parser    cron.Parser
	schedule  string
	trigger   chan struct{}
}

// New creates a synchronizer. schedule is a cron expression (seconds
// optional, descriptors such as "@every 1m" accepted); empty disables
// periodic syncs so only Trigger and direct Sync calls run.
func New(store push.Store, registry *runner.Registry, schedule string, reflector push.Reflector, logger *slog.Logger) (*Synchronizer, error) {
	s := &Synchronizer{
		store:     store,
		registry:  registry,
		reflector: reflector,
		logger:    logger.With("component", "Synchronizer"),
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedule:  schedule,
		trigger:   make(chan struct{}, 1),
	}
	if schedule != "" {
		if _, err := s.parser.Parse(schedule); err != nil {
			return nil, fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
		}
	}
	return s, nil
}

// Sync starts runners for new apps, restarts runners whose credentials
// changed, resizes the rest and stops runners for apps no longer stored.
func (s *Synchronizer) Sync(ctx context.Context) error {
	apps, err := s.store.AllApps(ctx)
	if err != nil {
		return fmt.Errorf("failed to load apps: %w", err)
	}

	known := make(map[string]bool, len(apps))
	for _, app := range apps {
		known[app.ID] = true
		s.syncApp(ctx, app)
	}

	for _, id := range s.registry.AppIDs() {
		if !known[id] {
			s.logger.Info("Stopping removed app", "app_id", id)
			s.registry.StopApp(ctx, id)
		}
	}
	return nil
}

func (s *Synchronizer) syncApp(ctx context.Context, app push.App) {
	ar, running := s.registry.Runner(app.ID)
	switch {
	case !running:
		// Start failures are logged and reflected by the registry; the next
		// sync retries.
		_ = s.registry.StartApp(ctx, app)
	case ar.Fingerprint() != app.CredentialFingerprint():
		s.logger.Info("Credentials changed, restarting app", "app_id", app.ID)
		_ = s.registry.RestartApp(ctx, app)
	default:
		if err := ar.SyncDispatchers(ctx, app); err != nil {
			s.logger.Error("Failed to resize dispatchers", "app_id", app.ID, "err", err)
			s.reflect(push.Event{Kind: push.EventError, AppID: app.ID, Err: err})
		}
	}
}

// Trigger requests a sync from Run without blocking.
func (s *Synchronizer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run serves triggers and the cron schedule until ctx is cancelled. Syncs
// never overlap.
func (s *Synchronizer) Run(ctx context.Context) {
	var c *cron.Cron
	if s.schedule != "" {
		c = cron.New(cron.WithParser(s.parser))
		if _, err := c.AddFunc(s.schedule, s.Trigger); err != nil {
			s.logger.Error("Failed to schedule sync", "schedule", s.schedule, "err", err)
			c = nil
		} else {
			c.Start()
			s.logger.Info("Periodic sync scheduled", "schedule", s.schedule)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if c != nil {
				<-c.Stop().Done()
			}
			return
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *Synchronizer) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sync panicked", "panic", r, "stack", string(debug.Stack()))
			s.reflect(push.Event{Kind: push.EventError, Err: fmt.Errorf("sync panic: %v", r)})
		}
	}()
	if err := s.Sync(ctx); err != nil {
		s.logger.Error("Sync failed", "err", err)
		s.reflect(push.Event{Kind: push.EventError, Err: err})
	}
}

func (s *Synchronizer) reflect(e push.Event) {
	if s.reflector != nil {
		s.reflector.Reflect(e)
	}
}
