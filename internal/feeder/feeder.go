// Package feeder moves due notifications from the store into the app runners.
package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Target receives fetched notifications.
type Target interface {
	// Enqueue returns how many notifications were queued. The rest have been
	// handed back to the store.
	Enqueue(ctx context.Context, notifications []*push.Notification) int
	// TotalQueued is the number of notifications still waiting in memory.
	TotalQueued() int
}

// Config tunes the feeder.
type Config struct {
	// BatchSize caps the notifications held in memory at once.
	BatchSize    int
	PollInterval time.Duration
}

// Feeder polls the store for deliverable notifications.
type Feeder struct {
	store     push.Store
	target    Target
	cfg       Config
	reflector push.Reflector
	logger    *slog.Logger
	wake      chan struct{}
}

// New creates a feeder. Zero config values fall back to a batch size of 100
// and a two second poll.
func New(store push.Store, target Target, cfg Config, reflector push.Reflector, logger *slog.Logger) *Feeder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Feeder{
		store:     store,
		target:    target,
		cfg:       cfg,
		reflector: reflector,
		logger:    logger.With("component", "Feeder"),
		wake:      make(chan struct{}, 1),
	}
}

// Run feeds until ctx is cancelled, sleeping PollInterval between rounds.
func (f *Feeder) Run(ctx context.Context) {
	defer f.store.ReleaseConnection()
	f.logger.Info("Feeder started", "batch_size", f.cfg.BatchSize, "poll", f.cfg.PollInterval)
	for {
		f.feed(ctx)
		if !f.sleep(ctx) {
			f.logger.Info("Feeder stopped")
			return
		}
	}
}

// Wakeup cuts the current sleep short so newly due work is picked up.
func (f *Feeder) Wakeup() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Push enqueues every currently deliverable notification and returns how
// many were queued. It stops once a round fetches nothing it has not seen
// before, so notifications the target hands straight back cannot keep it
// looping.
func (f *Feeder) Push(ctx context.Context) (int, error) {
	defer f.store.ReleaseConnection()
	total := 0
	seen := make(map[string]struct{})
	for ctx.Err() == nil {
		ns, err := f.store.DeliverableNotifications(ctx, f.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to fetch deliverable notifications: %w", err)
		}
		fresh := 0
		for _, n := range ns {
			if _, ok := seen[n.ID]; !ok {
				seen[n.ID] = struct{}{}
				fresh++
			}
		}
		if fresh == 0 {
			if len(ns) > 0 {
				// Hand back the repeats we are not going to queue.
				if err := f.store.ReleaseProcessing(ctx, ns); err != nil {
					f.logger.Error("Failed to release repeated notifications", "count", len(ns), "err", err)
				}
				f.logger.Warn("Stopping push; only previously fetched notifications remain", "count", len(ns))
			}
			break
		}
		total += f.target.Enqueue(ctx, ns)
	}
	return total, ctx.Err()
}

func (f *Feeder) feed(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("feeder panic: %v", r)
			f.logger.Error("Feeder panicked", "panic", r, "stack", string(debug.Stack()))
			f.reflect(push.Event{Kind: push.EventError, Err: err})
		}
	}()

	budget := max(0, f.cfg.BatchSize-f.target.TotalQueued())
	if budget == 0 {
		return
	}
	ns, err := f.store.DeliverableNotifications(ctx, budget)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Error("Failed to fetch deliverable notifications", "err", err)
			f.reflect(push.Event{Kind: push.EventError, Err: err})
		}
		return
	}
	if len(ns) == 0 {
		return
	}
	queued := f.target.Enqueue(ctx, ns)
	f.logger.Debug("Enqueued notifications", "fetched", len(ns), "queued", queued, "budget", budget)
}

// sleep waits out the poll interval. It returns false once ctx is done.
func (f *Feeder) sleep(ctx context.Context) bool {
	timer := time.NewTimer(f.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-f.wake:
	case <-timer.C:
	}
	return true
}

func (f *Feeder) reflect(e push.Event) {
	if f.reflector != nil {
		f.reflector.Reflect(e)
	}
}
