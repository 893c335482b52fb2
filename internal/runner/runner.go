// Package runner supervises the per-app dispatcher pools and routes
// notifications onto their queues.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// DefaultDrainPoll is how often Stop checks whether the queue has drained.
const DefaultDrainPoll = 100 * time.Millisecond

// ErrStopped is returned by Enqueue once the runner has begun stopping.
var ErrStopped = errors.New("app runner is stopping")

// Config carries an AppRunner's collaborators.
type Config struct {
	App       push.App
	Provider  dispatch.Provider
	Store     push.Store
	Reflector push.Reflector
	Logger    *slog.Logger
	// RatePerSec throttles each dispatcher loop; zero disables it.
	RatePerSec int
	DrainPoll  time.Duration
}

// AppRunner owns the queue, dispatcher loops and auxiliary loops of one app.
type AppRunner struct {
	provider   dispatch.Provider
	store      push.Store
	reflector  push.Reflector
	logger     *slog.Logger
	base       *slog.Logger
	ratePerSec int
	drainPoll  time.Duration
	queue      *dispatch.Queue

	mu          sync.Mutex
	app         push.App
	fingerprint string
	runCtx      context.Context
	loops       []*dispatch.Loop
	nextLoopID  int
	aux         []dispatch.AuxiliaryLoop
	stopping    bool
	startedAt   time.Time
}

// New creates a runner for cfg.App. Nothing runs until Start.
func New(cfg Config) *AppRunner {
	drainPoll := cfg.DrainPoll
	if drainPoll <= 0 {
		drainPoll = DefaultDrainPoll
	}
	return &AppRunner{
		app:         cfg.App,
		fingerprint: cfg.App.CredentialFingerprint(),
		provider:    cfg.Provider,
		store:       cfg.Store,
		reflector:   cfg.Reflector,
		logger:      cfg.Logger.With("component", "AppRunner", "app_id", cfg.App.ID),
		base:        cfg.Logger,
		ratePerSec:  cfg.RatePerSec,
		drainPoll:   drainPoll,
		queue:       dispatch.NewQueue(),
	}
}

// App returns the app configuration the runner currently uses.
func (r *AppRunner) App() push.App {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.app
}

// Fingerprint is the credential fingerprint the runner was started with.
func (r *AppRunner) Fingerprint() string { return r.fingerprint }

// Start launches app.Connections dispatcher loops, at least one, each with its
// own provider dispatcher, followed by the provider's auxiliary loops. If any
// dispatcher cannot be built the loops already started are stopped again.
func (r *AppRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	// Loops outlive the caller's context; only Stop ends them.
	r.runCtx = context.WithoutCancel(ctx)
	r.startedAt = time.Now()
	want := max(1, r.app.Connections)
	app := r.app
	r.mu.Unlock()

	if err := r.IncrementDispatchers(ctx, want); err != nil {
		r.stopLoops(r.NumDispatcherLoops())
		return err
	}

	aux := r.provider.AuxiliaryLoops(app)
	for _, l := range aux {
		l.Start(r.runCtx)
	}
	r.mu.Lock()
	r.aux = aux
	r.mu.Unlock()

	r.logger.Info("App runner started", "service", app.Service, "dispatchers", want, "auxiliary_loops", len(aux))
	return nil
}

// Enqueue wraps notifications into batches and queues them. Providers that
// deliver whole batches get one payload per dispatcher loop; otherwise one
// batch covers all notifications and each notification is its own payload.
func (r *AppRunner) Enqueue(notifications []*push.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return ErrStopped
	}

	var payloads []batch.Payload
	if r.provider.BatchDeliveries() {
		for _, group := range splitGroups(notifications, len(r.loops)) {
			payloads = append(payloads, batch.Payload{Batch: r.newBatch(group)})
		}
	} else {
		b := r.newBatch(notifications)
		payloads = make([]batch.Payload, 0, len(notifications))
		for _, n := range notifications {
			payloads = append(payloads, batch.Payload{Batch: b, Notification: n})
		}
	}
	r.queue.Push(payloads...)

	if r.reflector != nil {
		for _, n := range notifications {
			r.reflector.Reflect(push.Event{Kind: push.EventNotificationEnqueued, AppID: r.app.ID, Notification: n})
		}
	}
	return nil
}

func (r *AppRunner) newBatch(ns []*push.Notification) *batch.Batch {
	return batch.New(ns, r.store, r.reflector, r.logger)
}

// splitGroups cuts ns into at most n groups of ceil(len/n) notifications.
// Small inputs may yield fewer groups than n, never empty ones.
func splitGroups(ns []*push.Notification, n int) [][]*push.Notification {
	n = max(1, n)
	size := (len(ns) + n - 1) / n
	groups := make([][]*push.Notification, 0, n)
	for start := 0; start < len(ns); start += size {
		end := min(start+size, len(ns))
		groups = append(groups, ns[start:end])
	}
	return groups
}

// Stop waits until the queue has drained, then stops every loop. If ctx ends
// first, whatever is still queued is handed back to the store.
func (r *AppRunner) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.mu.Unlock()

	r.waitForDrain(ctx)
	if leftover := r.queue.Drain(); len(leftover) > 0 {
		r.release(leftover)
	}

	r.stopLoops(r.NumDispatcherLoops())

	r.mu.Lock()
	aux := r.aux
	r.aux = nil
	r.mu.Unlock()
	for _, l := range aux {
		l.Stop()
	}
	r.logger.Info("App runner stopped")
}

func (r *AppRunner) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(r.drainPoll)
	defer ticker.Stop()
	for !r.queue.Empty() {
		if r.NumDispatcherLoops() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			r.logger.Warn("Gave up waiting for queue to drain", "queued", r.queue.Notifications())
			return
		case <-ticker.C:
		}
	}
}

func (r *AppRunner) release(payloads []batch.Payload) {
	var ns []*push.Notification
	for _, p := range payloads {
		ns = append(ns, p.Notifications()...)
	}
	ctx := context.Background()
	if err := r.store.ReleaseProcessing(ctx, ns); err != nil {
		r.logger.Error("Failed to release undispatched notifications", "count", len(ns), "err", err)
	}
	// Let shared batches commit what their dispatched notifications recorded.
	for _, p := range payloads {
		p.Processed(ctx)
	}
}

// IncrementDispatchers adds n dispatcher loops.
func (r *AppRunner) IncrementDispatchers(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := r.addLoop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *AppRunner) addLoop(ctx context.Context) error {
	r.mu.Lock()
	app := r.app
	runCtx := r.runCtx
	r.nextLoopID++
	id := r.nextLoopID
	r.mu.Unlock()

	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}
	d, err := r.provider.NewDispatcher(ctx, app)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher for app %s: %w", app.ID, err)
	}
	loop := dispatch.NewLoop(dispatch.LoopConfig{
		ID:         id,
		AppID:      app.ID,
		Queue:      r.queue,
		Dispatcher: d,
		Store:      r.store,
		Reflector:  r.reflector,
		RatePerSec: r.ratePerSec,
		Logger:     r.base,
	})
	loop.Start(runCtx)

	r.mu.Lock()
	r.loops = append(r.loops, loop)
	r.mu.Unlock()
	return nil
}

// DecrementDispatchers stops up to n loops, newest first. Each stop waits for
// that loop's in-flight dispatch.
func (r *AppRunner) DecrementDispatchers(n int) {
	r.stopLoops(n)
}

func (r *AppRunner) stopLoops(n int) {
	r.mu.Lock()
	n = min(n, len(r.loops))
	victims := append([]*dispatch.Loop(nil), r.loops[len(r.loops)-n:]...)
	r.loops = r.loops[:len(r.loops)-n]
	r.mu.Unlock()

	for _, l := range victims {
		l.Stop()
	}
}

// SyncDispatchers adopts app and resizes the pool to app.Connections.
func (r *AppRunner) SyncDispatchers(ctx context.Context, app push.App) error {
	r.mu.Lock()
	r.app = app
	r.mu.Unlock()

	want := max(1, app.Connections)
	have := r.NumDispatcherLoops()
	switch {
	case want > have:
		r.logger.Info("Adding dispatchers", "from", have, "to", want)
		return r.IncrementDispatchers(ctx, want-have)
	case want < have:
		r.logger.Info("Removing dispatchers", "from", have, "to", want)
		r.DecrementDispatchers(have - want)
	}
	return nil
}

// NumDispatcherLoops is the current pool size.
func (r *AppRunner) NumDispatcherLoops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// QueueSize is the number of queued notifications.
func (r *AppRunner) QueueSize() int { return r.queue.Notifications() }

// LoopStatus describes one dispatcher loop.
type LoopStatus struct {
	ID         int       `json:"id"`
	Dispatched int64     `json:"dispatched"`
	StartedAt  time.Time `json:"started_at"`
}

// Status is a debug snapshot of a runner.
type Status struct {
	AppID               string           `json:"app_id"`
	Name                string           `json:"name"`
	Service             push.ServiceKind `json:"service"`
	StartedAt           time.Time        `json:"started_at"`
	QueuedPayloads      int              `json:"queued_payloads"`
	QueuedNotifications int              `json:"queued_notifications"`
	AuxiliaryLoops      int              `json:"auxiliary_loops"`
	Dispatchers         []LoopStatus     `json:"dispatchers"`
}

// Status returns a debug snapshot.
func (r *AppRunner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		AppID:               r.app.ID,
		Name:                r.app.Name,
		Service:             r.app.Service,
		StartedAt:           r.startedAt,
		QueuedPayloads:      r.queue.Len(),
		QueuedNotifications: r.queue.Notifications(),
		AuxiliaryLoops:      len(r.aux),
	}
	for _, l := range r.loops {
		s.Dispatchers = append(s.Dispatchers, LoopStatus{ID: l.ID(), Dispatched: l.Dispatched(), StartedAt: l.StartedAt()})
	}
	return s
}
