package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/delivery"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Loop is a single consumer of an app queue. Every payload is dispatched in
// isolation: errors and panics are logged and reflected and the loop moves on.
type Loop struct {
	id         int
	appID      string
	queue      *Queue
	dispatcher Dispatcher
	store      push.Store
	reflector  push.Reflector
	limiter    *rate.Limiter
	logger     *slog.Logger

	startedAt  time.Time
	dispatched atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// LoopConfig carries the collaborators of a Loop.
type LoopConfig struct {
	ID         int
	AppID      string
	Queue      *Queue
	Dispatcher Dispatcher
	Store      push.Store
	Reflector  push.Reflector
	// RatePerSec throttles dispatches; zero disables throttling.
	RatePerSec int
	Logger     *slog.Logger
}

// NewLoop creates a stopped loop.
func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{
		id:         cfg.ID,
		appID:      cfg.AppID,
		queue:      cfg.Queue,
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		reflector:  cfg.Reflector,
		logger:     cfg.Logger.With("component", "DispatcherLoop", "app_id", cfg.AppID, "loop", cfg.ID),
	}
	if cfg.RatePerSec > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return l
}

// ID identifies the loop within its runner.
func (l *Loop) ID() int { return l.id }

// Dispatched is the number of payloads handled so far.
func (l *Loop) Dispatched() int64 { return l.dispatched.Load() }

// StartedAt is when the loop was started.
func (l *Loop) StartedAt() time.Time { return l.startedAt }

// Start runs the loop in its own goroutine. Dispatches run under dispatchCtx
// so stopping the loop never aborts an in-flight send.
func (l *Loop) Start(dispatchCtx context.Context) {
	popCtx, cancel := context.WithCancel(dispatchCtx)
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	l.startedAt = time.Now()
	done := l.done
	l.mu.Unlock()

	sendCtx := context.WithoutCancel(dispatchCtx)
	go func() {
		defer close(done)
		defer l.shutdown()
		for {
			payload, err := l.queue.Pop(popCtx)
			if err != nil {
				return
			}
			// A popped payload is always dispatched; Stop waits out the throttle.
			if l.limiter != nil {
				if err := l.limiter.Wait(sendCtx); err != nil {
					l.logger.Warn("Rate limiter wait failed", "err", err)
				}
			}
			l.dispatch(sendCtx, payload)
		}
	}()
}

// Stop signals the loop and waits for its current dispatch to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Loop) dispatch(ctx context.Context, payload batch.Payload) {
	defer l.dispatched.Add(1)
	defer payload.Processed(ctx)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("dispatcher panic: %v", r)
				l.logger.Error("Dispatcher panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		return l.dispatcher.Dispatch(ctx, payload)
	}()
	if err == nil {
		return
	}

	l.logger.Error("Dispatch failed", "err", err, "notifications", payload.Size())
	if l.reflector != nil {
		l.reflector.Reflect(push.Event{Kind: push.EventError, AppID: l.appID, Err: err})
	}
	l.rescheduleUnresolved(payload, err)
}

// rescheduleUnresolved gives notifications the dispatcher never resolved a
// retry so they are not stranded in the processing state.
func (l *Loop) rescheduleUnresolved(payload batch.Payload, cause error) {
	d := delivery.New(payload.Batch, l.logger)
	unresolved := payload.Batch.Unresolved()
	for _, n := range unresolved {
		if payload.Notification != nil && n != payload.Notification {
			continue
		}
		d.MarkRetryableExponential(n, cause)
	}
}

func (l *Loop) shutdown() {
	if err := l.dispatcher.Close(); err != nil {
		l.logger.Warn("Dispatcher close failed", "err", err)
	}
	if l.store != nil {
		l.store.ReleaseConnection()
	}
	l.logger.Debug("Dispatcher loop stopped", "dispatched", l.dispatched.Load())
}
