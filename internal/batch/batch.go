// Package batch aggregates delivery outcomes for notifications dispatched
// together and commits them to the store in one pass.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// FailureKey groups failed notifications by provider code and description.
type FailureKey struct {
	Code        int
	Description string
}

type outcomeKind int

const (
	outcomeDelivered outcomeKind = iota + 1
	outcomeFailed
	outcomeRetryable
)

type outcome struct {
	kind         outcomeKind
	failure      FailureKey
	deliverAfter time.Time
}

// Batch tracks outcomes for a fixed set of notifications. Outcomes may be
// recorded from several dispatcher goroutines at once.
type Batch struct {
	store     push.Store
	reflector push.Reflector
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	notifications []*push.Notification
	outcomes      map[*push.Notification]outcome
	numProcessed  int
	complete      bool
}

// Option customises a Batch.
type Option func(*Batch)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Batch) { b.now = now }
}

// New creates a batch over notifications.
func New(notifications []*push.Notification, store push.Store, reflector push.Reflector, logger *slog.Logger, opts ...Option) *Batch {
	b := &Batch{
		store:         store,
		reflector:     reflector,
		logger:        logger,
		now:           time.Now,
		notifications: notifications,
		outcomes:      make(map[*push.Notification]outcome, len(notifications)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Notifications returns the notifications in the batch.
func (b *Batch) Notifications() []*push.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*push.Notification, len(b.notifications))
	copy(out, b.notifications)
	return out
}

// Len is the number of notifications in the batch.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.notifications)
}

// Now is the batch clock, shared with delivery helpers.
func (b *Batch) Now() time.Time { return b.now() }

// MarkDelivered records n as delivered.
func (b *Batch) MarkDelivered(n *push.Notification) {
	b.record(n, outcome{kind: outcomeDelivered})
	b.forward(func(ctx context.Context) error {
		return b.store.MarkDelivered(ctx, n, b.now(), false)
	})
}

// MarkAllDelivered records every notification as delivered.
func (b *Batch) MarkAllDelivered() {
	for _, n := range b.Notifications() {
		b.MarkDelivered(n)
	}
}

// MarkFailed records n as failed with the provider's code and description.
func (b *Batch) MarkFailed(n *push.Notification, code int, description string) {
	b.record(n, outcome{kind: outcomeFailed, failure: FailureKey{Code: code, Description: description}})
	b.forward(func(ctx context.Context) error {
		return b.store.MarkFailed(ctx, n, code, description, b.now(), false)
	})
}

// MarkAllFailed records every notification as failed.
func (b *Batch) MarkAllFailed(code int, description string) {
	for _, n := range b.Notifications() {
		b.MarkFailed(n, code, description)
	}
}

// MarkRetryable schedules n for another attempt at deliverAfter. The store sees
// the change straight away (persist=false) so retry scheduling is visible
// before the batch completes.
func (b *Batch) MarkRetryable(n *push.Notification, deliverAfter time.Time) {
	b.record(n, outcome{kind: outcomeRetryable, deliverAfter: deliverAfter})
	b.forward(func(ctx context.Context) error {
		return b.store.MarkRetryable(ctx, n, deliverAfter, false)
	})
}

// MarkAllRetryable schedules every notification without a terminal outcome
// and returns how many were marked.
func (b *Batch) MarkAllRetryable(deliverAfter time.Time) int {
	count := 0
	for _, n := range b.Notifications() {
		if b.resolved(n) {
			continue
		}
		count++
		b.MarkRetryable(n, deliverAfter)
	}
	return count
}

// Unresolved returns the notifications that have no recorded outcome yet.
func (b *Batch) Unresolved() []*push.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*push.Notification
	for _, n := range b.notifications {
		if _, ok := b.outcomes[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// NotificationProcessed counts one processed notification and completes the
// batch once every notification has been counted.
func (b *Batch) NotificationProcessed(ctx context.Context) {
	b.mu.Lock()
	b.numProcessed++
	ready := b.numProcessed >= len(b.notifications)
	b.mu.Unlock()
	if ready {
		b.Complete(ctx)
	}
}

// AllProcessed completes the batch in one step.
func (b *Batch) AllProcessed(ctx context.Context) {
	b.mu.Lock()
	b.numProcessed = len(b.notifications)
	b.mu.Unlock()
	b.Complete(ctx)
}

// IsComplete reports whether the batch has been committed.
func (b *Batch) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// Complete commits every outcome to the store. It runs at most once; the
// delivered, failed and retryable commits are independent so a failing
// write does not stop the others.
func (b *Batch) Complete(ctx context.Context) {
	b.mu.Lock()
	if b.complete {
		b.mu.Unlock()
		return
	}
	b.complete = true
	delivered, failed, retryable := b.bucketsLocked()
	b.mu.Unlock()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"delivered", func() error { return b.completeDelivered(ctx, delivered) }},
		{"failed", func() error { return b.completeFailed(ctx, failed) }},
		{"retryable", func() error { return b.completeRetryable(ctx, retryable) }},
	}
	for _, step := range steps {
		if err := b.safely(step.fn); err != nil {
			b.logger.Error("Batch commit failed", "step", step.name, "err", err)
			b.reflect(push.Event{Kind: push.EventError, Err: err})
		}
	}
}

func (b *Batch) completeDelivered(ctx context.Context, ns []*push.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	if err := b.store.MarkBatchDelivered(ctx, ns); err != nil {
		return fmt.Errorf("mark batch delivered: %w", err)
	}
	for _, n := range ns {
		b.reflect(push.Event{Kind: push.EventNotificationDelivered, AppID: n.AppID, Notification: n})
	}
	return nil
}

func (b *Batch) completeFailed(ctx context.Context, failed map[FailureKey][]*push.Notification) error {
	var firstErr error
	for key, ns := range failed {
		if err := b.store.MarkBatchFailed(ctx, ns, key.Code, key.Description); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("mark batch failed (%d %q): %w", key.Code, key.Description, err)
			}
			continue
		}
		for _, n := range ns {
			b.reflect(push.Event{Kind: push.EventNotificationFailed, AppID: n.AppID, Notification: n})
		}
	}
	return firstErr
}

func (b *Batch) completeRetryable(ctx context.Context, retryable map[time.Time][]*push.Notification) error {
	var firstErr error
	for deliverAfter, ns := range retryable {
		if err := b.store.MarkBatchRetryable(ctx, ns, deliverAfter); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("mark batch retryable (%s): %w", deliverAfter.Format(time.RFC3339), err)
			}
			continue
		}
		for _, n := range ns {
			b.reflect(push.Event{Kind: push.EventNotificationWillRetry, AppID: n.AppID, Notification: n, At: deliverAfter})
		}
	}
	return firstErr
}

// Delivered returns the notifications recorded as delivered.
func (b *Batch) Delivered() []*push.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, _, _ := b.bucketsLocked()
	return d
}

// Failed returns the failed notifications grouped by reason.
func (b *Batch) Failed() map[FailureKey][]*push.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, f, _ := b.bucketsLocked()
	return f
}

// Retryable returns the retryable notifications grouped by deliver-after time.
func (b *Batch) Retryable() map[time.Time][]*push.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, r := b.bucketsLocked()
	return r
}

// bucketsLocked derives the three buckets in notification order. Each
// notification has a single recorded outcome so it lands in one bucket only.
func (b *Batch) bucketsLocked() ([]*push.Notification, map[FailureKey][]*push.Notification, map[time.Time][]*push.Notification) {
	var delivered []*push.Notification
	failed := make(map[FailureKey][]*push.Notification)
	retryable := make(map[time.Time][]*push.Notification)
	for _, n := range b.notifications {
		o, ok := b.outcomes[n]
		if !ok {
			continue
		}
		switch o.kind {
		case outcomeDelivered:
			delivered = append(delivered, n)
		case outcomeFailed:
			failed[o.failure] = append(failed[o.failure], n)
		case outcomeRetryable:
			retryable[o.deliverAfter] = append(retryable[o.deliverAfter], n)
		}
	}
	return delivered, failed, retryable
}

func (b *Batch) record(n *push.Notification, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		b.logger.Warn("Outcome recorded after batch completed", "notification_id", n.ID)
	}
	b.outcomes[n] = o
}

func (b *Batch) resolved(n *push.Notification) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.outcomes[n]
	return ok && o.kind != outcomeRetryable
}

// forward applies an in-memory (persist=false) store update. Failures are
// reflected and otherwise ignored; the batch commit is authoritative.
func (b *Batch) forward(fn func(ctx context.Context) error) {
	if err := b.safely(func() error { return fn(context.Background()) }); err != nil {
		b.logger.Warn("In-memory store update failed", "err", err)
		b.reflect(push.Event{Kind: push.EventError, Err: err})
	}
}

func (b *Batch) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (b *Batch) reflect(e push.Event) {
	if b.reflector != nil {
		b.reflector.Reflect(e)
	}
}
