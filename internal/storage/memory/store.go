// Package memory provides an in-process push.Store, used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Store keeps apps and notifications in maps guarded by a mutex. Callers only
// ever see copies, so persist=false updates never reach the stored state.
type Store struct {
	mu            sync.Mutex
	apps          map[string]push.App
	notifications map[string]*push.Notification
	now           func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		apps:          make(map[string]push.App),
		notifications: make(map[string]*push.Notification),
		now:           time.Now,
	}
}

// WithClock overrides the clock used for deliverability checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) AllApps(_ context.Context) ([]push.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps := make([]push.App, 0, len(s.apps))
	for _, a := range s.apps {
		apps = append(apps, a)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	return apps, nil
}

func (s *Store) App(_ context.Context, id string) (*push.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, push.ErrNotFound
	}
	return &a, nil
}

func (s *Store) SaveApp(_ context.Context, app push.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	app.UpdatedAt = s.now()
	s.apps[app.ID] = app
	return nil
}

func (s *Store) DeleteApp(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[id]; !ok {
		return push.ErrNotFound
	}
	delete(s.apps, id)
	return nil
}

func (s *Store) CreateNotification(_ context.Context, n *push.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

// Notification returns a copy of the stored notification.
func (s *Store) Notification(id string) (*push.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, push.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *Store) PendingDeliveryCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifications {
		if !n.Resolved() {
			count++
		}
	}
	return count, nil
}

func (s *Store) DeliverableNotifications(_ context.Context, limit int) ([]*push.Notification, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []*push.Notification
	for _, n := range s.notifications {
		if n.Deliverable(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DeliverAfter.Equal(due[j].DeliverAfter) {
			return due[i].DeliverAfter.Before(due[j].DeliverAfter)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*push.Notification, 0, len(due))
	for _, n := range due {
		n.Processing = true
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) MarkDelivered(_ context.Context, n *push.Notification, at time.Time, persist bool) error {
	n.ApplyDelivered(at)
	if !persist {
		return nil
	}
	return s.update(n.ID, func(stored *push.Notification) { stored.ApplyDelivered(at) })
}

func (s *Store) MarkFailed(_ context.Context, n *push.Notification, code int, description string, at time.Time, persist bool) error {
	n.ApplyFailed(code, description, at)
	if !persist {
		return nil
	}
	return s.update(n.ID, func(stored *push.Notification) { stored.ApplyFailed(code, description, at) })
}

func (s *Store) MarkRetryable(_ context.Context, n *push.Notification, deliverAfter time.Time, persist bool) error {
	n.ApplyRetryable(deliverAfter)
	if !persist {
		return nil
	}
	return s.update(n.ID, func(stored *push.Notification) {
		stored.Retries = n.Retries
		stored.DeliverAfter = deliverAfter
		stored.Processing = false
	})
}

func (s *Store) MarkBatchDelivered(_ context.Context, ns []*push.Notification) error {
	at := s.now()
	return s.updateAll(ns, func(stored *push.Notification) { stored.ApplyDelivered(at) })
}

func (s *Store) MarkBatchFailed(_ context.Context, ns []*push.Notification, code int, description string) error {
	at := s.now()
	return s.updateAll(ns, func(stored *push.Notification) { stored.ApplyFailed(code, description, at) })
}

func (s *Store) MarkBatchRetryable(_ context.Context, ns []*push.Notification, deliverAfter time.Time) error {
	return s.updateAll(ns, func(stored *push.Notification) { stored.ApplyRetryable(deliverAfter) })
}

func (s *Store) ReleaseProcessing(_ context.Context, ns []*push.Notification) error {
	return s.updateAll(ns, func(stored *push.Notification) { stored.Processing = false })
}

func (s *Store) ReleaseConnection() {}

func (s *Store) ReopenLog() {}

func (s *Store) Close() error { return nil }

func (s *Store) update(id string, fn func(*push.Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.notifications[id]
	if !ok {
		return push.ErrNotFound
	}
	fn(stored)
	return nil
}

func (s *Store) updateAll(ns []*push.Notification, fn func(*push.Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		if stored, ok := s.notifications[n.ID]; ok {
			fn(stored)
		}
	}
	return nil
}
