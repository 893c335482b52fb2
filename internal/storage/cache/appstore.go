// Package cache adds read-aside caching of app records in front of any push.Store.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedAppStore is a Decorator that adds Read-Aside caching of apps to any
// push.Store. Notification operations pass straight through.
type CachedAppStore struct {
	push.Store
	cache CacheClient
	ttl   time.Duration
}

// NewCachedAppStore creates the decorator.
func NewCachedAppStore(realStore push.Store, cache CacheClient, ttl time.Duration) *CachedAppStore {
	return &CachedAppStore{
		Store: realStore,
		cache: cache,
		ttl:   ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedAppStore) AllApps(ctx context.Context) ([]push.App, error) {
	var cached []push.App
	if err := s.cache.Get(ctx, allAppsKey, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.Store.AllApps(ctx)
	if err != nil {
		return nil, err
	}
	// Caching is an optimization, not a transaction.
	_ = s.cache.Set(ctx, allAppsKey, fresh, s.ttl)
	return fresh, nil
}

func (s *CachedAppStore) App(ctx context.Context, id string) (*push.App, error) {
	key := appKey(id)
	var cached push.App
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	fresh, err := s.Store.App(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedAppStore) SaveApp(ctx context.Context, app push.App) error {
	if err := s.Store.SaveApp(ctx, app); err != nil {
		return err
	}
	return s.invalidate(ctx, app.ID)
}

// DeleteApp must clear the cache even when the app was already gone, so a
// stale entry can never restart its runner.
func (s *CachedAppStore) DeleteApp(ctx context.Context, id string) error {
	err := s.Store.DeleteApp(ctx, id)
	if invErr := s.invalidate(ctx, id); invErr != nil && err == nil {
		return invErr
	}
	return err
}

// --- Helpers ---

const allAppsKey = "push:apps:all"

func (s *CachedAppStore) invalidate(ctx context.Context, id string) error {
	if err := s.cache.Del(ctx, appKey(id), allAppsKey); err != nil {
		return fmt.Errorf("failed to invalidate cached app %s: %w", id, err)
	}
	return nil
}

func appKey(id string) string {
	return fmt.Sprintf("push:apps:%s", id)
}
