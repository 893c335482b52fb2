// Package redis stores apps and notifications in Redis. Notifications are
// JSON documents; two sorted sets index them by due time and by claim time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

const (
	// DefaultPrefix namespaces every key the store writes.
	DefaultPrefix = "push:"
	// DefaultProcessingLease is how long a claim survives before the
	// notification becomes deliverable again.
	DefaultProcessingLease = 10 * time.Minute
)

// claimScript first returns expired claims to the due set, then moves up to
// ARGV[3] due notifications into the processing set.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return ids
`)

// Option customises a Store.
type Option func(*Store)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option { return func(s *Store) { s.prefix = prefix } }

// WithProcessingLease replaces DefaultProcessingLease.
func WithProcessingLease(d time.Duration) Option { return func(s *Store) { s.lease = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store implements push.Store on a go-redis client.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStore wraps an existing client. The store closes it on Close.
func NewStore(rdb redis.UniversalClient, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: DefaultPrefix,
		lease:  DefaultProcessingLease,
		now:    time.Now,
		logger: logger.With("component", "RedisStore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect creates a client for addr and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Fail fast if connection is bad
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (s *Store) appsKey() string { return s.prefix + "apps" }
func (s *Store) dueKey() string { return s.prefix + "due" }
func (s *Store) processingKey() string { return s.prefix + "processing" }
func (s *Store) notificationKey(id string) string { return s.prefix + "notification:" + id }

func (s *Store) AllApps(ctx context.Context) ([]push.App, error) {
	vals, err := s.rdb.HVals(ctx, s.appsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	apps := make([]push.App, 0, len(vals))
	for _, v := range vals {
		var a push.App
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			s.logger.Warn("Skipping malformed app", "err", err)
			continue
		}
		apps = append(apps, a)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	return apps, nil
}

func (s *Store) App(ctx context.Context, id string) (*push.App, error) {
	raw, err := s.rdb.HGet(ctx, s.appsKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, push.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app %s: %w", id, err)
	}
	var a push.App
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to decode app %s: %w", id, err)
	}
	return &a, nil
}

func (s *Store) SaveApp(ctx context.Context, app push.App) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	app.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(app)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.appsKey(), app.ID, raw).Err()
}

func (s *Store) DeleteApp(ctx context.Context, id string) error {
	n, err := s.rdb.HDel(ctx, s.appsKey(), id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete app %s: %w", id, err)
	}
	if n == 0 {
		return push.ErrNotFound
	}
	return nil
}

func (s *Store) CreateNotification(ctx context.Context, n *push.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	return s.save(ctx, []*push.Notification{n})
}

// Notification loads one notification.
func (s *Store) Notification(ctx context.Context, id string) (*push.Notification, error) {
	raw, err := s.rdb.Get(ctx, s.notificationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, push.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var n push.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) PendingDeliveryCount(ctx context.Context) (int, error) {
	pipe := s.rdb.Pipeline()
	due := pipe.ZCard(ctx, s.dueKey())
	processing := pipe.ZCard(ctx, s.processingKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count pending notifications: %w", err)
	}
	return int(due.Val() + processing.Val()), nil
}

func (s *Store) DeliverableNotifications(ctx context.Context, limit int) ([]*push.Notification, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	ids, err := claimScript.Run(ctx, s.rdb,
		[]string{s.dueKey(), s.processingKey()},
		now.UnixMilli(), now.Add(-s.lease).UnixMilli(), limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.notificationKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed notifications: %w", err)
	}

	out := make([]*push.Notification, 0, len(vals))
	var orphans []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var n push.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			s.logger.Warn("Dropping malformed notification", "notification_id", ids[i], "err", err)
			orphans = append(orphans, ids[i])
			continue
		}
		n.Processing = true
		out = append(out, &n)
	}
	if len(orphans) > 0 {
		_ = s.rdb.ZRem(ctx, s.processingKey(), orphans...).Err()
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, n *push.Notification, at time.Time, persist bool) error {
	n.ApplyDelivered(at)
	if !persist {
		return nil
	}
	return s.save(ctx, []*push.Notification{n})
}

func (s *Store) MarkFailed(ctx context.Context, n *push.Notification, code int, description string, at time.Time, persist bool) error {
	n.ApplyFailed(code, description, at)
	if !persist {
		return nil
	}
	return s.save(ctx, []*push.Notification{n})
}

func (s *Store) MarkRetryable(ctx context.Context, n *push.Notification, deliverAfter time.Time, persist bool) error {
	n.ApplyRetryable(deliverAfter)
	if !persist {
		return nil
	}
	return s.save(ctx, []*push.Notification{n})
}

func (s *Store) MarkBatchDelivered(ctx context.Context, ns []*push.Notification) error {
	at := s.now().UTC()
	return s.save(ctx, snapshots(ns, func(n *push.Notification) { n.ApplyDelivered(at) }))
}

func (s *Store) MarkBatchFailed(ctx context.Context, ns []*push.Notification, code int, description string) error {
	at := s.now().UTC()
	return s.save(ctx, snapshots(ns, func(n *push.Notification) { n.ApplyFailed(code, description, at) }))
}

// MarkBatchRetryable keeps the retry count of the in-memory notifications,
// which the unpersisted retryable mark has already advanced.
func (s *Store) MarkBatchRetryable(ctx context.Context, ns []*push.Notification, deliverAfter time.Time) error {
	return s.save(ctx, snapshots(ns, func(n *push.Notification) {
		n.DeliverAfter = deliverAfter
		n.Processing = false
	}))
}

func (s *Store) ReleaseProcessing(ctx context.Context, ns []*push.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, n := range ns {
			pipe.ZRem(ctx, s.processingKey(), n.ID)
			pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(n.DeliverAfter), Member: n.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release %d notifications: %w", len(ns), err)
	}
	return nil
}

// ReleaseConnection is a no-op; go-redis pools connections itself.
func (s *Store) ReleaseConnection() {}

func (s *Store) ReopenLog() {}

func (s *Store) Close() error { return s.rdb.Close() }

// save writes ns and moves each out of the processing set. Resolved
// notifications leave the schedule; the rest are due at DeliverAfter.
func (s *Store) save(ctx context.Context, ns []*push.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, n := range ns {
			doc := *n
			doc.Processing = false
			raw, err := json.Marshal(&doc)
			if err != nil {
				return fmt.Errorf("failed to encode notification %s: %w", n.ID, err)
			}
			pipe.Set(ctx, s.notificationKey(n.ID), raw, 0)
			pipe.ZRem(ctx, s.processingKey(), n.ID)
			if doc.Resolved() {
				pipe.ZRem(ctx, s.dueKey(), n.ID)
			} else {
				pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(doc.DeliverAfter), Member: n.ID})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save %d notifications: %w", len(ns), err)
	}
	return nil
}

func snapshots(ns []*push.Notification, apply func(*push.Notification)) []*push.Notification {
	out := make([]*push.Notification, len(ns))
	for i, n := range ns {
		cp := *n
		apply(&cp)
		out[i] = &cp
	}
	return out
}

func score(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli())
}
