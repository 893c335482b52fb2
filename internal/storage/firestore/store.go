// Package firestore implements push.Store on Google Cloud Firestore.
//
// Notifications live in one collection. Next to the notification itself every
// document carries two query fields: pending (no terminal outcome yet) and
// next_attempt_at (the earliest time the notification may be claimed). Claims
// push next_attempt_at forward by the processing lease, so an abandoned claim
// becomes deliverable again without a second inequality filter.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

const (
	DefaultAppsCollection          = "push-apps"
	DefaultNotificationsCollection = "push-notifications"
	// DefaultProcessingLease is how long a claim survives before the
	// notification becomes deliverable again.
	DefaultProcessingLease = 10 * time.Minute
)

// notificationDoc is the DB representation of a notification.
type notificationDoc struct {
	Notification  push.Notification `firestore:"notification"`
	Pending       bool              `firestore:"pending"`
	NextAttemptAt time.Time         `firestore:"next_attempt_at"`
}

// Option customises a Store.
type Option func(*Store)

// WithCollections replaces the default collection names.
func WithCollections(apps, notifications string) Option {
	return func(s *Store) {
		s.apps = apps
		s.notifications = notifications
	}
}

// WithProcessingLease replaces DefaultProcessingLease.
func WithProcessingLease(d time.Duration) Option { return func(s *Store) { s.lease = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store implements push.Store using Google Cloud Firestore.
type Store struct {
	client        *firestore.Client
	apps          string
	notifications string
	lease         time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewStore wraps an existing client. The store closes it on Close.
func NewStore(client *firestore.Client, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		client:        client,
		apps:          DefaultAppsCollection,
		notifications: DefaultNotificationsCollection,
		lease:         DefaultProcessingLease,
		now:           time.Now,
		logger:        logger.With("component", "FirestoreStore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Apps ---

func (s *Store) AllApps(ctx context.Context) ([]push.App, error) {
	iter := s.client.Collection(s.apps).Documents(ctx)
	defer iter.Stop()

	var apps []push.App
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		var app push.App
		if err := doc.DataTo(&app); err != nil {
			s.logger.Warn("Skipping malformed app", "doc_id", doc.Ref.ID, "err", err)
			continue
		}
		apps = append(apps, app)
	}
	return apps, nil
}

func (s *Store) App(ctx context.Context, id string) (*push.App, error) {
	doc, err := s.client.Collection(s.apps).Doc(id).Get(ctx)
	if err != nil {
		return nil, notFound(err, "app "+id)
	}
	var app push.App
	if err := doc.DataTo(&app); err != nil {
		return nil, fmt.Errorf("failed to decode app %s: %w", id, err)
	}
	return &app, nil
}

func (s *Store) SaveApp(ctx context.Context, app push.App) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	app.UpdatedAt = s.now().UTC()
	_, err := s.client.Collection(s.apps).Doc(app.ID).Set(ctx, app)
	return err
}

func (s *Store) DeleteApp(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.apps).Doc(id).Delete(ctx, firestore.Exists)
	if err != nil {
		return notFound(err, "app "+id)
	}
	return nil
}

// --- Notifications ---

func (s *Store) CreateNotification(ctx context.Context, n *push.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	doc := notificationDoc{
		Notification:  *n,
		Pending:       !n.Resolved(),
		NextAttemptAt: n.DeliverAfter,
	}
	doc.Notification.Processing = false
	_, err := s.notificationRef(n.ID).Set(ctx, doc)
	return err
}

// Notification loads one notification.
func (s *Store) Notification(ctx context.Context, id string) (*push.Notification, error) {
	snap, err := s.notificationRef(id).Get(ctx)
	if err != nil {
		return nil, notFound(err, "notification "+id)
	}
	var doc notificationDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	return &doc.Notification, nil
}

func (s *Store) PendingDeliveryCount(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.notifications).Where("pending", "==", true).Select().Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			return count, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to count pending notifications: %w", err)
		}
		count++
	}
}

// DeliverableNotifications claims due notifications in a transaction, so two
// daemons polling the same project never claim the same document.
func (s *Store) DeliverableNotifications(ctx context.Context, limit int) ([]*push.Notification, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now().UTC()
	q := s.client.Collection(s.notifications).
		Where("pending", "==", true).
		Where("next_attempt_at", "<=", now).
		OrderBy("next_attempt_at", firestore.Asc).
		Limit(limit)

	var claimed []*push.Notification
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = claimed[:0]
		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			var doc notificationDoc
			if err := snap.DataTo(&doc); err != nil {
				s.logger.Warn("Skipping malformed notification", "doc_id", snap.Ref.ID, "err", err)
				continue
			}
			if err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "notification.processing", Value: true},
				{Path: "next_attempt_at", Value: now.Add(s.lease)},
			}); err != nil {
				return err
			}
			n := doc.Notification
			n.Processing = true
			claimed = append(claimed, &n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	return claimed, nil
}

func (s *Store) MarkDelivered(ctx context.Context, n *push.Notification, at time.Time, persist bool) error {
	n.ApplyDelivered(at)
	if !persist {
		return nil
	}
	_, err := s.notificationRef(n.ID).Update(ctx, deliveredUpdates(at))
	return err
}

func (s *Store) MarkFailed(ctx context.Context, n *push.Notification, code int, description string, at time.Time, persist bool) error {
	n.ApplyFailed(code, description, at)
	if !persist {
		return nil
	}
	_, err := s.notificationRef(n.ID).Update(ctx, failedUpdates(code, description, at))
	return err
}

func (s *Store) MarkRetryable(ctx context.Context, n *push.Notification, deliverAfter time.Time, persist bool) error {
	n.ApplyRetryable(deliverAfter)
	if !persist {
		return nil
	}
	_, err := s.notificationRef(n.ID).Update(ctx, retryableUpdates(n.Retries, deliverAfter))
	return err
}

func (s *Store) MarkBatchDelivered(ctx context.Context, ns []*push.Notification) error {
	updates := deliveredUpdates(s.now().UTC())
	return s.bulkUpdate(ctx, ns, func(*push.Notification) []firestore.Update { return updates })
}

func (s *Store) MarkBatchFailed(ctx context.Context, ns []*push.Notification, code int, description string) error {
	updates := failedUpdates(code, description, s.now().UTC())
	return s.bulkUpdate(ctx, ns, func(*push.Notification) []firestore.Update { return updates })
}

// MarkBatchRetryable increments the stored retry count server side.
func (s *Store) MarkBatchRetryable(ctx context.Context, ns []*push.Notification, deliverAfter time.Time) error {
	updates := retryableUpdates(firestore.Increment(1), deliverAfter)
	return s.bulkUpdate(ctx, ns, func(*push.Notification) []firestore.Update { return updates })
}

func (s *Store) ReleaseProcessing(ctx context.Context, ns []*push.Notification) error {
	return s.bulkUpdate(ctx, ns, func(n *push.Notification) []firestore.Update {
		return []firestore.Update{
			{Path: "notification.processing", Value: false},
			{Path: "next_attempt_at", Value: n.DeliverAfter},
		}
	})
}

// ReleaseConnection is a no-op; the client multiplexes over gRPC.
func (s *Store) ReleaseConnection() {}

func (s *Store) ReopenLog() {}

func (s *Store) Close() error { return s.client.Close() }

// --- Helpers ---

func (s *Store) notificationRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.notifications).Doc(id)
}

// bulkUpdate writes one update per distinct notification and reports every
// failed write.
func (s *Store) bulkUpdate(ctx context.Context, ns []*push.Notification, updates func(*push.Notification) []firestore.Update) error {
	if len(ns) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	seen := make(map[string]bool, len(ns))
	jobs := make(map[string]*firestore.BulkWriterJob, len(ns))
	var errs []error
	for _, n := range ns {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		job, err := bw.Update(s.notificationRef(n.ID), updates(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("notification %s: %w", n.ID, err))
			continue
		}
		jobs[n.ID] = job
	}
	bw.End()

	for id, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("notification %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to update %d of %d notifications: %w", len(errs), len(seen), errors.Join(errs...))
	}
	return nil
}

func deliveredUpdates(at time.Time) []firestore.Update {
	return []firestore.Update{
		{Path: "notification.delivered", Value: true},
		{Path: "notification.delivered_at", Value: at},
		{Path: "notification.failed", Value: false},
		{Path: "notification.processing", Value: false},
		{Path: "pending", Value: false},
	}
}

func failedUpdates(code int, description string, at time.Time) []firestore.Update {
	return []firestore.Update{
		{Path: "notification.delivered", Value: false},
		{Path: "notification.failed", Value: true},
		{Path: "notification.failed_at", Value: at},
		{Path: "notification.error_code", Value: code},
		{Path: "notification.error_description", Value: description},
		{Path: "notification.processing", Value: false},
		{Path: "pending", Value: false},
	}
}

// retryableUpdates takes either an absolute count or a firestore.Increment.
func retryableUpdates(retries interface{}, deliverAfter time.Time) []firestore.Update {
	return []firestore.Update{
		{Path: "notification.retries", Value: retries},
		{Path: "notification.deliver_after", Value: deliverAfter},
		{Path: "notification.processing", Value: false},
		{Path: "next_attempt_at", Value: deliverAfter},
	}
}

func notFound(err error, what string) error {
	if status.Code(err) == codes.NotFound {
		return push.ErrNotFound
	}
	return fmt.Errorf("failed to access %s: %w", what, err)
}
