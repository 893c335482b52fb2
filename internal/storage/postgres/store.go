// Package postgres implements push.Store on PostgreSQL through lib/pq.
//
// The notification content is kept as a JSONB payload; delivery state lives
// in plain columns so claims and marks never rewrite the payload.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

const (
	DefaultAppsTable          = "push_apps"
	DefaultNotificationsTable = "push_notifications"
	// DefaultProcessingLease is how long a claim survives before the
	// notification becomes deliverable again.
	DefaultProcessingLease = 10 * time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Option customises a Store.
type Option func(*Store)

// WithTables replaces the default table names.
func WithTables(apps, notifications string) Option {
	return func(s *Store) {
		s.appsTable = apps
		s.notificationsTable = notifications
	}
}

// WithProcessingLease replaces DefaultProcessingLease.
func WithProcessingLease(d time.Duration) Option { return func(s *Store) { s.lease = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store implements push.Store on a database/sql pool. Tables are created on
// first use.
type Store struct {
	dsn                string
	appsTable          string
	notificationsTable string
	lease              time.Duration
	now                func() time.Time
	openDB             sqlOpenFunc
	logger             *slog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewStore validates dsn; the connection is opened lazily.
func NewStore(dsn string, logger *slog.Logger, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	s := &Store{
		dsn:                dsn,
		appsTable:          DefaultAppsTable,
		notificationsTable: DefaultNotificationsTable,
		lease:              DefaultProcessingLease,
		now:                time.Now,
		openDB:             sql.Open,
		logger:             logger.With("component", "PostgresStore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// --- Apps ---

func (s *Store) AllApps(ctx context.Context) ([]push.App, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, doc FROM %s ORDER BY id", s.apps()))
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	defer rows.Close()

	var apps []push.App
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var app push.App
		if err := json.Unmarshal(doc, &app); err != nil {
			s.logger.Warn("Skipping malformed app", "app_id", id, "err", err)
			continue
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (s *Store) App(ctx context.Context, id string) (*push.App, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", s.apps()), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, push.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app %s: %w", id, err)
	}
	var app push.App
	if err := json.Unmarshal(doc, &app); err != nil {
		return nil, fmt.Errorf("failed to decode app %s: %w", id, err)
	}
	return &app, nil
}

func (s *Store) SaveApp(ctx context.Context, app push.App) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	app.UpdatedAt = s.now().UTC()
	doc, err := json.Marshal(app)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`, s.apps())
	_, err = s.db.ExecContext(ctx, query, app.ID, doc, app.UpdatedAt)
	return err
}

func (s *Store) DeleteApp(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.apps()), id)
	if err != nil {
		return fmt.Errorf("failed to delete app %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return push.ErrNotFound
	}
	return nil
}

// --- Notifications ---

const notificationColumns = `id, payload, retries, deliver_after, delivered, delivered_at,
	failed, failed_at, error_code, error_description, processing, created_at`

func (s *Store) CreateNotification(ctx context.Context, n *push.Notification) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, app_id, payload, retries, deliver_after, delivered, delivered_at,
			failed, failed_at, error_code, error_description, processing, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, $12)
		ON CONFLICT (id) DO NOTHING`, s.notifications())
	_, err = s.db.ExecContext(ctx, query,
		n.ID, n.AppID, payload, n.Retries, n.DeliverAfter,
		n.Delivered, nullTime(n.DeliveredAt), n.Failed, nullTime(n.FailedAt),
		n.ErrorCode, n.ErrorDescription, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification %s: %w", n.ID, err)
	}
	return nil
}

// Notification loads one notification.
func (s *Store) Notification(ctx context.Context, id string) (*push.Notification, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", notificationColumns, s.notifications()), id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, push.ErrNotFound
	}
	return n, err
}

func (s *Store) PendingDeliveryCount(ctx context.Context) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE NOT delivered AND NOT failed", s.notifications()),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending notifications: %w", err)
	}
	return count, nil
}

// DeliverableNotifications claims due rows with FOR UPDATE SKIP LOCKED, so
// concurrent daemons never claim the same row. Claims older than the lease
// are treated as abandoned.
func (s *Store) DeliverableNotifications(ctx context.Context, limit int) ([]*push.Notification, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	query := fmt.Sprintf(`
		UPDATE %[1]s SET processing = TRUE, processing_since = $1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE NOT delivered AND NOT failed AND deliver_after <= $1
				AND (NOT processing OR processing_since <= $2)
			ORDER BY deliver_after, created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s`, s.notifications(), notificationColumns)
	rows, err := s.db.QueryContext(ctx, query, now, now.Add(-s.lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	defer rows.Close()

	var claimed []*push.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not keep the subquery order.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].DeliverAfter.Equal(claimed[j].DeliverAfter) {
			return claimed[i].DeliverAfter.Before(claimed[j].DeliverAfter)
		}
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

func (s *Store) MarkDelivered(ctx context.Context, n *push.Notification, at time.Time, persist bool) error {
	n.ApplyDelivered(at)
	if !persist {
		return nil
	}
	return s.markDelivered(ctx, []string{n.ID}, at)
}

func (s *Store) MarkFailed(ctx context.Context, n *push.Notification, code int, description string, at time.Time, persist bool) error {
	n.ApplyFailed(code, description, at)
	if !persist {
		return nil
	}
	return s.markFailed(ctx, []string{n.ID}, code, description, at)
}

func (s *Store) MarkRetryable(ctx context.Context, n *push.Notification, deliverAfter time.Time, persist bool) error {
	n.ApplyRetryable(deliverAfter)
	if !persist {
		return nil
	}
	return s.exec(ctx, fmt.Sprintf(`
		UPDATE %s SET retries = $2, deliver_after = $3, processing = FALSE
		WHERE id = ANY($1)`, s.notifications()), ids([]*push.Notification{n}), n.Retries, deliverAfter)
}

func (s *Store) MarkBatchDelivered(ctx context.Context, ns []*push.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	return s.markDelivered(ctx, ids(ns), s.now().UTC())
}

func (s *Store) MarkBatchFailed(ctx context.Context, ns []*push.Notification, code int, description string) error {
	if len(ns) == 0 {
		return nil
	}
	return s.markFailed(ctx, ids(ns), code, description, s.now().UTC())
}

func (s *Store) MarkBatchRetryable(ctx context.Context, ns []*push.Notification, deliverAfter time.Time) error {
	if len(ns) == 0 {
		return nil
	}
	return s.exec(ctx, fmt.Sprintf(`
		UPDATE %s SET retries = retries + 1, deliver_after = $2, processing = FALSE
		WHERE id = ANY($1)`, s.notifications()), ids(ns), deliverAfter)
}

func (s *Store) ReleaseProcessing(ctx context.Context, ns []*push.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	return s.exec(ctx, fmt.Sprintf(
		"UPDATE %s SET processing = FALSE WHERE id = ANY($1)", s.notifications()), ids(ns))
}

// ReleaseConnection is a no-op; database/sql returns connections to the
// pool after every statement.
func (s *Store) ReleaseConnection() {}

func (s *Store) ReopenLog() {}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Helpers ---

func (s *Store) markDelivered(ctx context.Context, ids pq.StringArray, at time.Time) error {
	return s.exec(ctx, fmt.Sprintf(`
		UPDATE %s SET delivered = TRUE, delivered_at = $2, failed = FALSE, processing = FALSE
		WHERE id = ANY($1)`, s.notifications()), ids, at)
}

func (s *Store) markFailed(ctx context.Context, ids pq.StringArray, code int, description string, at time.Time) error {
	return s.exec(ctx, fmt.Sprintf(`
		UPDATE %s SET failed = TRUE, failed_at = $2, error_code = $3, error_description = $4,
			delivered = FALSE, processing = FALSE
		WHERE id = ANY($1)`, s.notifications()), ids, at, code, description)
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update notifications: %w", err)
	}
	return nil
}

func (s *Store) apps() string          { return pq.QuoteIdentifier(s.appsTable) }
func (s *Store) notifications() string { return pq.QuoteIdentifier(s.notificationsTable) }

func (s *Store) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					doc JSONB NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, s.apps()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					app_id TEXT NOT NULL,
					payload JSONB NOT NULL,
					retries INTEGER NOT NULL DEFAULT 0,
					deliver_after TIMESTAMPTZ NOT NULL,
					delivered BOOLEAN NOT NULL DEFAULT FALSE,
					delivered_at TIMESTAMPTZ,
					failed BOOLEAN NOT NULL DEFAULT FALSE,
					failed_at TIMESTAMPTZ,
					error_code INTEGER NOT NULL DEFAULT 0,
					error_description TEXT NOT NULL DEFAULT '',
					processing BOOLEAN NOT NULL DEFAULT FALSE,
					processing_since TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, s.notifications()),
			fmt.Sprintf(`
				CREATE INDEX IF NOT EXISTS %s ON %s (deliver_after, created_at)
				WHERE NOT delivered AND NOT failed`,
				pq.QuoteIdentifier(s.notificationsTable+"_deliverable_idx"), s.notifications()),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("failed to prepare postgres schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanNotification decodes the payload and overlays the state columns.
func scanNotification(row scanner) (*push.Notification, error) {
	var (
		id               string
		payload          []byte
		retries          int
		deliverAfter     time.Time
		delivered        bool
		deliveredAt      sql.NullTime
		failed           bool
		failedAt         sql.NullTime
		errorCode        int
		errorDescription string
		processing       bool
		createdAt        time.Time
	)
	if err := row.Scan(&id, &payload, &retries, &deliverAfter, &delivered, &deliveredAt,
		&failed, &failedAt, &errorCode, &errorDescription, &processing, &createdAt); err != nil {
		return nil, err
	}
	var n push.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("failed to decode notification %s: %w", id, err)
	}
	n.ID = id
	n.Retries = retries
	n.DeliverAfter = deliverAfter.UTC()
	n.Delivered = delivered
	n.DeliveredAt = deliveredAt.Time
	n.Failed = failed
	n.FailedAt = failedAt.Time
	n.ErrorCode = errorCode
	n.ErrorDescription = errorDescription
	n.Processing = processing
	n.CreatedAt = createdAt.UTC()
	return &n, nil
}

func ids(ns []*push.Notification) pq.StringArray {
	out := make(pq.StringArray, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
