package push

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when an app or notification does not exist.
var ErrNotFound = errors.New("push: not found")

// Store is the backing store the daemon reads work from and commits outcomes to.
//
// The single-notification mark operations take a persist flag. With
// persist=false only the in-memory object is updated; the authoritative write
// happens later through the batch variants.
type Store interface {
	AllApps(ctx context.Context) ([]App, error)
	App(ctx context.Context, id string) (*App, error)
	SaveApp(ctx context.Context, app App) error
	DeleteApp(ctx context.Context, id string) error

	CreateNotification(ctx context.Context, n *Notification) error
	PendingDeliveryCount(ctx context.Context) (int, error)
	// DeliverableNotifications claims up to limit due notifications and flags
	// them as processing so later polls skip them.
	DeliverableNotifications(ctx context.Context, limit int) ([]*Notification, error)

	MarkDelivered(ctx context.Context, n *Notification, at time.Time, persist bool) error
	MarkFailed(ctx context.Context, n *Notification, code int, description string, at time.Time, persist bool) error
	MarkRetryable(ctx context.Context, n *Notification, deliverAfter time.Time, persist bool) error

	MarkBatchDelivered(ctx context.Context, ns []*Notification) error
	MarkBatchFailed(ctx context.Context, ns []*Notification, code int, description string) error
	MarkBatchRetryable(ctx context.Context, ns []*Notification, deliverAfter time.Time) error

	// ReleaseProcessing hands claimed notifications back without changing
	// their delivery state.
	ReleaseProcessing(ctx context.Context, ns []*Notification) error

	ReleaseConnection()
	ReopenLog()
	Close() error
}
