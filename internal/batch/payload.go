package batch

import (
	"context"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Payload is the unit placed on an app's queue. When Notification is nil the
// whole batch is delivered as one unit.
type Payload struct {
	Batch        *Batch
	Notification *push.Notification
}

// Notifications returns the notifications this payload covers.
func (p Payload) Notifications() []*push.Notification {
	if p.Notification != nil {
		return []*push.Notification{p.Notification}
	}
	return p.Batch.Notifications()
}

// Size is the number of notifications the payload covers.
func (p Payload) Size() int {
	if p.Notification != nil {
		return 1
	}
	return p.Batch.Len()
}

// Processed reports the payload as handled to its batch.
func (p Payload) Processed(ctx context.Context) {
	if p.Notification != nil {
		p.Batch.NotificationProcessed(ctx)
		return
	}
	p.Batch.AllProcessed(ctx)
}
