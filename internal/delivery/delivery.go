// Package delivery translates provider responses into batch outcomes.
package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// DeliveryError is a provider rejection with an optional provider code.
type DeliveryError struct {
	Code        int
	Description string
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("unable to deliver notification, received error %d (%s)", e.Code, e.Description)
	}
	return e.Description
}

// NewDeliveryError builds a DeliveryError.
func NewDeliveryError(code int, description string) *DeliveryError {
	return &DeliveryError{Code: code, Description: description}
}

// Delivery applies outcomes for one payload through its owning batch.
type Delivery struct {
	batch  *batch.Batch
	logger *slog.Logger
}

// New returns a Delivery over b.
func New(b *batch.Batch, logger *slog.Logger) *Delivery {
	return &Delivery{batch: b, logger: logger}
}

// Batch exposes the owning batch.
func (d *Delivery) Batch() *batch.Batch { return d.batch }

// MarkRetryable schedules n for deliverAfter. A notification past its
// fail-after deadline is failed instead; it never retries beyond it.
func (d *Delivery) MarkRetryable(n *push.Notification, deliverAfter time.Time, cause error) {
	now := d.batch.Now()
	if n.Expired(now) {
		d.batch.MarkFailed(n, 0, fmt.Sprintf("Notification failed to be delivered before %s.", n.FailAfter.UTC().Format("2006-01-02 15:04:05")))
		return
	}
	if cause != nil {
		d.logger.Warn("Will retry notification",
			"notification_id", n.ID,
			"deliver_after", deliverAfter,
			"retry", n.Retries,
			"err", cause,
		)
	}
	d.batch.MarkRetryable(n, deliverAfter)
}

// MarkRetryableExponential schedules n at now + 2^(retries+1) seconds.
func (d *Delivery) MarkRetryableExponential(n *push.Notification, cause error) {
	d.MarkRetryable(n, ExponentialDeliverAfter(d.batch.Now(), n.Retries), cause)
}

// ExponentialDeliverAfter computes the backoff deadline for a retry count.
func ExponentialDeliverAfter(now time.Time, retries int) time.Time {
	if retries < 0 {
		retries = 0
	}
	// Cap the exponent so the shift never overflows a Duration.
	exp := math.Min(float64(retries+1), 24)
	return now.Add(time.Duration(math.Pow(2, exp)) * time.Second)
}

// MarkDelivered records n as delivered.
func (d *Delivery) MarkDelivered(n *push.Notification) {
	d.batch.MarkDelivered(n)
}

// MarkFailed records n as failed. The provider code is taken from a
// *DeliveryError when present.
func (d *Delivery) MarkFailed(n *push.Notification, cause error) {
	code, description := describe(cause)
	d.batch.MarkFailed(n, code, description)
}

// MarkBatchRetryable schedules every unresolved notification in the batch,
// used when the transport failed before any notification could be attempted.
func (d *Delivery) MarkBatchRetryable(deliverAfter time.Time, cause error) {
	now := d.batch.Now()
	for _, n := range d.batch.Unresolved() {
		if n.Expired(now) {
			d.MarkRetryable(n, deliverAfter, nil)
		}
	}
	count := d.batch.MarkAllRetryable(deliverAfter)
	if count > 0 {
		d.logger.Warn("Will retry notifications",
			"count", count,
			"deliver_after", deliverAfter,
			"err", cause,
		)
	}
}

// MarkBatchDelivered records every notification as delivered.
func (d *Delivery) MarkBatchDelivered() {
	d.batch.MarkAllDelivered()
}

// MarkBatchFailed records every notification as failed.
func (d *Delivery) MarkBatchFailed(cause error) {
	code, description := describe(cause)
	d.batch.MarkAllFailed(code, description)
}

func describe(err error) (int, string) {
	if err == nil {
		return 0, "unknown error"
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code, de.Description
	}
	return 0, err.Error()
}
