package push

import (
	"errors"
	"fmt"
	"time"
)

// NotificationRequest is the wire form of a new notification, accepted by the
// admin API and the ingestion subscription.
type NotificationRequest struct {
	AppID         string               `json:"app_id"`
	DeviceToken   string               `json:"device_token,omitempty"`
	WebPush       *WebPushSubscription `json:"web_push,omitempty"`
	Alert         Alert                `json:"alert"`
	Badge         *int                 `json:"badge,omitempty"`
	Data          map[string]string    `json:"data,omitempty"`
	Priority      int                  `json:"priority,omitempty"`
	ExpirySeconds int                  `json:"expiry_seconds,omitempty"`
	DeliverAfter  time.Time            `json:"deliver_after,omitempty"`
	FailAfter     time.Time            `json:"fail_after,omitempty"`
}

// Validate checks the fields every provider relies on.
func (r NotificationRequest) Validate() error {
	var errs []error
	if r.AppID == "" {
		errs = append(errs, errors.New("app_id is required"))
	}
	if r.DeviceToken == "" && (r.WebPush == nil || r.WebPush.Endpoint == "") {
		errs = append(errs, errors.New("device_token or web_push.endpoint is required"))
	}
	switch r.Priority {
	case 0, 5, 10:
	default:
		errs = append(errs, fmt.Errorf("priority must be 5 or 10, got %d", r.Priority))
	}
	if r.ExpirySeconds < 0 {
		errs = append(errs, errors.New("expiry_seconds must not be negative"))
	}
	if !r.FailAfter.IsZero() && !r.DeliverAfter.IsZero() && r.FailAfter.Before(r.DeliverAfter) {
		errs = append(errs, errors.New("fail_after is before deliver_after"))
	}
	return errors.Join(errs...)
}

// Notification builds a new, undelivered notification from the request.
func (r NotificationRequest) Notification() *Notification {
	return &Notification{
		AppID:        r.AppID,
		DeviceToken:  r.DeviceToken,
		WebPush:      r.WebPush,
		Alert:        r.Alert,
		Badge:        r.Badge,
		Data:         r.Data,
		Priority:     r.Priority,
		Expiry:       time.Duration(r.ExpirySeconds) * time.Second,
		DeliverAfter: r.DeliverAfter,
		FailAfter:    r.FailAfter,
	}
}
