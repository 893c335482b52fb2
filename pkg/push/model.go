// Package push contains the public domain models and contracts for the push
// delivery daemon: apps, notifications, the backing store and reflection hooks.
package push

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ServiceKind selects the provider implementation an App delivers through.
type ServiceKind string

const (
	// ServiceAPNs is the legacy APNs binary protocol over TCP+TLS.
	ServiceAPNs ServiceKind = "apns"
	// ServiceAPNs2 is the APNs HTTP/2 API.
	ServiceAPNs2   ServiceKind = "apns2"
	ServiceFCM     ServiceKind = "fcm"
	ServiceWebPush ServiceKind = "webpush"
)

// Valid reports whether k is one of the known provider kinds.
func (k ServiceKind) Valid() bool {
	switch k {
	case ServiceAPNs, ServiceAPNs2, ServiceFCM, ServiceWebPush:
		return true
	}
	return false
}

// App is one provider credential set notifications are delivered through.
type App struct {
	ID          string      `json:"id" firestore:"id" yaml:"id"`
	Name        string      `json:"name" firestore:"name" yaml:"name"`
	Service     ServiceKind `json:"service" firestore:"service" yaml:"service"`
	Connections int         `json:"connections" firestore:"connections" yaml:"connections"`
	Environment string      `json:"environment,omitempty" firestore:"environment,omitempty" yaml:"environment"`

	// APNs certificate authentication (PEM encoded certificate and key).
	Certificate string `json:"certificate,omitempty" firestore:"certificate,omitempty" yaml:"certificate"`
	Password    string `json:"password,omitempty" firestore:"password,omitempty" yaml:"password"`

	// APNs token authentication.
	KeyID    string `json:"key_id,omitempty" firestore:"key_id,omitempty" yaml:"key_id"`
	TeamID   string `json:"team_id,omitempty" firestore:"team_id,omitempty" yaml:"team_id"`
	BundleID string `json:"bundle_id,omitempty" firestore:"bundle_id,omitempty" yaml:"bundle_id"`
	AuthKey  string `json:"auth_key,omitempty" firestore:"auth_key,omitempty" yaml:"auth_key"`

	// FCM
	ProjectID       string `json:"project_id,omitempty" firestore:"project_id,omitempty" yaml:"project_id"`
	CredentialsJSON string `json:"credentials_json,omitempty" firestore:"credentials_json,omitempty" yaml:"credentials_json"`

	// Web Push (VAPID)
	VapidPublicKey  string `json:"vapid_public_key,omitempty" firestore:"vapid_public_key,omitempty" yaml:"vapid_public_key"`
	VapidPrivateKey string `json:"vapid_private_key,omitempty" firestore:"vapid_private_key,omitempty" yaml:"vapid_private_key"`
	VapidSubscriber string `json:"vapid_subscriber,omitempty" firestore:"vapid_subscriber,omitempty" yaml:"vapid_subscriber"`

	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at" yaml:"-"`
}

// IsSandbox reports whether the app targets a provider's development environment.
func (a App) IsSandbox() bool {
	switch strings.ToLower(a.Environment) {
	case "sandbox", "development":
		return true
	}
	return false
}

// CredentialFingerprint hashes every attribute a live connection depends on.
// Runners whose fingerprint changed must be restarted; Connections is
// deliberately excluded since the pool can be resized in place.
func (a App) CredentialFingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		string(a.Service), a.Environment, a.Certificate, a.Password,
		a.KeyID, a.TeamID, a.BundleID, a.AuthKey,
		a.ProjectID, a.CredentialsJSON,
		a.VapidPublicKey, a.VapidPrivateKey, a.VapidSubscriber,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Alert is the user-visible part of a notification.
type Alert struct {
	Title string `json:"title,omitempty" firestore:"title,omitempty"`
	Body  string `json:"body,omitempty" firestore:"body,omitempty"`
	Sound string `json:"sound,omitempty" firestore:"sound,omitempty"`
}

// WebPushSubscription is the browser subscription a web push is sent to.
type WebPushSubscription struct {
	Endpoint string `json:"endpoint" firestore:"endpoint"`
	P256dh   string `json:"p256dh" firestore:"p256dh"`
	Auth     string `json:"auth" firestore:"auth"`
}

// Notification is a unit of work plus its delivery state.
type Notification struct {
	ID          string               `json:"id" firestore:"id"`
	AppID       string               `json:"app_id" firestore:"app_id"`
	DeviceToken string               `json:"device_token,omitempty" firestore:"device_token,omitempty"`
	WebPush     *WebPushSubscription `json:"web_push,omitempty" firestore:"web_push,omitempty"`
	Alert       Alert                `json:"alert" firestore:"alert"`
	Badge       *int                 `json:"badge,omitempty" firestore:"badge,omitempty"`
	Data        map[string]string    `json:"data,omitempty" firestore:"data,omitempty"`
	Priority    int                  `json:"priority,omitempty" firestore:"priority,omitempty"`
	// Expiry is how long the provider should keep trying to deliver.
	Expiry time.Duration `json:"expiry,omitempty" firestore:"expiry,omitempty"`

	Retries      int       `json:"retries" firestore:"retries"`
	DeliverAfter time.Time `json:"deliver_after,omitempty" firestore:"deliver_after"`
	FailAfter    time.Time `json:"fail_after,omitempty" firestore:"fail_after,omitempty"`

	Delivered        bool      `json:"delivered" firestore:"delivered"`
	DeliveredAt      time.Time `json:"delivered_at,omitempty" firestore:"delivered_at,omitempty"`
	Failed           bool      `json:"failed" firestore:"failed"`
	FailedAt         time.Time `json:"failed_at,omitempty" firestore:"failed_at,omitempty"`
	ErrorCode        int       `json:"error_code,omitempty" firestore:"error_code,omitempty"`
	ErrorDescription string    `json:"error_description,omitempty" firestore:"error_description,omitempty"`

	Processing bool      `json:"processing" firestore:"processing"`
	CreatedAt  time.Time `json:"created_at" firestore:"created_at"`
}

// Deliverable reports whether n may be handed to a dispatcher at now.
func (n *Notification) Deliverable(now time.Time) bool {
	if n.Delivered || n.Failed || n.Processing {
		return false
	}
	return !n.DeliverAfter.After(now)
}

// Expired reports whether the fail-after deadline has passed.
func (n *Notification) Expired(now time.Time) bool {
	return !n.FailAfter.IsZero() && n.FailAfter.Before(now)
}

// Resolved reports whether n already has a terminal outcome.
func (n *Notification) Resolved() bool {
	return n.Delivered || n.Failed
}

// ApplyDelivered records a delivery on the in-memory object.
func (n *Notification) ApplyDelivered(at time.Time) {
	n.Delivered = true
	n.DeliveredAt = at
	n.Failed = false
	n.Processing = false
}

// ApplyFailed records a terminal failure on the in-memory object.
func (n *Notification) ApplyFailed(code int, description string, at time.Time) {
	n.Delivered = false
	n.Failed = true
	n.FailedAt = at
	n.ErrorCode = code
	n.ErrorDescription = description
	n.Processing = false
}

// ApplyRetryable schedules another attempt on the in-memory object.
func (n *Notification) ApplyRetryable(deliverAfter time.Time) {
	n.Retries++
	n.DeliverAfter = deliverAfter
	n.Processing = false
}
