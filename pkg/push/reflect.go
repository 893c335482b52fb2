package push

import "time"

// EventKind names an observability hook.
type EventKind string

const (
	EventNotificationEnqueued  EventKind = "notification_enqueued"
	EventNotificationDelivered EventKind = "notification_delivered"
	EventNotificationFailed    EventKind = "notification_failed"
	EventNotificationWillRetry EventKind = "notification_will_retry"
	EventTCPConnectionLost     EventKind = "tcp_connection_lost"
	EventCertificateWillExpire EventKind = "ssl_certificate_will_expire"
	EventAPNsFeedback          EventKind = "apns_feedback"
	EventAppStarted            EventKind = "app_started"
	EventAppStopped            EventKind = "app_stopped"
	EventError                 EventKind = "error"
)

// Event is a reflection: an operational signal, never control flow.
type Event struct {
	Kind         EventKind
	AppID        string
	Notification *Notification
	Err          error
	// At carries a relevant timestamp, e.g. a certificate expiry.
	At          time.Time
	DeviceToken string
}

// Reflector receives events. Implementations must be safe for concurrent use
// and must not block for long.
type Reflector interface {
	Reflect(e Event)
}

// ReflectorFunc adapts a function to Reflector.
type ReflectorFunc func(e Event)

func (f ReflectorFunc) Reflect(e Event) { f(e) }

// RedactToken shortens a device token for logs, keeping only enough of its
// tail to correlate entries.
func RedactToken(token string) string {
	const keep = 6
	if len(token) <= keep {
		return "***"
	}
	return "***" + token[len(token)-keep:]
}
