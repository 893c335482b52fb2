// Package reflection provides push.Reflector sinks: structured logging,
// OpenTelemetry counters and a fan-out over several sinks.
package reflection

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Multi fans an event out to every non-nil reflector.
type Multi []push.Reflector

func (m Multi) Reflect(e push.Event) {
	for _, r := range m {
		if r != nil {
			r.Reflect(e)
		}
	}
}

// Nop discards every event.
var Nop push.Reflector = push.ReflectorFunc(func(push.Event) {})

// Logging writes each event as one structured log line.
type Logging struct {
	logger *slog.Logger
}

func NewLogging(logger *slog.Logger) *Logging {
	return &Logging{logger: logger.With("component", "Reflection")}
}

func (l *Logging) Reflect(e push.Event) {
	attrs := []any{"event", string(e.Kind)}
	if e.AppID != "" {
		attrs = append(attrs, "app_id", e.AppID)
	}
	if e.Notification != nil {
		attrs = append(attrs, "notification_id", e.Notification.ID)
	}
	if e.DeviceToken != "" {
		attrs = append(attrs, "device_token", push.RedactToken(e.DeviceToken))
	}
	if !e.At.IsZero() {
		attrs = append(attrs, "at", e.At)
	}
	if e.Err != nil {
		attrs = append(attrs, "err", e.Err)
	}

	switch e.Kind {
	case push.EventError, push.EventTCPConnectionLost:
		l.logger.Error("Reflection", attrs...)
	case push.EventNotificationFailed, push.EventCertificateWillExpire, push.EventAPNsFeedback:
		l.logger.Warn("Reflection", attrs...)
	case push.EventNotificationEnqueued, push.EventNotificationDelivered, push.EventNotificationWillRetry:
		l.logger.Debug("Reflection", attrs...)
	default:
		l.logger.Info("Reflection", attrs...)
	}
}

// Metrics counts events per kind and app.
type Metrics struct {
	events metric.Int64Counter
}

// NewMetrics registers the counter on meter; a nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("go-push-daemon")
	}
	events, err := meter.Int64Counter(
		"push_daemon_events_total",
		metric.WithDescription("Total number of reflected daemon events"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	return &Metrics{events: events}, nil
}

func (m *Metrics) Reflect(e push.Event) {
	m.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", string(e.Kind)),
		attribute.String("app_id", e.AppID),
	))
}
