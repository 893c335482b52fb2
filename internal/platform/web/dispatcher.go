// Package web delivers notifications to browser push services using VAPID.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/delivery"
	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// DefaultTTL is the push service TTL, in seconds, when a notification has no expiry.
const DefaultTTL = 60

// Provider builds web push dispatchers.
type Provider struct {
	Logger *slog.Logger
	// HTTPClient is shared by every dispatcher; nil uses a client with a 30s timeout.
	HTTPClient webpush.HTTPClient
}

// NewProvider returns a Provider with a default HTTP client.
func NewProvider(logger *slog.Logger) *Provider {
	return &Provider{Logger: logger, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// NewDispatcher checks the app's VAPID keys and builds a dispatcher.
func (p *Provider) NewDispatcher(_ context.Context, app push.App) (dispatch.Dispatcher, error) {
	if app.VapidPublicKey == "" || app.VapidPrivateKey == "" {
		return nil, fmt.Errorf("app %s: vapid key pair is required", app.ID)
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{
		subscriber: app.VapidSubscriber,
		privateKey: app.VapidPrivateKey,
		publicKey:  app.VapidPublicKey,
		httpClient: client,
		logger:     p.Logger.With("component", "WebPushDispatcher", "app_id", app.ID),
	}, nil
}

// BatchDeliveries is false: every subscription is a separate request.
func (p *Provider) BatchDeliveries() bool { return false }

// AuxiliaryLoops is nil.
func (p *Provider) AuxiliaryLoops(push.App) []dispatch.AuxiliaryLoop { return nil }

// Dispatcher encrypts and posts notifications to subscription endpoints.
type Dispatcher struct {
	subscriber string
	privateKey string
	publicKey  string
	httpClient webpush.HTTPClient
	logger     *slog.Logger
}

// Dispatch sends every notification in the payload and records each outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, p batch.Payload) error {
	dl := delivery.New(p.Batch, d.logger)
	for _, n := range p.Notifications() {
		d.send(ctx, dl, n)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, dl *delivery.Delivery, n *push.Notification) {
	if n.WebPush == nil || n.WebPush.Endpoint == "" {
		dl.MarkFailed(n, delivery.NewDeliveryError(0, "missing web push subscription"))
		return
	}

	// Standard JSON structure
	payloadBytes, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{
			"title": n.Alert.Title,
			"body":  n.Alert.Body,
		},
		"data": n.Data,
	})
	if err != nil {
		dl.MarkFailed(n, fmt.Errorf("failed to marshal payload: %w", err))
		return
	}

	s := &webpush.Subscription{
		Endpoint: n.WebPush.Endpoint,
		Keys:     webpush.Keys{P256dh: n.WebPush.P256dh, Auth: n.WebPush.Auth},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, s, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             ttl(n),
		Urgency:         urgency(n.Priority),
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			// Transport error (DNS, Timeout)
			d.logger.Warn("WebPush transport error", "notification_id", n.ID, "err", err)
			dl.MarkRetryableExponential(n, err)
			return
		}
		// The subscription keys could not be used to encrypt the payload.
		dl.MarkFailed(n, delivery.NewDeliveryError(0, err.Error()))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		dl.MarkDelivered(n)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		cause := delivery.NewDeliveryError(resp.StatusCode, http.StatusText(resp.StatusCode))
		if after, ok := retryAfter(resp, dl.Batch().Now()); ok {
			dl.MarkRetryable(n, after, cause)
			return
		}
		dl.MarkRetryableExponential(n, cause)
	default:
		// 410 Gone / 404 Not Found -> subscription is dead
		d.logger.Warn("WebPush rejected", "status", resp.StatusCode, "notification_id", n.ID)
		dl.MarkFailed(n, delivery.NewDeliveryError(resp.StatusCode, http.StatusText(resp.StatusCode)))
	}
}

// Close is a no-op: the HTTP client is shared.
func (d *Dispatcher) Close() error { return nil }

func ttl(n *push.Notification) int {
	if n.Expiry > 0 {
		return int(n.Expiry / time.Second)
	}
	return DefaultTTL
}

func urgency(priority int) webpush.Urgency {
	switch priority {
	case 5:
		return webpush.UrgencyNormal
	case 10:
		return webpush.UrgencyHigh
	}
	return ""
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response, now time.Time) (time.Time, bool) {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return now.Add(time.Duration(secs) * time.Second), true
}
