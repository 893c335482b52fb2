// Package apns2 delivers notifications through the APNs HTTP/2 API.
package apns2

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/connection"
	"github.com/tinywideclouds/go-push-daemon/internal/delivery"
	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// ClientFactory builds a client for an app. The returned certificate is nil
// for token authentication.
type ClientFactory func(app push.App) (APNSClient, *x509.Certificate, error)

// Provider builds HTTP/2 dispatchers. Each dispatcher owns its own client and
// therefore its own HTTP/2 connection.
type Provider struct {
	Logger    *slog.Logger
	Reflector push.Reflector
	NewClient ClientFactory
	Now       func() time.Time
}

// NewProvider returns a Provider using real APNs clients.
func NewProvider(reflector push.Reflector, logger *slog.Logger) *Provider {
	return &Provider{Logger: logger, Reflector: reflector, NewClient: NewClient, Now: time.Now}
}

// NewDispatcher checks the app's certificate, when it has one, and builds a
// dispatcher around a fresh client.
func (p *Provider) NewDispatcher(_ context.Context, app push.App) (dispatch.Dispatcher, error) {
	client, leaf, err := p.NewClient(app)
	if err != nil {
		return nil, err
	}
	logger := p.Logger.With("component", "APNSDispatcher", "app_id", app.ID)
	if err := connection.CheckCertificate(leaf, p.Now(), app.ID, logger, p.Reflector); err != nil {
		return nil, err
	}
	return &Dispatcher{client: client, topic: app.BundleID, logger: logger}, nil
}

// BatchDeliveries is false: the HTTP/2 API is one request per device token.
func (p *Provider) BatchDeliveries() bool { return false }

// AuxiliaryLoops is nil; rejected tokens are reported inline.
func (p *Provider) AuxiliaryLoops(push.App) []dispatch.AuxiliaryLoop { return nil }

// NewClient creates a token client when the app carries a .p8 auth key and a
// certificate client otherwise.
// It parses credentials immediately to fail fast if they are bad.
func NewClient(app push.App) (APNSClient, *x509.Certificate, error) {
	var client *apns2.Client
	var leaf *x509.Certificate
	if app.AuthKey != "" {
		authKey, err := token.AuthKeyFromBytes([]byte(app.AuthKey))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   app.KeyID,
			TeamID:  app.TeamID,
		})
	} else {
		pair, cert, err := connection.LoadKeyPair([]byte(app.Certificate), app.Password)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load APNs certificate: %w", err)
		}
		client = apns2.NewClient(pair)
		leaf = cert
	}
	if app.IsSandbox() {
		client = client.Development()
	} else {
		client = client.Production()
	}
	return client, leaf, nil
}

// Dispatcher sends one request per notification.
type Dispatcher struct {
	client APNSClient
	topic  string // The App Bundle ID (e.g. com.tinywide.messenger)
	logger *slog.Logger
}

// Dispatch sends every notification in the payload and records each outcome.
func (d *Dispatcher) Dispatch(_ context.Context, p batch.Payload) error {
	dl := delivery.New(p.Batch, d.logger)
	for _, n := range p.Notifications() {
		d.send(dl, n)
	}
	return nil
}

func (d *Dispatcher) send(dl *delivery.Delivery, n *push.Notification) {
	req := &apns2.Notification{
		DeviceToken: n.DeviceToken,
		Topic:       d.topic,
		Payload:     BuildPayload(n),
		Priority:    priority(n.Priority),
	}
	// apns-id must be a UUID; other ids are left for APNs to assign.
	if id, err := uuid.Parse(n.ID); err == nil {
		req.ApnsID = id.String()
	}
	if n.Expiry > 0 {
		req.Expiration = dl.Batch().Now().Add(n.Expiry)
	}

	res, err := d.client.Push(req)
	if err != nil {
		// Network/Transport Failure
		d.logger.Warn("APNs transport failed", "notification_id", n.ID, "err", err)
		dl.MarkRetryableExponential(n, err)
		return
	}
	if res.Sent() {
		dl.MarkDelivered(n)
		return
	}

	cause := delivery.NewDeliveryError(res.StatusCode, res.Reason)
	switch res.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		dl.MarkRetryableExponential(n, cause)
	default:
		// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			d.logger.Info("APNs rejected device token", "notification_id", n.ID, "reason", res.Reason)
		default:
			d.logger.Warn("APNs rejected notification", "notification_id", n.ID, "reason", res.Reason, "status", res.StatusCode)
		}
		dl.MarkFailed(n, cause)
	}
}

// Close is a no-op: the HTTP/2 transport is released with the client.
func (d *Dispatcher) Close() error { return nil }

// BuildPayload renders the aps dictionary and custom data of n.
func BuildPayload(n *push.Notification) *payload.Payload {
	builder := payload.NewPayload()
	if n.Alert.Title != "" {
		builder.AlertTitle(n.Alert.Title)
	}
	if n.Alert.Body != "" {
		builder.AlertBody(n.Alert.Body)
	}
	if n.Alert.Sound != "" {
		builder.Sound(n.Alert.Sound)
	}
	if n.Badge != nil {
		builder.Badge(*n.Badge)
	}
	for k, v := range n.Data {
		builder.Custom(k, v)
	}
	return builder
}

func priority(p int) int {
	switch p {
	case apns2.PriorityLow, apns2.PriorityHigh:
		return p
	}
	return 0
}
