// Package fcm delivers notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/delivery"
	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// MaxMessagesPerSend is the SendEach limit of the Firebase SDK.
const MaxMessagesPerSend = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// ClientFactory builds a messaging client for an app.
type ClientFactory func(ctx context.Context, app push.App) (MessagingClient, error)

// Provider builds FCM dispatchers. A batch is sent with SendEach calls of up
// to MaxMessagesPerSend messages.
type Provider struct {
	Logger    *slog.Logger
	NewClient ClientFactory
}

// NewProvider returns a Provider creating real Firebase clients. opts are
// appended to every client, e.g. option.WithEndpoint for tests.
func NewProvider(logger *slog.Logger, opts ...option.ClientOption) *Provider {
	return &Provider{
		Logger: logger,
		NewClient: func(ctx context.Context, app push.App) (MessagingClient, error) {
			return NewClient(ctx, app, opts...)
		},
	}
}

// NewClient creates a Firebase messaging client from the app's project id
// and service account JSON. Without credentials the SDK falls back to
// application default credentials.
func NewClient(ctx context.Context, app push.App, opts ...option.ClientOption) (*messaging.Client, error) {
	if app.ProjectID == "" {
		return nil, fmt.Errorf("app %s: fcm project id is required", app.ID)
	}
	if app.CredentialsJSON != "" {
		opts = append([]option.ClientOption{option.WithCredentialsJSON([]byte(app.CredentialsJSON))}, opts...)
	}
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: app.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := fbApp.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}
	return client, nil
}

// NewDispatcher builds a dispatcher around a fresh client.
func (p *Provider) NewDispatcher(ctx context.Context, app push.App) (dispatch.Dispatcher, error) {
	client, err := p.NewClient(ctx, app)
	if err != nil {
		return nil, err
	}
	return NewDispatcher(client, p.Logger.With("app_id", app.ID)), nil
}

// BatchDeliveries is true: the SDK fans a batch out over its own workers.
func (p *Provider) BatchDeliveries() bool { return true }

// AuxiliaryLoops is nil; stale tokens are reported inline.
func (p *Provider) AuxiliaryLoops(push.App) []dispatch.AuxiliaryLoop { return nil }

// Dispatcher sends batches through one messaging client.
type Dispatcher struct {
	client MessagingClient
	logger *slog.Logger
}

// NewDispatcher accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewDispatcher(client MessagingClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		logger: logger.With("component", "FCMDispatcher"),
	}
}

// Dispatch sends every notification of the payload and records each outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, p batch.Payload) error {
	dl := delivery.New(p.Batch, d.logger)

	var sendable []*push.Notification
	for _, n := range p.Notifications() {
		if n.DeviceToken == "" {
			dl.MarkFailed(n, delivery.NewDeliveryError(0, "missing registration token"))
			continue
		}
		sendable = append(sendable, n)
	}

	var errs []error
	for start := 0; start < len(sendable); start += MaxMessagesPerSend {
		chunk := sendable[start:min(start+MaxMessagesPerSend, len(sendable))]
		if err := d.send(ctx, dl, chunk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, dl *delivery.Delivery, ns []*push.Notification) error {
	messages := make([]*messaging.Message, len(ns))
	for i, n := range ns {
		messages[i] = buildMessage(n)
	}

	br, err := d.client.SendEach(ctx, messages)
	if err != nil {
		// Is this a fatal validation error?
		if messaging.IsInvalidArgument(err) {
			d.logger.Error("FCM rejected batch as InvalidArgument (dropping)", "count", len(ns), "err", err)
			for _, n := range ns {
				dl.MarkFailed(n, deliveryError(err))
			}
			return nil
		}
		// Real network/auth failure -> Retry
		for _, n := range ns {
			dl.MarkRetryableExponential(n, err)
		}
		return fmt.Errorf("fcm transport failed: %w", err)
	}

	invalid := 0
	for i, resp := range br.Responses {
		n := ns[i]
		switch {
		case resp.Success:
			dl.MarkDelivered(n)
		case permanent(resp.Error):
			// The token is garbage or belongs to another sender.
			invalid++
			dl.MarkFailed(n, deliveryError(resp.Error))
		default:
			dl.MarkRetryableExponential(n, resp.Error)
		}
	}
	if invalid > 0 {
		d.logger.Info("FCM rejected registration tokens", "invalid", invalid, "success", br.SuccessCount)
	}
	return nil
}

// Close is a no-op: the client holds no dedicated connection.
func (d *Dispatcher) Close() error { return nil }

func permanent(err error) bool {
	return messaging.IsInvalidArgument(err) ||
		messaging.IsUnregistered(err) ||
		messaging.IsSenderIDMismatch(err) ||
		messaging.IsThirdPartyAuthError(err)
}

// deliveryError keeps the HTTP status of a Firebase error as the failure code.
func deliveryError(err error) *delivery.DeliveryError {
	code := 0
	if resp := errorutils.HTTPResponse(err); resp != nil {
		code = resp.StatusCode
	}
	return delivery.NewDeliveryError(code, err.Error())
}

func buildMessage(n *push.Notification) *messaging.Message {
	msg := &messaging.Message{
		Token: n.DeviceToken,
		Data:  n.Data,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: n.Alert.Title,
				Body:  n.Alert.Body,
				Icon:  "/assets/icons/icon-192x192.png",
			},
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if n.Alert.Title != "" || n.Alert.Body != "" {
		msg.Notification = &messaging.Notification{Title: n.Alert.Title, Body: n.Alert.Body}
	}
	if n.Priority == 5 {
		msg.Android.Priority = "normal"
	}
	if n.Expiry > 0 {
		ttl := n.Expiry
		msg.Android.TTL = &ttl
	}
	if n.Alert.Sound != "" || n.Badge != nil {
		msg.APNS = &messaging.APNSConfig{Payload: &messaging.APNSPayload{Aps: &messaging.Aps{Sound: n.Alert.Sound, Badge: n.Badge}}}
	}
	return msg
}
