// Package apns delivers notifications over the legacy APNs binary interface:
// command 2 frames written to a persistent TLS socket, with error-response
// packets read back and a feedback service polled for dead tokens.
package apns

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/connection"
	"github.com/tinywideclouds/go-push-daemon/internal/delivery"
	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Endpoint is a gateway or feedback host.
type Endpoint struct {
	Host string
	Port int
}

var (
	ProductionGateway  = Endpoint{Host: "gateway.push.apple.com", Port: 2195}
	SandboxGateway     = Endpoint{Host: "gateway.sandbox.push.apple.com", Port: 2195}
	ProductionFeedback = Endpoint{Host: "feedback.push.apple.com", Port: 2196}
	SandboxFeedback    = Endpoint{Host: "feedback.sandbox.push.apple.com", Port: 2196}
)

const (
	// DefaultErrorTimeout is how long to wait for an error response after a write.
	DefaultErrorTimeout = 500 * time.Millisecond
	// DefaultFeedbackInterval is the pause between feedback service polls.
	DefaultFeedbackInterval = time.Minute
)

// Provider builds binary-protocol dispatchers and feedback receivers.
type Provider struct {
	Logger    *slog.Logger
	Reflector push.Reflector
	// Gateway and Feedback override the endpoints chosen from the app
	// environment when non-zero.
	Gateway          Endpoint
	Feedback         Endpoint
	ErrorTimeout     time.Duration
	FeedbackInterval time.Duration
	// ConnectionOptions are applied to every Connection, e.g. a test dialer.
	ConnectionOptions []connection.Option
}

// NewProvider returns a Provider with default timings.
func NewProvider(reflector push.Reflector, logger *slog.Logger) *Provider {
	return &Provider{
		Logger:           logger,
		Reflector:        reflector,
		ErrorTimeout:     DefaultErrorTimeout,
		FeedbackInterval: DefaultFeedbackInterval,
	}
}

// BatchDeliveries is true: a batch is written as one stream of frames.
func (p *Provider) BatchDeliveries() bool { return true }

// NewDispatcher creates a dispatcher with its own gateway connection. The
// certificate is parsed here and checked for expiry on every connect.
func (p *Provider) NewDispatcher(_ context.Context, app push.App) (dispatch.Dispatcher, error) {
	conn, err := p.connection(app, p.gateway(app))
	if err != nil {
		return nil, err
	}
	timeout := p.ErrorTimeout
	if timeout <= 0 {
		timeout = DefaultErrorTimeout
	}
	return &Dispatcher{
		conn:         conn,
		errorTimeout: timeout,
		logger:       p.Logger.With("component", "APNSBinaryDispatcher", "app_id", app.ID),
	}, nil
}

// AuxiliaryLoops returns the app's feedback receiver.
func (p *Provider) AuxiliaryLoops(app push.App) []dispatch.AuxiliaryLoop {
	conn, err := p.connection(app, p.feedback(app))
	if err != nil {
		p.Logger.Error("Feedback receiver not started", "app_id", app.ID, "err", err)
		return nil
	}
	interval := p.FeedbackInterval
	if interval <= 0 {
		interval = DefaultFeedbackInterval
	}
	return []dispatch.AuxiliaryLoop{NewFeedbackReceiver(app.ID, conn, interval, p.Reflector, p.Logger)}
}

func (p *Provider) connection(app push.App, ep Endpoint) (*connection.Connection, error) {
	pair, leaf, err := connection.LoadKeyPair([]byte(app.Certificate), app.Password)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.ID, err)
	}
	return connection.New(connection.Config{
		AppID:       app.ID,
		Host:        ep.Host,
		Port:        ep.Port,
		TLS:         &tls.Config{Certificates: []tls.Certificate{pair}, ServerName: ep.Host, MinVersion: tls.VersionTLS12},
		Certificate: leaf,
	}, p.Logger, p.Reflector, p.ConnectionOptions...), nil
}

func (p *Provider) gateway(app push.App) Endpoint {
	switch {
	case p.Gateway != Endpoint{}:
		return p.Gateway
	case app.IsSandbox():
		return SandboxGateway
	}
	return ProductionGateway
}

func (p *Provider) feedback(app push.App) Endpoint {
	switch {
	case p.Feedback != Endpoint{}:
		return p.Feedback
	case app.IsSandbox():
		return SandboxFeedback
	}
	return ProductionFeedback
}

// Dispatcher writes batches of frames to the gateway.
type Dispatcher struct {
	conn         *connection.Connection
	errorTimeout time.Duration
	logger       *slog.Logger
	nextID       uint32
}

type sentFrame struct {
	identifier   uint32
	notification *push.Notification
}

// Dispatch writes every notification of the payload in one write, then waits
// briefly for an error response. The gateway reports at most one error and
// drops everything written after the offending frame, so notifications
// before it are delivered and those after it are resent.
func (d *Dispatcher) Dispatch(ctx context.Context, p batch.Payload) error {
	dl := delivery.New(p.Batch, d.logger)
	now := p.Batch.Now()

	var stream []byte
	var sent []sentFrame
	for _, n := range p.Notifications() {
		d.nextID++
		frame, err := encodeFrame(n, d.nextID, now)
		if err != nil {
			dl.MarkFailed(n, err)
			continue
		}
		stream = append(stream, frame...)
		sent = append(sent, sentFrame{identifier: d.nextID, notification: n})
	}
	if len(sent) == 0 {
		return nil
	}

	if err := d.conn.Write(ctx, stream); err != nil {
		var expired *connection.CertificateExpiredError
		if errors.As(err, &expired) {
			dl.MarkBatchFailed(err)
		} else {
			dl.MarkBatchRetryable(delivery.ExponentialDeliverAfter(now, 0), err)
		}
		return fmt.Errorf("failed to write %d notifications: %w", len(sent), err)
	}

	resp, err := d.readErrorResponse(ctx)
	if err != nil {
		return err
	}
	if resp == nil {
		for _, s := range sent {
			dl.MarkDelivered(s.notification)
		}
		return nil
	}
	d.applyErrorResponse(dl, sent, *resp)
	return nil
}

// readErrorResponse returns nil when no error arrived within the timeout.
func (d *Dispatcher) readErrorResponse(ctx context.Context) (*errorResponse, error) {
	buf := make([]byte, errorResponseBytes)
	_, err := d.conn.ReadWithTimeout(ctx, buf, d.errorTimeout)
	switch {
	case err == nil:
	case connection.IsTimeout(err):
		return nil, nil
	case connection.IsTransient(err):
		// Closed without an error packet; nothing was rejected.
		d.logger.Warn("Gateway closed connection without error response", "err", err)
		_ = d.conn.Close()
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to read error response: %w", err)
	}

	// The gateway closes the socket after an error response.
	_ = d.conn.Close()
	resp, err := decodeErrorResponse(buf)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (d *Dispatcher) applyErrorResponse(dl *delivery.Delivery, sent []sentFrame, resp errorResponse) {
	idx := -1
	for i, s := range sent {
		if s.identifier == resp.Identifier {
			idx = i
			break
		}
	}
	d.logger.Warn("Gateway returned error response",
		"status", resp.Status,
		"description", StatusDescription(resp.Status),
		"identifier", resp.Identifier,
		"matched", idx >= 0,
	)

	// On shutdown the identifier is the last frame the gateway accepted.
	lastDelivered := idx - 1
	if resp.Status == StatusShutdown {
		lastDelivered = idx
	}
	if idx < 0 {
		// Unknown identifier: nothing can be attributed, resend everything.
		lastDelivered = -1
	}

	resend := dl.Batch().Now()
	for i, s := range sent {
		switch {
		case i <= lastDelivered:
			dl.MarkDelivered(s.notification)
		case i == idx && resp.Status != StatusShutdown:
			dl.MarkFailed(s.notification, delivery.NewDeliveryError(resp.Status, StatusDescription(resp.Status)))
		default:
			dl.MarkRetryable(s.notification, resend, nil)
		}
	}
}

// Close closes the gateway connection.
func (d *Dispatcher) Close() error { return d.conn.Close() }
