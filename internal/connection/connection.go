// Package connection manages a persistent TCP+TLS connection to a provider
// endpoint with lazy connect, idle reconnects and bounded write retries.
package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

const (
	// IdlePeriod is how long a connection may sit unused before the next
	// write reconnects first.
	IdlePeriod = 30 * time.Minute
	// MaxReconnects bounds reconnect attempts for a single write.
	MaxReconnects = 3
	// RetryPause is the fixed pause between reconnect attempts.
	RetryPause = time.Second
)

// ErrConnection is wrapped by errors returned once reconnects are exhausted.
var ErrConnection = errors.New("connection failed")

// DialFunc opens a TLS connection. The handshake must be complete on return.
type DialFunc func(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error)

// DefaultDial dials with keep-alive enabled.
func DefaultDial(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		Config:    cfg,
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Config describes the endpoint and credentials of a Connection.
type Config struct {
	AppID string
	Host  string
	Port  int
	TLS   *tls.Config
	// Certificate is the client leaf certificate checked for expiry on every
	// connect. Nil skips the check.
	Certificate *x509.Certificate
}

// Option customises a Connection.
type Option func(*Connection)

// WithDial replaces the dialer.
func WithDial(dial DialFunc) Option { return func(c *Connection) { c.dial = dial } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Connection) { c.now = now } }

// WithSleep replaces the pause between reconnect attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Connection) { c.sleep = sleep }
}

// Connection owns one transport to a provider for one app. It is safe for
// concurrent use, though each dispatcher normally owns its own.
type Connection struct {
	cfg       Config
	dial      DialFunc
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
	reflector push.Reflector

	mu        sync.Mutex
	conn      net.Conn
	lastTouch time.Time
	onConnect []func(net.Conn) error
}

// New creates a disconnected Connection.
func New(cfg Config, logger *slog.Logger, reflector push.Reflector, opts ...Option) *Connection {
	c := &Connection{
		cfg:       cfg,
		dial:      DefaultDial,
		now:       time.Now,
		sleep:     sleepContext,
		logger:    logger.With("component", "Connection", "app_id", cfg.AppID, "host", cfg.Host),
		reflector: reflector,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnConnect registers fn to run on the raw connection right after every
// successful handshake, before any data is written.
func (c *Connection) OnConnect(fn func(net.Conn) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Connected reports whether a transport is currently open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the transport if it is not already open.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	return c.connectLocked(ctx)
}

// Reconnect closes and reopens the transport.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectLocked(ctx)
}

// Close closes the transport.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// Write sends data, connecting lazily and reconnecting first when the idle
// period has been exceeded. Transient errors are retried after reconnecting
// up to MaxReconnects times with RetryPause between attempts.
func (c *Connection) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
	}
	if c.idlePeriodExceededLocked() {
		c.logger.Info("Idle period exceeded, reconnecting")
		if err := c.reconnectLocked(ctx); err != nil {
			return err
		}
	}

	for retry := 0; ; retry++ {
		err := c.writeLocked(data)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if retry == 0 {
			c.logger.Warn("Lost connection, reconnecting", "err", err)
			c.reflect(push.Event{Kind: push.EventTCPConnectionLost, AppID: c.cfg.AppID, Err: err})
		}
		if retry >= MaxReconnects {
			return fmt.Errorf("%w: %s tried %d times to reconnect: %v", ErrConnection, c.cfg.AppID, retry, err)
		}
		if err := c.reconnectWithRescueLocked(ctx); err != nil {
			return err
		}
		if err := c.sleep(ctx, RetryPause); err != nil {
			return err
		}
	}
}

// Read reads from the transport, connecting lazily.
func (c *Connection) Read(ctx context.Context, buf []byte) (int, error) {
	conn, err := c.readableConn(ctx)
	if err != nil {
		return 0, err
	}
	return io.ReadFull(conn, buf)
}

// ReadWithTimeout waits up to timeout for buf to fill. A timeout with no data
// is reported with an error satisfying IsTimeout.
func (c *Connection) ReadWithTimeout(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	conn, err := c.readableConn(ctx)
	if err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(c.now().Add(timeout)); err != nil {
		return 0, err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	return io.ReadFull(conn, buf)
}

func (c *Connection) readableConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return c.conn, nil
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if err := CheckCertificate(c.cfg.Certificate, c.now(), c.cfg.AppID, c.logger, c.reflector); err != nil {
		return err
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dial(ctx, addr, c.cfg.TLS)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	for _, fn := range c.onConnect {
		if err := fn(conn); err != nil {
			_ = conn.Close()
			return fmt.Errorf("on connect %s: %w", addr, err)
		}
	}
	c.conn = conn
	c.lastTouch = c.now()
	c.logger.Info("Connected")
	return nil
}

func (c *Connection) reconnectLocked(ctx context.Context) error {
	_ = c.closeLocked()
	return c.connectLocked(ctx)
}

// reconnectWithRescueLocked logs and reflects reconnect failures so the
// write can be retried. An expired certificate will not recover and is
// returned.
func (c *Connection) reconnectWithRescueLocked(ctx context.Context) error {
	err := c.reconnectLocked(ctx)
	if err == nil {
		return nil
	}
	var certErr *CertificateExpiredError
	if errors.As(err, &certErr) {
		return err
	}
	c.logger.Error("Reconnect failed", "err", err)
	c.reflect(push.Event{Kind: push.EventError, AppID: c.cfg.AppID, Err: err})
	return nil
}

func (c *Connection) writeLocked(data []byte) error {
	if c.conn == nil {
		return net.ErrClosed
	}
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	c.lastTouch = c.now()
	return nil
}

func (c *Connection) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Connection) idlePeriodExceededLocked() bool {
	return c.now().Sub(c.lastTouch) > IdlePeriod
}

func (c *Connection) reflect(e push.Event) {
	if c.reflector != nil {
		c.reflector.Reflect(e)
	}
}

// IsTransient reports whether err is an I/O failure worth reconnecting for.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	var recordErr tls.RecordHeaderError
	var errno syscall.Errno
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return true
	case errors.As(err, &recordErr):
		return true
	case errors.As(err, &errno):
		return true
	case errors.As(err, &netErr):
		return true
	}
	return false
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
