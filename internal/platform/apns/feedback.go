package apns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-daemon/internal/connection"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// FeedbackReceiver periodically drains the feedback service and reflects each
// device token APNs reported as no longer valid.
type FeedbackReceiver struct {
	appID     string
	conn      *connection.Connection
	interval  time.Duration
	reflector push.Reflector
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeedbackReceiver creates a stopped receiver.
func NewFeedbackReceiver(appID string, conn *connection.Connection, interval time.Duration, reflector push.Reflector, logger *slog.Logger) *FeedbackReceiver {
	return &FeedbackReceiver{
		appID:     appID,
		conn:      conn,
		interval:  interval,
		reflector: reflector,
		logger:    logger.With("component", "FeedbackReceiver", "app_id", appID),
	}
}

// Start polls immediately and then every interval until Stop.
func (f *FeedbackReceiver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			f.CheckForFeedback(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the poll loop and waits for it.
func (f *FeedbackReceiver) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = f.conn.Close()
	<-done
}

// CheckForFeedback connects, reads tuples until the service closes the
// connection and returns how many were received.
func (f *FeedbackReceiver) CheckForFeedback(ctx context.Context) int {
	defer func() { _ = f.conn.Close() }()

	count := 0
	buf := make([]byte, feedbackTupleBytes)
	for ctx.Err() == nil {
		_, err := f.conn.Read(ctx, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				f.logger.Error("Failed to read feedback", "err", err)
				if f.reflector != nil {
					f.reflector.Reflect(push.Event{Kind: push.EventError, AppID: f.appID, Err: err})
				}
			}
			break
		}
		tuple, err := decodeFeedbackTuple(buf)
		if err != nil {
			f.logger.Warn("Discarding malformed feedback", "err", err)
			continue
		}
		count++
		f.logger.Info("Received feedback", "device_token", push.RedactToken(tuple.DeviceToken), "failed_at", tuple.At)
		if f.reflector != nil {
			f.reflector.Reflect(push.Event{Kind: push.EventAPNsFeedback, AppID: f.appID, DeviceToken: tuple.DeviceToken, At: tuple.At})
		}
	}
	return count
}
