package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// NotificationWriter is the store operation the processor needs.
type NotificationWriter interface {
	CreateNotification(ctx context.Context, n *push.Notification) error
}

// Waker is told when new work has been stored.
type Waker interface {
	Wakeup()
}

// NewProcessor persists each request as a notification and wakes the feeder.
// A store error is returned so the message is redelivered.
func NewProcessor(
	store NotificationWriter,
	waker Waker,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[push.NotificationRequest] {

	return func(ctx context.Context, original messagepipeline.Message, request *push.NotificationRequest) error {
		procLogger := logger.With(
			"app_id", request.AppID,
			"pubsub_msg_id", original.ID,
		)

		n := request.Notification()
		if err := store.CreateNotification(ctx, n); err != nil {
			procLogger.Error("Failed to store notification", "err", err)
			return err
		}
		procLogger.Debug("Notification stored", "notification_id", n.ID)

		if waker != nil {
			waker.Wakeup()
		}
		return nil
	}
}
