// Package pipeline turns ingestion messages into stored notifications.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// NotificationRequestTransformer is a dataflow Transformer that unmarshals and
// validates a raw message payload into a push.NotificationRequest.
func NotificationRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*push.NotificationRequest, bool, error) {
	var req push.NotificationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		// skip=true lets the StreamingService handle the Nack/DLQ logic.
		return nil, true, fmt.Errorf("failed to unmarshal notification request from message %s: %w", msg.ID, err)
	}
	if err := req.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid notification request in message %s: %w", msg.ID, err)
	}
	return &req, false, nil
}
