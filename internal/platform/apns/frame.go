package apns

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-daemon/internal/delivery"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/apns2"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

const (
	commandNotification  byte = 2
	commandErrorResponse byte = 8
)

const (
	itemDeviceToken byte = 1
	itemPayload     byte = 2
	itemIdentifier  byte = 3
	itemExpiration  byte = 4
	itemPriority    byte = 5
)

const (
	// MaxPayloadBytes is the largest payload the binary interface accepts.
	MaxPayloadBytes    = 2048
	deviceTokenBytes   = 32
	errorResponseBytes = 6
	feedbackTupleBytes = 38
)

// Status codes returned in error-response packets.
const (
	StatusNoErrors           = 0
	StatusProcessingError    = 1
	StatusMissingDeviceToken = 2
	StatusMissingTopic       = 3
	StatusMissingPayload     = 4
	StatusInvalidTokenSize   = 5
	StatusInvalidTopicSize   = 6
	StatusInvalidPayloadSize = 7
	StatusInvalidToken       = 8
	StatusShutdown           = 10
	StatusUnknown            = 255
)

var statusDescriptions = map[int]string{
	StatusNoErrors:           "No errors encountered",
	StatusProcessingError:    "Processing error",
	StatusMissingDeviceToken: "Missing device token",
	StatusMissingTopic:       "Missing topic",
	StatusMissingPayload:     "Missing payload",
	StatusInvalidTokenSize:   "Invalid token size",
	StatusInvalidTopicSize:   "Invalid topic size",
	StatusInvalidPayloadSize: "Invalid payload size",
	StatusInvalidToken:       "Invalid token",
	StatusShutdown:           "APNs closed connection (possible maintenance)",
	StatusUnknown:            "None (unknown error)",
}

// StatusDescription names an error-response status code.
func StatusDescription(status int) string {
	if d, ok := statusDescriptions[status]; ok {
		return d
	}
	return statusDescriptions[StatusUnknown]
}

// encodeFrame renders n as a command 2 notification frame. Notifications the
// gateway would reject outright are returned as *delivery.DeliveryError.
func encodeFrame(n *push.Notification, identifier uint32, now time.Time) ([]byte, error) {
	token, err := hex.DecodeString(n.DeviceToken)
	if err != nil || len(token) != deviceTokenBytes {
		return nil, delivery.NewDeliveryError(StatusInvalidTokenSize, StatusDescription(StatusInvalidTokenSize))
	}
	payload, err := json.Marshal(apns2.BuildPayload(n))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, delivery.NewDeliveryError(StatusInvalidPayloadSize, StatusDescription(StatusInvalidPayloadSize))
	}

	var expiry uint32
	if n.Expiry > 0 {
		expiry = uint32(now.Add(n.Expiry).Unix())
	}
	priority := byte(10)
	if n.Priority == 5 {
		priority = 5
	}

	var items bytes.Buffer
	writeItem(&items, itemDeviceToken, token)
	writeItem(&items, itemPayload, payload)
	writeItem(&items, itemIdentifier, binary.BigEndian.AppendUint32(nil, identifier))
	writeItem(&items, itemExpiration, binary.BigEndian.AppendUint32(nil, expiry))
	writeItem(&items, itemPriority, []byte{priority})

	frame := make([]byte, 0, 5+items.Len())
	frame = append(frame, commandNotification)
	frame = binary.BigEndian.AppendUint32(frame, uint32(items.Len()))
	return append(frame, items.Bytes()...), nil
}

func writeItem(buf *bytes.Buffer, id byte, data []byte) {
	buf.WriteByte(id)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(data)))
	buf.Write(data)
}

// errorResponse is the packet the gateway writes before closing the socket.
type errorResponse struct {
	Status     int
	Identifier uint32
}

func decodeErrorResponse(b []byte) (errorResponse, error) {
	if len(b) != errorResponseBytes || b[0] != commandErrorResponse {
		return errorResponse{}, fmt.Errorf("unexpected error response % x", b)
	}
	return errorResponse{Status: int(b[1]), Identifier: binary.BigEndian.Uint32(b[2:])}, nil
}

// feedbackTuple is one entry from the feedback service.
type feedbackTuple struct {
	At          time.Time
	DeviceToken string
}

func decodeFeedbackTuple(b []byte) (feedbackTuple, error) {
	if len(b) != feedbackTupleBytes {
		return feedbackTuple{}, fmt.Errorf("short feedback tuple: %d bytes", len(b))
	}
	ts := binary.BigEndian.Uint32(b[0:4])
	size := int(binary.BigEndian.Uint16(b[4:6]))
	if size > len(b)-6 {
		return feedbackTuple{}, fmt.Errorf("feedback token length %d exceeds tuple", size)
	}
	return feedbackTuple{
		At:          time.Unix(int64(ts), 0).UTC(),
		DeviceToken: hex.EncodeToString(b[6 : 6+size]),
	}, nil
}
