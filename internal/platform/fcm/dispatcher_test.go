package fcm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-daemon/internal/storage/memory"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// MockClient satisfies the MessagingClient interface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error) {
	args := m.Called(ctx, messages)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.BatchResponse), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func notifications(tokens ...string) []*push.Notification {
	ns := make([]*push.Notification, len(tokens))
	for i, tok := range tokens {
		ns[i] = &push.Notification{
			ID:          fmt.Sprintf("n-%d", i),
			AppID:       "android",
			DeviceToken: tok,
			Alert:       push.Alert{Title: "Test"},
			Data:        map[string]string{"id": "1"},
		}
	}
	return ns
}

func successes(count int) *messaging.BatchResponse {
	br := &messaging.BatchResponse{SuccessCount: count}
	for i := 0; i < count; i++ {
		br.Responses = append(br.Responses, &messaging.SendResponse{Success: true, MessageID: fmt.Sprintf("msg-%d", i)})
	}
	return br
}

func TestFCMDispatch_Lifecycle(t *testing.T) {
	logger := newTestLogger()
	ctx := context.Background()

	t.Run("Happy Path - All Success", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		ns := notifications("token-1", "token-2")
		b := batch.New(ns, memory.NewStore(), nil, logger)

		// Arrange: Return success for both
		mockClient.On("SendEach", ctx, mock.MatchedBy(func(msgs []*messaging.Message) bool {
			return len(msgs) == 2 && msgs[0].Token == "token-1" && msgs[0].Notification.Title == "Test"
		})).Return(successes(2), nil)

		// Act
		err := dispatcher.Dispatch(ctx, batch.Payload{Batch: b})

		// Assert
		require.NoError(t, err)
		assert.ElementsMatch(t, ns, b.Delivered())
		mockClient.AssertExpectations(t)
	})

	t.Run("Transport Failure (Retryable)", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		ns := notifications("token-1")
		b := batch.New(ns, memory.NewStore(), nil, logger)

		// Arrange: Whole batch fails (e.g. DNS error)
		mockClient.On("SendEach", ctx, mock.Anything).Return(nil, errors.New("network down"))

		// Act
		err := dispatcher.Dispatch(ctx, batch.Payload{Batch: b})

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "transport failed")
		assert.Len(t, b.Retryable(), 1)
		assert.Equal(t, 1, ns[0].Retries)
	})

	t.Run("Missing token is failed locally", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		ns := notifications("", "token-2")
		b := batch.New(ns, memory.NewStore(), nil, logger)

		mockClient.On("SendEach", ctx, mock.MatchedBy(func(msgs []*messaging.Message) bool {
			return len(msgs) == 1 && msgs[0].Token == "token-2"
		})).Return(successes(1), nil)

		require.NoError(t, dispatcher.Dispatch(ctx, batch.Payload{Batch: b}))
		assert.Equal(t, []*push.Notification{ns[1]}, b.Delivered())
		assert.Equal(t, []*push.Notification{ns[0]}, b.Failed()[batch.FailureKey{Description: "missing registration token"}])
	})

	t.Run("Large batches are chunked", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)
		tokens := make([]string, fcm.MaxMessagesPerSend+1)
		for i := range tokens {
			tokens[i] = fmt.Sprintf("token-%d", i)
		}
		ns := notifications(tokens...)
		b := batch.New(ns, memory.NewStore(), nil, logger)

		mockClient.On("SendEach", ctx, mock.MatchedBy(func(msgs []*messaging.Message) bool {
			return len(msgs) == fcm.MaxMessagesPerSend
		})).Return(successes(fcm.MaxMessagesPerSend), nil).Once()
		mockClient.On("SendEach", ctx, mock.MatchedBy(func(msgs []*messaging.Message) bool {
			return len(msgs) == 1
		})).Return(successes(1), nil).Once()

		require.NoError(t, dispatcher.Dispatch(ctx, batch.Payload{Batch: b}))
		assert.Len(t, b.Delivered(), fcm.MaxMessagesPerSend+1)
		mockClient.AssertExpectations(t)
	})
}

// fakeFCM answers the v1 send endpoint according to the registration token.
func fakeFCM(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message struct {
				Token string `json:"token"`
			} `json:"message"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.True(t, strings.HasSuffix(r.URL.Path, "/projects/demo/messages:send"), r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		fcmError := func(status int, statusName, errorCode string) {
			w.WriteHeader(status)
			_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s","status":"%s","details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"%s"}]}}`,
				status, errorCode, statusName, errorCode)
		}
		switch req.Message.Token {
		case "gone":
			fcmError(http.StatusNotFound, "NOT_FOUND", "UNREGISTERED")
		case "bad":
			fcmError(http.StatusBadRequest, "INVALID_ARGUMENT", "INVALID_ARGUMENT")
		case "busy":
			fcmError(http.StatusInternalServerError, "INTERNAL", "INTERNAL")
		default:
			_, _ = fmt.Fprintf(w, `{"name":"projects/demo/messages/%s"}`, req.Message.Token)
		}
	}))
}

func TestFCMDispatch_ErrorClassification(t *testing.T) {
	srv := fakeFCM(t)
	defer srv.Close()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	provider := fcm.NewProvider(newTestLogger(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	d, err := provider.NewDispatcher(ctx, push.App{ID: "android", Service: push.ServiceFCM, ProjectID: "demo"})
	require.NoError(t, err)
	defer d.Close()

	ns := notifications("ok", "gone", "bad", "busy")
	b := batch.New(ns, memory.NewStore(), nil, newTestLogger(), batch.WithClock(func() time.Time { return now }))

	require.NoError(t, d.Dispatch(ctx, batch.Payload{Batch: b}))

	assert.Equal(t, []*push.Notification{ns[0]}, b.Delivered())

	var failedCodes []int
	var failed []*push.Notification
	for key, group := range b.Failed() {
		failedCodes = append(failedCodes, key.Code)
		failed = append(failed, group...)
	}
	assert.ElementsMatch(t, []int{http.StatusNotFound, http.StatusBadRequest}, failedCodes)
	assert.ElementsMatch(t, []*push.Notification{ns[1], ns[2]}, failed)

	assert.Equal(t, map[time.Time][]*push.Notification{now.Add(2 * time.Second): {ns[3]}}, b.Retryable())
	assert.True(t, provider.BatchDeliveries())
}

func TestNewClient_RequiresProjectID(t *testing.T) {
	_, err := fcm.NewClient(context.Background(), push.App{ID: "android"})
	assert.Error(t, err)
}
