package web_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/web"
	"github.com/tinywideclouds/go-push-daemon/internal/storage/memory"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// subscription returns browser-side keys for endpoint, as a PushSubscription would.
func subscription(t *testing.T, endpoint string) *push.WebPushSubscription {
	t.Helper()
	_, p256dh, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return &push.WebPushSubscription{
		Endpoint: endpoint,
		P256dh:   p256dh,
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newApp(t *testing.T) push.App {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return push.App{
		ID:              "browser",
		Service:         push.ServiceWebPush,
		VapidPublicKey:  pub,
		VapidPrivateKey: priv,
		VapidSubscriber: "test-runner@tinywideclouds.com",
	}
}

func TestDispatch_Lifecycle(t *testing.T) {
	// Simulates Google/Mozilla push services
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "vapid t="))
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))

		switch r.URL.Path {
		case "/success":
			assert.Equal(t, "3600", r.Header.Get("TTL"))
			assert.Equal(t, "high", r.Header.Get("Urgency"))
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/busy":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := web.NewProvider(newTestLogger())
	d, err := provider.NewDispatcher(context.Background(), newApp(t))
	require.NoError(t, err)

	success := &push.Notification{ID: "ok", WebPush: subscription(t, mockServer.URL+"/success"), Alert: push.Alert{Title: "Test"}, Priority: 10, Expiry: time.Hour}
	expired := &push.Notification{ID: "gone", WebPush: subscription(t, mockServer.URL+"/expired")}
	busy := &push.Notification{ID: "busy", WebPush: subscription(t, mockServer.URL+"/busy")}
	broken := &push.Notification{ID: "error", WebPush: subscription(t, mockServer.URL+"/error")}
	missing := &push.Notification{ID: "missing"}
	ns := []*push.Notification{success, expired, busy, broken, missing}
	b := batch.New(ns, memory.NewStore(), nil, newTestLogger(), batch.WithClock(func() time.Time { return now }))

	for _, n := range ns {
		require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b, Notification: n}))
	}

	assert.Equal(t, []*push.Notification{success}, b.Delivered())
	assert.Equal(t, map[batch.FailureKey][]*push.Notification{
		{Code: http.StatusGone, Description: "Gone"}:             {expired},
		{Code: 0, Description: "missing web push subscription"}: {missing},
	}, b.Failed())
	assert.Equal(t, map[time.Time][]*push.Notification{
		now.Add(30 * time.Second): {busy},
		now.Add(2 * time.Second):  {broken},
	}, b.Retryable())
}

func TestDispatch_TransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/gone-away"
	srv.Close()

	d, err := web.NewProvider(newTestLogger()).NewDispatcher(context.Background(), newApp(t))
	require.NoError(t, err)
	n := &push.Notification{ID: "n-1", WebPush: subscription(t, endpoint)}
	b := batch.New([]*push.Notification{n}, memory.NewStore(), nil, newTestLogger())

	require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b, Notification: n}))
	assert.Len(t, b.Retryable(), 1)
	assert.Equal(t, 1, n.Retries)
}

func TestDispatch_InvalidSubscriptionKeysFail(t *testing.T) {
	d, err := web.NewProvider(newTestLogger()).NewDispatcher(context.Background(), newApp(t))
	require.NoError(t, err)
	n := &push.Notification{ID: "n-1", WebPush: &push.WebPushSubscription{Endpoint: "https://push.example.com/x", P256dh: "bm90LWEta2V5", Auth: "YXV0aA"}}
	b := batch.New([]*push.Notification{n}, memory.NewStore(), nil, newTestLogger())

	require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b, Notification: n}))
	assert.Len(t, b.Failed(), 1)
	assert.Empty(t, b.Retryable())
}

func TestProvider_RequiresVapidKeys(t *testing.T) {
	p := web.NewProvider(newTestLogger())
	_, err := p.NewDispatcher(context.Background(), push.App{ID: "browser"})
	assert.Error(t, err)
	assert.False(t, p.BatchDeliveries())
	assert.Nil(t, p.AuxiliaryLoops(push.App{}))
}
