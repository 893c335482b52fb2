package pushdaemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/internal/storage/memory"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
	"github.com/tinywideclouds/go-push-daemon/pushdaemon"
	"github.com/tinywideclouds/go-push-daemon/pushdaemon/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// deliveringProvider delivers every notification it is handed.
type deliveringProvider struct {
	dispatched atomic.Int32

	mu     sync.Mutex
	tokens []string
}

func (p *deliveringProvider) seenTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

func (p *deliveringProvider) Provider(push.ServiceKind) (dispatch.Provider, error) { return p, nil }

func (p *deliveringProvider) NewDispatcher(context.Context, push.App) (dispatch.Dispatcher, error) {
	return &deliveringDispatcher{provider: p}, nil
}

func (p *deliveringProvider) BatchDeliveries() bool { return false }

func (p *deliveringProvider) AuxiliaryLoops(push.App) []dispatch.AuxiliaryLoop { return nil }

type deliveringDispatcher struct{ provider *deliveringProvider }

func (d *deliveringDispatcher) Dispatch(_ context.Context, payload batch.Payload) error {
	for _, n := range payload.Notifications() {
		payload.Batch.MarkDelivered(n)
		d.provider.dispatched.Add(1)
		d.provider.mu.Lock()
		d.provider.tokens = append(d.provider.tokens, n.DeviceToken)
		d.provider.mu.Unlock()
	}
	return nil
}

func (d *deliveringDispatcher) Close() error { return nil }

func newDaemon(t *testing.T, store *memory.Store, provider *deliveringProvider) *pushdaemon.Daemon {
	t.Helper()
	cfg := &config.Config{
		ListenAddr: ":0",
		StoreType:  config.StoreMemory,
		BatchSize:  10,
		PushPoll:   20 * time.Millisecond,
		Apps: []push.App{
			{ID: "android", Name: "Android", Service: push.ServiceFCM, Connections: 2},
		},
	}
	d, err := pushdaemon.New(cfg, pushdaemon.Dependencies{
		Store:     store,
		Providers: provider,
	}, newTestLogger())
	require.NoError(t, err)
	return d
}

func seed(t *testing.T, store *memory.Store, count int) []string {
	t.Helper()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("n-%02d", i)
		require.NoError(t, store.CreateNotification(context.Background(), &push.Notification{ID: id, AppID: "android", DeviceToken: "tok"}))
		ids = append(ids, id)
	}
	return ids
}

func TestNew_RequiresStoreAndProviders(t *testing.T) {
	_, err := pushdaemon.New(&config.Config{}, pushdaemon.Dependencies{}, newTestLogger())
	assert.Error(t, err)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := pushdaemon.New(&config.Config{SyncSchedule: "not a schedule"}, pushdaemon.Dependencies{
		Store:     memory.NewStore(),
		Providers: &deliveringProvider{},
	}, newTestLogger())
	assert.Error(t, err)
}

func TestDaemon_Push(t *testing.T) {
	store := memory.NewStore()
	provider := &deliveringProvider{}
	ids := seed(t, store, 25)
	d := newDaemon(t, store, provider)

	count, err := d.Push(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 25, count)
	assert.EqualValues(t, 25, provider.dispatched.Load())
	for _, id := range ids {
		n, err := store.Notification(id)
		require.NoError(t, err)
		assert.True(t, n.Delivered, "notification %s", id)
		assert.False(t, n.Processing, "notification %s", id)
	}

	// The configured app was seeded into the store.
	app, err := store.App(context.Background(), "android")
	require.NoError(t, err)
	assert.Equal(t, 2, app.Connections)
	assert.Empty(t, d.Registry().AppIDs())
}

func TestDaemon_StatusRoute(t *testing.T) {
	store := memory.NewStore()
	d := newDaemon(t, store, &deliveringProvider{})
	seed(t, store, 3)

	w := httptest.NewRecorder()
	d.Mux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var status pushdaemon.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, config.StoreMemory, status.StoreType)
	assert.Equal(t, 3, status.Pending)
	assert.Equal(t, 0, status.Queued)
}

func TestDaemon_StartAndShutdown(t *testing.T) {
	store := memory.NewStore()
	provider := &deliveringProvider{}
	d := newDaemon(t, store, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(d.Registry().AppIDs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Work arriving after startup is picked up once the feeder is woken.
	ids := seed(t, store, 5)
	d.Wakeup()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			n, err := store.Notification(id)
			if err != nil || !n.Delivered {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	assert.NoError(t, d.Shutdown(shutdownCtx))
	assert.Empty(t, d.Registry().AppIDs())
}
