package runner_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/internal/runner"
	"github.com/tinywideclouds/go-push-daemon/internal/storage/memory"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider hands out recordingDispatchers that share its payload log.
type fakeProvider struct {
	batchMode  bool
	newErr     error
	panicOnNew bool
	// resolve decides the outcome of each notification; nil delivers.
	resolve func(b *batch.Batch, n *push.Notification)
	delay   time.Duration
	aux     []dispatch.AuxiliaryLoop

	mu       sync.Mutex
	payloads []batch.Payload
	created  atomic.Int32
	closed   atomic.Int32
}

func (p *fakeProvider) NewDispatcher(_ context.Context, _ push.App) (dispatch.Dispatcher, error) {
	if p.panicOnNew {
		panic("bad credentials blob")
	}
	if p.newErr != nil {
		return nil, p.newErr
	}
	p.created.Add(1)
	return &recordingDispatcher{provider: p}, nil
}

func (p *fakeProvider) BatchDeliveries() bool { return p.batchMode }

func (p *fakeProvider) AuxiliaryLoops(push.App) []dispatch.AuxiliaryLoop { return p.aux }

func (p *fakeProvider) recorded() []batch.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]batch.Payload(nil), p.payloads...)
}

type recordingDispatcher struct{ provider *fakeProvider }

func (d *recordingDispatcher) Dispatch(_ context.Context, payload batch.Payload) error {
	p := d.provider
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	p.payloads = append(p.payloads, payload)
	p.mu.Unlock()
	for _, n := range payload.Notifications() {
		if p.resolve != nil {
			p.resolve(payload.Batch, n)
			continue
		}
		payload.Batch.MarkDelivered(n)
	}
	return nil
}

func (d *recordingDispatcher) Close() error {
	d.provider.closed.Add(1)
	return nil
}

type fakeAux struct{ started, stopped atomic.Bool }

func (a *fakeAux) Start(context.Context) { a.started.Store(true) }
func (a *fakeAux) Stop()                 { a.stopped.Store(true) }

// commitCounter counts batch commits on top of the in-memory store.
type commitCounter struct {
	*memory.Store
	delivered, failed, retryable atomic.Int32
}

func (s *commitCounter) MarkBatchDelivered(ctx context.Context, ns []*push.Notification) error {
	s.delivered.Add(1)
	return s.Store.MarkBatchDelivered(ctx, ns)
}

func (s *commitCounter) MarkBatchFailed(ctx context.Context, ns []*push.Notification, code int, description string) error {
	s.failed.Add(1)
	return s.Store.MarkBatchFailed(ctx, ns, code, description)
}

func (s *commitCounter) MarkBatchRetryable(ctx context.Context, ns []*push.Notification, deliverAfter time.Time) error {
	s.retryable.Add(1)
	return s.Store.MarkBatchRetryable(ctx, ns, deliverAfter)
}

func seed(t *testing.T, store push.Store, appID string, count int) []*push.Notification {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		require.NoError(t, store.CreateNotification(ctx, &push.Notification{ID: fmt.Sprintf("%s-%02d", appID, i), AppID: appID}))
	}
	ns, err := store.DeliverableNotifications(ctx, count)
	require.NoError(t, err)
	require.Len(t, ns, count)
	return ns
}

func startRunner(t *testing.T, store push.Store, provider *fakeProvider, connections int) *runner.AppRunner {
	t.Helper()
	ar := runner.New(runner.Config{
		App:       push.App{ID: "app", Service: push.ServiceFCM, Connections: connections},
		Provider:  provider,
		Store:     store,
		Logger:    newTestLogger(),
		DrainPoll: 5 * time.Millisecond,
	})
	require.NoError(t, ar.Start(context.Background()))
	return ar
}

func TestEnqueue_BatchDeliverySplitsAcrossLoops(t *testing.T) {
	store := memory.NewStore()
	provider := &fakeProvider{batchMode: true}
	ar := startRunner(t, store, provider, 4)
	ns := seed(t, store, "app", 25)

	require.NoError(t, ar.Enqueue(ns))
	ar.Stop(context.Background())

	payloads := provider.recorded()
	require.Len(t, payloads, 4)

	var sizes []int
	batches := make(map[*batch.Batch]bool)
	for _, p := range payloads {
		assert.Nil(t, p.Notification, "whole-batch payloads")
		batches[p.Batch] = true
		sizes = append(sizes, p.Size())
		assert.True(t, p.Batch.IsComplete())
	}
	assert.Len(t, batches, 4, "each payload wraps its own batch")
	assert.ElementsMatch(t, []int{7, 7, 7, 4}, sizes)
}

func TestEnqueue_BatchDeliveryNeverMoreGroupsThanNotifications(t *testing.T) {
	store := memory.NewStore()
	provider := &fakeProvider{batchMode: true}
	ar := startRunner(t, store, provider, 4)
	ns := seed(t, store, "app", 2)

	require.NoError(t, ar.Enqueue(ns))
	ar.Stop(context.Background())

	payloads := provider.recorded()
	require.Len(t, payloads, 2)
	for _, p := range payloads {
		assert.Equal(t, 1, p.Size())
	}
}

func TestEnqueue_PerNotificationSharesOneBatch(t *testing.T) {
	store := memory.NewStore()
	provider := &fakeProvider{}
	ar := startRunner(t, store, provider, 3)
	ns := seed(t, store, "app", 10)

	require.NoError(t, ar.Enqueue(ns))
	ar.Stop(context.Background())

	payloads := provider.recorded()
	require.Len(t, payloads, 10)
	shared := payloads[0].Batch
	seen := make(map[string]bool)
	for _, p := range payloads {
		assert.Same(t, shared, p.Batch)
		require.NotNil(t, p.Notification)
		seen[p.Notification.ID] = true
	}
	assert.Len(t, seen, 10)
	assert.True(t, shared.IsComplete())
}

func TestAppRunner_EndToEnd(t *testing.T) {
	store := &commitCounter{Store: memory.NewStore()}
	var calls atomic.Int32
	provider := &fakeProvider{
		resolve: func(b *batch.Batch, n *push.Notification) {
			switch calls.Add(1) % 3 {
			case 0:
				b.MarkDelivered(n)
			case 1:
				b.MarkFailed(n, 8, "Invalid token")
			default:
				b.MarkRetryable(n, time.Now().Add(time.Minute))
			}
		},
	}
	ar := startRunner(t, store, provider, 2)
	assert.Equal(t, 2, ar.NumDispatcherLoops())
	ns := seed(t, store, "app", 6)

	require.NoError(t, ar.Enqueue(ns))
	ar.Stop(context.Background())

	b := provider.recorded()[0].Batch
	require.True(t, b.IsComplete())
	assert.Equal(t, int32(1), store.delivered.Load(), "complete committed delivered once")
	assert.Equal(t, int32(1), store.failed.Load())
	assert.Equal(t, int32(1), store.retryable.Load())

	delivered, failed, retryable := 0, 0, 0
	for _, n := range ns {
		stored, err := store.Notification(n.ID)
		require.NoError(t, err)
		switch {
		case stored.Delivered:
			delivered++
		case stored.Failed:
			failed++
		case stored.Retries > 0:
			retryable++
		}
		assert.False(t, stored.Processing)
	}
	assert.Equal(t, 6, delivered+failed+retryable)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 2, retryable)
	assert.Equal(t, int32(2), provider.closed.Load(), "every dispatcher is closed on stop")
}

func TestAppRunner_StopDrainsQueue(t *testing.T) {
	store := memory.NewStore()
	provider := &fakeProvider{delay: 2 * time.Millisecond}
	ar := startRunner(t, store, provider, 1)
	ns := seed(t, store, "app", 20)

	require.NoError(t, ar.Enqueue(ns))
	ar.Stop(context.Background())

	assert.Len(t, provider.recorded(), 20)
	assert.Equal(t, 0, ar.QueueSize())
	assert.ErrorIs(t, ar.Enqueue(ns[:1]), runner.ErrStopped)
}

func TestAppRunner_StopWhileThrottledCommitsEverything(t *testing.T) {
	store := memory.NewStore()
	provider := &fakeProvider{}
	ar := runner.New(runner.Config{
		App:        push.App{ID: "app", Service: push.ServiceWebPush, Connections: 1},
		Provider:   provider,
		Store:      store,
		Logger:     newTestLogger(),
		RatePerSec: 1,
		DrainPoll:  5 * time.Millisecond,
	})
	require.NoError(t, ar.Start(context.Background()))
	ns := seed(t, store, "app", 3)

	require.NoError(t, ar.Enqueue(ns))
	time.Sleep(50 * time.Millisecond)
	ar.Stop(context.Background())

	assert.Equal(t, 0, ar.QueueSize())
	assert.Len(t, provider.recorded(), 3, "a payload popped before stopping is still dispatched")
	for _, n := range ns {
		stored, err := store.Notification(n.ID)
		require.NoError(t, err)
		assert.True(t, stored.Delivered, "notification %s", n.ID)
		assert.False(t, stored.Processing, "notification %s", n.ID)
	}
}

func TestAppRunner_StopReleasesWhenContextEnds(t *testing.T) {
	store := memory.NewStore()
	provider := &fakeProvider{delay: 20 * time.Millisecond}
	ar := startRunner(t, store, provider, 1)
	ns := seed(t, store, "app", 10)

	require.NoError(t, ar.Enqueue(ns))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	ar.Stop(ctx)

	dispatched := len(provider.recorded())
	assert.Less(t, dispatched, 10)
	released := 0
	for _, n := range ns {
		stored, err := store.Notification(n.ID)
		require.NoError(t, err)
		if !stored.Delivered && !stored.Processing {
			released++
		}
	}
	assert.Equal(t, 10-dispatched, released, "undispatched notifications are handed back")
}

func TestAppRunner_SyncDispatchers(t *testing.T) {
	store := memory.NewStore()
	aux := &fakeAux{}
	provider := &fakeProvider{aux: []dispatch.AuxiliaryLoop{aux}}
	ar := startRunner(t, store, provider, 1)
	assert.True(t, aux.started.Load())
	ctx := context.Background()

	require.NoError(t, ar.SyncDispatchers(ctx, push.App{ID: "app", Service: push.ServiceFCM, Connections: 3}))
	assert.Equal(t, 3, ar.NumDispatcherLoops())
	assert.Len(t, ar.Status().Dispatchers, 3)

	require.NoError(t, ar.SyncDispatchers(ctx, push.App{ID: "app", Service: push.ServiceFCM, Connections: 0}))
	assert.Equal(t, 1, ar.NumDispatcherLoops(), "never below one loop")
	assert.Equal(t, int32(2), provider.closed.Load())

	ar.Stop(ctx)
	assert.True(t, aux.stopped.Load())
	assert.Equal(t, 0, ar.NumDispatcherLoops())
}

func TestAppRunner_StartFailureStopsStartedLoops(t *testing.T) {
	store := memory.NewStore()
	provider := &fakeProvider{newErr: errors.New("bad key")}
	ar := runner.New(runner.Config{
		App:      push.App{ID: "app", Service: push.ServiceFCM, Connections: 2},
		Provider: provider,
		Store:    store,
		Logger:   newTestLogger(),
	})

	err := ar.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, 0, ar.NumDispatcherLoops())
}
