// Package dispatch defines the provider contracts and the dispatcher loop that
// drives a provider Dispatcher against an app's queue.
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// Dispatcher performs the actual send for one payload over a connection it
// owns. Outcomes are recorded on the payload's batch; a returned error means
// the dispatch itself broke and is only logged and reflected.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload batch.Payload) error
	Close() error
}

// Provider is the capability set of one provider kind.
type Provider interface {
	// NewDispatcher builds a dispatcher with its own connection for app.
	NewDispatcher(ctx context.Context, app push.App) (Dispatcher, error)
	// BatchDeliveries reports whether a whole batch is sent as one unit.
	BatchDeliveries() bool
	// AuxiliaryLoops returns extra loops to run next to the dispatchers,
	// e.g. feedback receivers. May be nil.
	AuxiliaryLoops(app push.App) []AuxiliaryLoop
}

// AuxiliaryLoop is a background loop owned by an app runner.
type AuxiliaryLoop interface {
	Start(ctx context.Context)
	Stop()
}
