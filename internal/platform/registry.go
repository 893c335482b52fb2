// Package platform selects the provider implementation for an app's service.
package platform

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-push-daemon/internal/dispatch"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/apns"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/apns2"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/web"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// ErrUnknownService is returned for a service kind with no provider.
var ErrUnknownService = errors.New("unknown service")

// Registry holds one provider per service kind. A nil field disables that kind.
type Registry struct {
	APNs    *apns.Provider
	APNs2   *apns2.Provider
	FCM     *fcm.Provider
	WebPush *web.Provider
}

// NewRegistry wires every provider with production defaults.
func NewRegistry(reflector push.Reflector, logger *slog.Logger) *Registry {
	return &Registry{
		APNs:    apns.NewProvider(reflector, logger),
		APNs2:   apns2.NewProvider(reflector, logger),
		FCM:     fcm.NewProvider(logger),
		WebPush: web.NewProvider(logger),
	}
}

// Provider returns the provider for kind.
func (r *Registry) Provider(kind push.ServiceKind) (dispatch.Provider, error) {
	var p dispatch.Provider
	switch kind {
	case push.ServiceAPNs:
		if r.APNs != nil {
			p = r.APNs
		}
	case push.ServiceAPNs2:
		if r.APNs2 != nil {
			p = r.APNs2
		}
	case push.ServiceFCM:
		if r.FCM != nil {
			p = r.FCM
		}
	case push.ServiceWebPush:
		if r.WebPush != nil {
			p = r.WebPush
		}
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, kind)
	}
	return p, nil
}
