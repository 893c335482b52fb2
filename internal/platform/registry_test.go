package platform_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-daemon/internal/platform"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/apns"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/apns2"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-daemon/internal/platform/web"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

func TestRegistry_Provider(t *testing.T) {
	r := platform.NewRegistry(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		kind push.ServiceKind
		want any
	}{
		{push.ServiceAPNs, &apns.Provider{}},
		{push.ServiceAPNs2, &apns2.Provider{}},
		{push.ServiceFCM, &fcm.Provider{}},
		{push.ServiceWebPush, &web.Provider{}},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			p, err := r.Provider(tc.kind)
			require.NoError(t, err)
			assert.IsType(t, tc.want, p)
		})
	}

	_, err := r.Provider("carrier-pigeon")
	assert.ErrorIs(t, err, platform.ErrUnknownService)
}

func TestRegistry_DisabledKind(t *testing.T) {
	r := &platform.Registry{}
	_, err := r.Provider(push.ServiceFCM)
	assert.ErrorIs(t, err, platform.ErrUnknownService)
}
