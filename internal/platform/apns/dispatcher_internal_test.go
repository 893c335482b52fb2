package apns

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-daemon/internal/batch"
	"github.com/tinywideclouds/go-push-daemon/internal/connection"
	"github.com/tinywideclouds/go-push-daemon/internal/delivery"
	"github.com/tinywideclouds/go-push-daemon/internal/storage/memory"
	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func token(i int) string { return fmt.Sprintf("%064x", i+1) }

func notifications(count int) []*push.Notification {
	ns := make([]*push.Notification, count)
	for i := range ns {
		ns[i] = &push.Notification{
			ID:          fmt.Sprintf("n-%d", i),
			AppID:       "ios",
			DeviceToken: token(i),
			Alert:       push.Alert{Body: fmt.Sprintf("message %d", i)},
		}
	}
	return ns
}

func newBatch(ns []*push.Notification) *batch.Batch {
	return batch.New(ns, memory.NewStore(), nil, newTestLogger(), batch.WithClock(func() time.Time { return testNow }))
}

// decodedFrame is a command 2 frame as the gateway sees it.
type decodedFrame struct {
	command    byte
	token      string
	payload    []byte
	identifier uint32
	expiry     uint32
	priority   byte
}

func readFrame(r io.Reader) (decodedFrame, error) {
	head := make([]byte, 5)
	if _, err := io.ReadFull(r, head); err != nil {
		return decodedFrame{}, err
	}
	body := make([]byte, binary.BigEndian.Uint32(head[1:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return decodedFrame{}, err
	}
	f := decodedFrame{command: head[0]}
	for len(body) > 0 {
		id := body[0]
		size := int(binary.BigEndian.Uint16(body[1:3]))
		data := body[3 : 3+size]
		body = body[3+size:]
		switch id {
		case itemDeviceToken:
			f.token = hex.EncodeToString(data)
		case itemPayload:
			f.payload = data
		case itemIdentifier:
			f.identifier = binary.BigEndian.Uint32(data)
		case itemExpiration:
			f.expiry = binary.BigEndian.Uint32(data)
		case itemPriority:
			f.priority = data[0]
		}
	}
	return f, nil
}

// pipeGateway hands out in-memory connections served by serve.
type pipeGateway struct {
	serve func(server net.Conn)
	dials atomic.Int32
}

func (g *pipeGateway) dial(context.Context, string, *tls.Config) (net.Conn, error) {
	client, server := net.Pipe()
	g.dials.Add(1)
	go g.serve(server)
	return client, nil
}

// respondAfter reads count frames, then calls reply with their identifiers.
func respondAfter(count int, reply func(server net.Conn, ids []uint32)) func(net.Conn) {
	return func(server net.Conn) {
		var ids []uint32
		for i := 0; i < count; i++ {
			f, err := readFrame(server)
			if err != nil {
				_ = server.Close()
				return
			}
			ids = append(ids, f.identifier)
		}
		reply(server, ids)
	}
}

func errorPacket(status byte, identifier uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{commandErrorResponse, status}, identifier)
}

func newDispatcher(gw *pipeGateway) *Dispatcher {
	conn := connection.New(
		connection.Config{AppID: "ios", Host: "gateway.test", Port: 2195},
		newTestLogger(), nil,
		connection.WithDial(gw.dial),
	)
	return &Dispatcher{conn: conn, errorTimeout: 50 * time.Millisecond, logger: newTestLogger()}
}

func testCertificatePEM(t *testing.T, notAfter time.Time) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Apple Push Services: com.test.app"},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	return buf.String()
}

func TestEncodeFrame(t *testing.T) {
	n := &push.Notification{
		ID:          "n-1",
		DeviceToken: token(0),
		Alert:       push.Alert{Title: "Hi", Body: "There"},
		Data:        map[string]string{"k": "v"},
		Expiry:      time.Hour,
	}

	t.Run("Round trip", func(t *testing.T) {
		raw, err := encodeFrame(n, 42, testNow)
		require.NoError(t, err)

		f, err := readFrame(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, commandNotification, f.command)
		assert.Equal(t, token(0), f.token)
		assert.Equal(t, uint32(42), f.identifier)
		assert.Equal(t, uint32(testNow.Add(time.Hour).Unix()), f.expiry)
		assert.Equal(t, byte(10), f.priority)
		assert.JSONEq(t, `{"aps":{"alert":{"title":"Hi","body":"There"}},"k":"v"}`, string(f.payload))
	})

	t.Run("Low priority and no expiry", func(t *testing.T) {
		raw, err := encodeFrame(&push.Notification{DeviceToken: token(0), Priority: 5}, 1, testNow)
		require.NoError(t, err)
		f, err := readFrame(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, byte(5), f.priority)
		assert.Zero(t, f.expiry)
	})

	t.Run("Invalid token", func(t *testing.T) {
		_, err := encodeFrame(&push.Notification{DeviceToken: "abc"}, 1, testNow)
		var de *delivery.DeliveryError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, StatusInvalidTokenSize, de.Code)
	})

	t.Run("Oversized payload", func(t *testing.T) {
		oversized := &push.Notification{DeviceToken: token(0), Alert: push.Alert{Body: strings.Repeat("x", MaxPayloadBytes)}}
		_, err := encodeFrame(oversized, 1, testNow)
		var de *delivery.DeliveryError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, StatusInvalidPayloadSize, de.Code)
	})
}

func TestDecodeErrorResponse(t *testing.T) {
	resp, err := decodeErrorResponse(errorPacket(StatusInvalidToken, 7))
	require.NoError(t, err)
	assert.Equal(t, errorResponse{Status: StatusInvalidToken, Identifier: 7}, resp)

	_, err = decodeErrorResponse([]byte{1, 2, 3, 4, 5, 6})
	assert.Error(t, err)

	assert.Equal(t, "Invalid token", StatusDescription(StatusInvalidToken))
	assert.Equal(t, "None (unknown error)", StatusDescription(99))
}

func TestDispatch_NoErrorResponse(t *testing.T) {
	ns := notifications(3)
	var received []string
	var mu sync.Mutex
	gw := &pipeGateway{serve: func(server net.Conn) {
		for {
			f, err := readFrame(server)
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, f.token)
			mu.Unlock()
		}
	}}
	d := newDispatcher(gw)
	b := newBatch(ns)

	require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b}))

	assert.ElementsMatch(t, ns, b.Delivered())
	assert.True(t, d.conn.Connected(), "connection is kept open when the gateway stays silent")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual([]string{token(0), token(1), token(2)}, received)
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, d.Close())
}

func TestDispatch_ErrorResponseMidBatch(t *testing.T) {
	ns := notifications(4)
	gw := &pipeGateway{serve: respondAfter(4, func(server net.Conn, ids []uint32) {
		_, _ = server.Write(errorPacket(StatusInvalidToken, ids[1]))
		_ = server.Close()
	})}
	d := newDispatcher(gw)
	b := newBatch(ns)

	require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b}))

	assert.Equal(t, []*push.Notification{ns[0]}, b.Delivered())
	assert.Equal(t, map[batch.FailureKey][]*push.Notification{
		{Code: StatusInvalidToken, Description: "Invalid token"}: {ns[1]},
	}, b.Failed())
	assert.ElementsMatch(t, []*push.Notification{ns[2], ns[3]}, b.Retryable()[testNow])
	assert.False(t, d.conn.Connected())
}

func TestDispatch_ShutdownResponse(t *testing.T) {
	ns := notifications(4)
	gw := &pipeGateway{serve: respondAfter(4, func(server net.Conn, ids []uint32) {
		_, _ = server.Write(errorPacket(StatusShutdown, ids[1]))
		_ = server.Close()
	})}
	d := newDispatcher(gw)
	b := newBatch(ns)

	require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b}))

	assert.ElementsMatch(t, []*push.Notification{ns[0], ns[1]}, b.Delivered())
	assert.Empty(t, b.Failed())
	assert.ElementsMatch(t, []*push.Notification{ns[2], ns[3]}, b.Retryable()[testNow])
}

func TestDispatch_UnknownIdentifierResendsEverything(t *testing.T) {
	ns := notifications(2)
	gw := &pipeGateway{serve: respondAfter(2, func(server net.Conn, _ []uint32) {
		_, _ = server.Write(errorPacket(StatusProcessingError, 9999))
		_ = server.Close()
	})}
	d := newDispatcher(gw)
	b := newBatch(ns)

	require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b}))

	assert.Empty(t, b.Delivered())
	assert.ElementsMatch(t, ns, b.Retryable()[testNow])
}

func TestDispatch_ClosedWithoutErrorResponse(t *testing.T) {
	ns := notifications(2)
	gw := &pipeGateway{serve: respondAfter(2, func(server net.Conn, _ []uint32) {
		_ = server.Close()
	})}
	d := newDispatcher(gw)
	b := newBatch(ns)

	require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b}))

	assert.ElementsMatch(t, ns, b.Delivered())
	assert.False(t, d.conn.Connected())
}

func TestDispatch_InvalidTokenIsNotSent(t *testing.T) {
	ns := notifications(2)
	ns[0].DeviceToken = "not-hex"
	var frames atomic.Int32
	gw := &pipeGateway{serve: func(server net.Conn) {
		for {
			if _, err := readFrame(server); err != nil {
				return
			}
			frames.Add(1)
		}
	}}
	d := newDispatcher(gw)
	b := newBatch(ns)

	require.NoError(t, d.Dispatch(context.Background(), batch.Payload{Batch: b}))

	assert.Equal(t, []*push.Notification{ns[1]}, b.Delivered())
	assert.Len(t, b.Failed()[batch.FailureKey{Code: StatusInvalidTokenSize, Description: "Invalid token size"}], 1)
	assert.Equal(t, int32(1), frames.Load())
}

func TestProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("Delivers through a provider connection", func(t *testing.T) {
		gw := &pipeGateway{serve: func(server net.Conn) { _, _ = io.Copy(io.Discard, server) }}
		p := NewProvider(nil, newTestLogger())
		p.ErrorTimeout = 20 * time.Millisecond
		p.Gateway = Endpoint{Host: "gateway.test", Port: 2195}
		p.ConnectionOptions = []connection.Option{connection.WithDial(gw.dial)}
		app := push.App{ID: "ios", Service: push.ServiceAPNs, Certificate: testCertificatePEM(t, time.Now().Add(365*24*time.Hour))}

		d, err := p.NewDispatcher(ctx, app)
		require.NoError(t, err)
		defer d.Close()

		ns := notifications(2)
		b := newBatch(ns)
		require.NoError(t, d.Dispatch(ctx, batch.Payload{Batch: b}))
		assert.ElementsMatch(t, ns, b.Delivered())
		assert.Equal(t, int32(1), gw.dials.Load())
	})

	t.Run("Expired certificate fails the batch", func(t *testing.T) {
		gw := &pipeGateway{serve: func(server net.Conn) { _ = server.Close() }}
		p := NewProvider(nil, newTestLogger())
		p.ConnectionOptions = []connection.Option{connection.WithDial(gw.dial)}
		app := push.App{ID: "ios", Service: push.ServiceAPNs, Certificate: testCertificatePEM(t, time.Now().Add(-time.Hour))}

		d, err := p.NewDispatcher(ctx, app)
		require.NoError(t, err)

		ns := notifications(2)
		b := newBatch(ns)
		err = d.Dispatch(ctx, batch.Payload{Batch: b})

		var expired *connection.CertificateExpiredError
		require.ErrorAs(t, err, &expired)
		assert.Len(t, b.Failed(), 1)
		assert.Zero(t, gw.dials.Load(), "no socket is opened with an expired certificate")
	})

	t.Run("Bad certificate", func(t *testing.T) {
		_, err := NewProvider(nil, newTestLogger()).NewDispatcher(ctx, push.App{ID: "ios", Certificate: "junk"})
		assert.Error(t, err)
	})

	t.Run("Endpoints follow the environment", func(t *testing.T) {
		p := NewProvider(nil, newTestLogger())
		assert.Equal(t, SandboxGateway, p.gateway(push.App{Environment: "sandbox"}))
		assert.Equal(t, ProductionGateway, p.gateway(push.App{Environment: "production"}))
		assert.Equal(t, SandboxFeedback, p.feedback(push.App{Environment: "development"}))
		assert.True(t, p.BatchDeliveries())
	})
}

func TestDispatch_CertificateExpiringMidRetryFailsBatch(t *testing.T) {
	// The gateway hangs up at once, so every write needs a reconnect.
	gw := &pipeGateway{serve: func(server net.Conn) { _ = server.Close() }}
	var calls atomic.Int32
	clock := func() time.Time {
		if calls.Add(1) == 1 {
			return testNow
		}
		return testNow.Add(2 * time.Minute)
	}
	conn := connection.New(
		connection.Config{AppID: "ios", Host: "gateway.test", Port: 2195, Certificate: &x509.Certificate{NotAfter: testNow.Add(time.Minute)}},
		newTestLogger(), nil,
		connection.WithDial(gw.dial),
		connection.WithClock(clock),
		connection.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	d := &Dispatcher{conn: conn, errorTimeout: 50 * time.Millisecond, logger: newTestLogger()}
	ns := notifications(3)
	b := newBatch(ns)

	err := d.Dispatch(context.Background(), batch.Payload{Batch: b})

	var expired *connection.CertificateExpiredError
	require.ErrorAs(t, err, &expired)
	failed := 0
	for _, group := range b.Failed() {
		failed += len(group)
	}
	assert.Equal(t, 3, failed)
	assert.Empty(t, b.Retryable())
	assert.EqualValues(t, 1, gw.dials.Load())
}
