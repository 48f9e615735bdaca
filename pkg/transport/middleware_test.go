package transport

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
)

type taggedTransport struct {
	Transport
	name string
	log  *[]string
}

func (t *taggedTransport) Send(ctx context.Context, data []byte) error {
	*t.log = append(*t.log, t.name)
	return t.Transport.Send(ctx, data)
}

func tagMiddleware(name string, log *[]string) Middleware {
	return MiddlewareFunc(func(next Transport) Transport {
		return &taggedTransport{Transport: next, name: name, log: log}
	})
}

func TestChainMiddlewareOrder(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	var order []string
	wrapped := ChainMiddleware(
		tagMiddleware("outer", &order),
		tagMiddleware("inner", &order),
	).Wrap(a)

	require.NoError(t, wrapped.Send(context.Background(), []byte("hello")))
	assert.Equal(t, []string{"outer", "inner"}, order)

	frame, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(frame))
}

func TestLoggingMiddlewareLogsFrames(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.NewTextFormatter())
	logger.SetLevel(logging.DebugLevel)

	a, b := Pipe()
	defer a.Close()

	wrapped := NewLoggingMiddleware(logger).Wrap(a)
	ctx := context.Background()

	require.NoError(t, wrapped.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)))
	output := buf.String()
	assert.Contains(t, output, "Frame sent")
	assert.Contains(t, output, "frame_id=")
	assert.Contains(t, output, "bytes=40")

	require.NoError(t, b.Send(ctx, []byte(`{"jsonrpc":"2.0","result":{},"id":1}`)))
	_, err := wrapped.Receive(ctx)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Frame received")
}

func TestLoggingMiddlewareLogsSendFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.NewTextFormatter())
	logger.SetLevel(logging.DebugLevel)

	a, _ := Pipe()
	require.NoError(t, a.Close())

	wrapped := NewLoggingMiddleware(logger).Wrap(a)
	err := wrapped.Send(context.Background(), []byte("doomed"))
	assert.True(t, errors.IsCode(err, errors.CodeTransportClosed))
	assert.Contains(t, buf.String(), "Frame send failed")
}

func TestLoggingMiddlewareNilLogger(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	wrapped := NewLoggingMiddleware(nil).Wrap(a)
	require.NoError(t, wrapped.Send(context.Background(), []byte("quiet")))

	frame, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "quiet", string(frame))
}
