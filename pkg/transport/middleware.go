package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/parleyproto/parley-go/pkg/logging"
)

// Middleware wraps a transport to add behavior such as logging or
// metrics without touching the framing underneath.
type Middleware interface {
	// Wrap layers the middleware's behavior over next.
	Wrap(next Transport) Transport
}

// MiddlewareFunc adapts a plain function to the Middleware interface.
type MiddlewareFunc func(Transport) Transport

// Wrap calls f.
func (f MiddlewareFunc) Wrap(next Transport) Transport { return f(next) }

// ChainMiddleware composes several middleware into one. Wrapping runs
// back to front, so the first middleware in the list ends up outermost.
func ChainMiddleware(mws ...Middleware) Middleware {
	return MiddlewareFunc(func(tr Transport) Transport {
		for i := len(mws) - 1; i >= 0; i-- {
			tr = mws[i].Wrap(tr)
		}
		return tr
	})
}

// NewLoggingMiddleware returns middleware that logs every frame
// crossing the transport, tagged with a unique frame id.
func NewLoggingMiddleware(logger logging.Logger) Middleware {
	return MiddlewareFunc(func(next Transport) Transport {
		if logger == nil {
			logger = logging.NewNopLogger()
		}
		return &loggingTransport{next: next, logger: logger}
	})
}

type loggingTransport struct {
	next   Transport
	logger logging.Logger
}

func (l *loggingTransport) Send(ctx context.Context, data []byte) error {
	began := time.Now()
	frameID := uuid.NewString()

	err := l.next.Send(ctx, data)
	if err != nil {
		l.logger.WithError(err).Warn("Frame send failed",
			logging.String("frame_id", frameID),
			logging.Int("bytes", len(data)),
		)
		return err
	}

	l.logger.Debug("Frame sent",
		logging.String("frame_id", frameID),
		logging.Int("bytes", len(data)),
		logging.Duration("duration", time.Since(began)),
	)
	return nil
}

func (l *loggingTransport) Receive(ctx context.Context) ([]byte, error) {
	data, err := l.next.Receive(ctx)
	if err != nil {
		// Receive errors are routine during shutdown, keep them quiet.
		l.logger.WithError(err).Debug("Frame receive ended")
		return nil, err
	}

	l.logger.Debug("Frame received",
		logging.String("frame_id", uuid.NewString()),
		logging.Int("bytes", len(data)),
	)
	return data, nil
}

func (l *loggingTransport) Close() error {
	err := l.next.Close()
	l.logger.Debug("Transport closed")
	return err
}
