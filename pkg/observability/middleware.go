package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyproto/parley-go/pkg/transport"
)

// ObservabilityConfig selects which providers the middleware builds.
type ObservabilityConfig struct {
	// Tracing. TracingConfig is only read when EnableTracing is set.
	EnableTracing bool
	TracingConfig TracingConfig

	// Metrics, same pattern.
	EnableMetrics bool
	MetricsConfig MetricsConfig

	// CaptureFramePayload attaches frame text to spans. Development only;
	// frames may carry sensitive payloads.
	CaptureFramePayload bool
}

// ObservabilityMiddleware instruments every transport it wraps with frame
// level metrics and spans. The providers it builds are shared across all
// wrapped transports and shut down once, when the first of them closes.
type ObservabilityMiddleware struct {
	cfg     ObservabilityConfig
	tracer  *TracingProvider
	metrics MetricsProvider

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Middleware = (*ObservabilityMiddleware)(nil)

// NewObservabilityMiddleware builds the providers cfg enables.
func NewObservabilityMiddleware(cfg ObservabilityConfig) (*ObservabilityMiddleware, error) {
	m := &ObservabilityMiddleware{cfg: cfg}

	if cfg.EnableTracing {
		tracer, err := NewTracingProvider(cfg.TracingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build tracing provider: %w", err)
		}
		m.tracer = tracer
	}

	if cfg.EnableMetrics {
		metrics, err := NewMetricsProvider(cfg.MetricsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build metrics provider: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

// Metrics returns the metrics provider, nil when metrics are disabled.
// Share it with sessions through session.WithMetrics so frame and
// session measurements land in one registry.
func (m *ObservabilityMiddleware) Metrics() MetricsProvider {
	return m.metrics
}

// Tracer returns the tracing provider, nil when tracing is disabled.
func (m *ObservabilityMiddleware) Tracer() *TracingProvider {
	return m.tracer
}

// Wrap instruments a transport with the shared providers.
func (m *ObservabilityMiddleware) Wrap(next transport.Transport) transport.Transport {
	return &instrumentedTransport{
		mw:   m,
		next: next,
	}
}

// Shutdown flushes and stops the shared providers. Closing any wrapped
// transport calls this too; explicit shutdown is only needed when the
// middleware never wrapped anything.
func (m *ObservabilityMiddleware) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if m.tracer != nil {
			if err := m.tracer.Shutdown(ctx); err != nil {
				m.closeErr = err
			}
		}
		if m.metrics != nil {
			if err := m.metrics.Shutdown(ctx); err != nil && m.closeErr == nil {
				m.closeErr = err
			}
		}
	})
	return m.closeErr
}

// instrumentedTransport carries frames through the wrapped transport while
// measuring and tracing each one.
type instrumentedTransport struct {
	mw   *ObservabilityMiddleware
	next transport.Transport
}

// Send forwards a frame, recording a producer span and a frame metric.
func (t *instrumentedTransport) Send(ctx context.Context, data []byte) error {
	var span trace.Span
	if t.mw.tracer != nil {
		ctx, span = t.mw.tracer.StartSpan(ctx, "transport.send",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(attribute.Int("parley.frame.bytes", len(data))),
		)
		defer span.End()

		if t.mw.cfg.CaptureFramePayload {
			span.SetAttributes(attribute.String("parley.frame.payload", string(data)))
		}
	}

	began := time.Now()
	err := t.next.Send(ctx, data)
	took := time.Since(began)

	if t.mw.metrics != nil {
		status := statusSuccess
		if err != nil {
			status = statusError
		}
		t.mw.metrics.RecordFrame(directionSend, status, len(data))
	}

	if span != nil && span.IsRecording() {
		span.SetAttributes(attribute.Float64("parley.frame.duration_ms", float64(took.Milliseconds())))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	return err
}

// Receive waits for a frame, recording a consumer span and a frame
// metric. The span covers the wait, not just the handling.
func (t *instrumentedTransport) Receive(ctx context.Context) ([]byte, error) {
	var span trace.Span
	if t.mw.tracer != nil {
		ctx, span = t.mw.tracer.StartSpan(ctx, "transport.receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()
	}

	data, err := t.next.Receive(ctx)

	if t.mw.metrics != nil {
		status := statusSuccess
		if err != nil {
			status = statusError
		}
		t.mw.metrics.RecordFrame(directionReceive, status, len(data))
	}

	if span != nil && span.IsRecording() {
		span.SetAttributes(attribute.Int("parley.frame.bytes", len(data)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
			if t.mw.cfg.CaptureFramePayload {
				span.SetAttributes(attribute.String("parley.frame.payload", string(data)))
			}
		}
	}

	return data, err
}

// Close closes the underlying transport, then shuts the providers down.
func (t *instrumentedTransport) Close() error {
	err := t.next.Close()

	if shutdownErr := t.mw.Shutdown(context.Background()); shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	return err
}
