// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for Parley sessions and transports.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the tracer name spans are attributed to.
const instrumentationName = "parley-go"

// ExporterType selects how spans leave the process.
type ExporterType string

const (
	// ExporterTypeOTLPGRPC exports traces via OTLP over gRPC.
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"

	// ExporterTypeOTLPHTTP exports traces via OTLP over HTTP.
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"

	// ExporterTypeNoop drops spans in-process, for tests and local runs.
	ExporterTypeNoop ExporterType = "noop"
)

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Service identification.
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter selection. Endpoint and Headers apply to the OTLP types.
	ExporterType ExporterType
	Endpoint     string
	Headers      map[string]string
	Insecure     bool

	// Sampling. Rates at or above 1.0 sample everything, at or below
	// 0.0 nothing. Method names in AlwaysSample and NeverSample
	// override the rate.
	SampleRate   float64
	AlwaysSample []string
	NeverSample  []string

	// Batch span processor tuning.
	BatchTimeout int // seconds
	MaxBatchSize int
	MaxQueueSize int

	// Extra resource attributes attached to every span.
	ResourceAttributes map[string]string
}

func (c TracingConfig) withDefaults() TracingConfig {
	if c.ServiceName == "" {
		c.ServiceName = "parley-service"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "unknown"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 5
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 512
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 2048
	}
	return c
}

func (c TracingConfig) resource() *resource.Resource {
	kvs := make([]attribute.KeyValue, 0, len(c.ResourceAttributes)+3)
	kvs = append(kvs,
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
		semconv.DeploymentEnvironment(c.Environment),
	)
	for key, val := range c.ResourceAttributes {
		kvs = append(kvs, attribute.String(key, val))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, kvs...)
}

// TracingProvider owns a tracer provider configured for Parley traffic.
type TracingProvider struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	mu sync.Mutex
}

// NewTracingProvider builds the exporter, sampler and resource described
// by cfg and registers the resulting provider as the global default,
// so sessions built without an explicit tracer pick it up.
func NewTracingProvider(cfg TracingConfig) (*TracingProvider, error) {
	cfg = cfg.withDefaults()

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	sdkTP := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(time.Duration(cfg.BatchTimeout)*time.Second),
			sdktrace.WithMaxExportBatchSize(cfg.MaxBatchSize),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
		),
		sdktrace.WithResource(cfg.resource()),
		sdktrace.WithSampler(createSampler(cfg)),
	)
	otel.SetTracerProvider(sdkTP)

	return &TracingProvider{
		tracerProvider: sdkTP,
		tracer:         sdkTP.Tracer(instrumentationName),
	}, nil
}

// Tracer returns the provider's tracer for direct session wiring.
func (p *TracingProvider) Tracer() trace.Tracer {
	return p.tracer
}

// StartSpan starts a span under the provider's tracer.
func (p *TracingProvider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// StartMethodSpan starts a span named for a protocol method, tagged
// with the rpc attributes the method sampler keys on.
func (p *TracingProvider) StartMethodSpan(ctx context.Context, method string, kind trace.SpanKind) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "parley."+method,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("rpc.system", "parley"),
			attribute.String("rpc.method", method),
		),
	)
}

// RecordError marks the current span failed with err.
func (p *TracingProvider) RecordError(ctx context.Context, err error, opts ...trace.EventOption) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err, opts...)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent attaches an event to the current span.
func (p *TracingProvider) AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// Shutdown flushes pending spans and stops the batch processor. It is
// safe to call more than once.
func (p *TracingProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tracerProvider == nil {
		return nil
	}
	err := p.tracerProvider.Shutdown(ctx)
	p.tracerProvider = nil
	return err
}

func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterTypeOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	case ExporterTypeOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case ExporterTypeNoop:
		return noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

// noopExporter drops spans. The batch processor still runs, so span
// lifecycle behaves the same as with a real exporter.
type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }

func (noopExporter) Shutdown(context.Context) error { return nil }

// createSampler picks a sampler for the configured rate, switching to
// the method-aware sampler when either override list is present.
func createSampler(cfg TracingConfig) sdktrace.Sampler {
	if len(cfg.AlwaysSample) == 0 && len(cfg.NeverSample) == 0 {
		return ratioSampler(cfg.SampleRate)
	}
	return &methodSampler{
		defaultRate:  cfg.SampleRate,
		alwaysSample: makeStringSet(cfg.AlwaysSample),
		neverSample:  makeStringSet(cfg.NeverSample),
	}
}

func ratioSampler(r float64) sdktrace.Sampler {
	switch {
	case r >= 1.0:
		return sdktrace.AlwaysSample()
	case r <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(r)
	}
}

// methodSampler applies per-method overrides before the default rate.
type methodSampler struct {
	defaultRate  float64
	alwaysSample map[string]struct{}
	neverSample  map[string]struct{}
}

func (s *methodSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	// Prefer the rpc.method attribute over the span name so renamed
	// spans still match the override lists.
	method := params.Name
	for _, kv := range params.Attributes {
		if kv.Key == "rpc.method" {
			method = kv.Value.AsString()
			break
		}
	}

	if _, ok := s.alwaysSample[method]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.RecordAndSample}
	}
	if _, ok := s.neverSample[method]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return ratioSampler(s.defaultRate).ShouldSample(params)
}

func (s *methodSampler) Description() string {
	return fmt.Sprintf("methodSampler(rate=%.2f, always=%d, never=%d)",
		s.defaultRate, len(s.alwaysSample), len(s.neverSample))
}

func makeStringSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, v := range items {
		out[v] = struct{}{}
	}
	return out
}
