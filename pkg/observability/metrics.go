package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/session"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	directionSend    = "send"
	directionReceive = "receive"
)

// MetricsConfig tunes the Prometheus provider and its scrape endpoint.
type MetricsConfig struct {
	// Service identification, attached to every metric as const labels
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Prometheus scrape endpoint served by Start
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)
	MetricsPort int    // Port for metrics server (default: 9090)

	// Collector options
	Namespace        string    // Prometheus namespace (default: parley)
	HistogramBuckets []float64 // Custom histogram buckets for latency, in milliseconds

	// ConstLabels are merged with the service identity labels and
	// attached to every collector
	ConstLabels prometheus.Labels

	// Registry receives the collectors and backs the scrape handler.
	// Nil uses the process default registry.
	Registry *prometheus.Registry

	// Logger reports scrape endpoint failures
	Logger logging.Logger
}

// withDefaults fills the blanks a zero config leaves.
func (c MetricsConfig) withDefaults() MetricsConfig {
	if c.ServiceName == "" {
		c.ServiceName = "parley-service"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "unknown"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Namespace == "" {
		c.Namespace = "parley"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.HistogramBuckets == nil {
		c.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}

	// Identity labels win over caller-supplied ones of the same name.
	labels := make(prometheus.Labels, len(c.ConstLabels)+3)
	for k, v := range c.ConstLabels {
		labels[k] = v
	}
	labels["service"] = c.ServiceName
	labels["version"] = c.ServiceVersion
	labels["environment"] = c.Environment
	c.ConstLabels = labels

	return c
}

// MetricsProvider records session and transport measurements. It extends
// the session metrics hook with frame level transport counters, so one
// provider can instrument a whole connection.
type MetricsProvider interface {
	session.Metrics

	// RecordFrame counts one raw frame crossing the transport. Size zero
	// means the frame never arrived.
	RecordFrame(direction, status string, size int)

	// Lifecycle of the scrape endpoint
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider backs MetricsProvider with Prometheus collectors.
type PrometheusMetricsProvider struct {
	cfg    MetricsConfig
	logger logging.Logger
	srv    *http.Server

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	// Session metrics
	stageTransitions *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsHandled  *prometheus.CounterVec
	requestsIssued   *prometheus.CounterVec
	violationTotal   *prometheus.CounterVec
	negotiationTotal *prometheus.CounterVec
	inflightRequests prometheus.Gauge

	// Frame level counters
	frameTotal *prometheus.CounterVec
	frameBytes *prometheus.HistogramVec
}

var _ MetricsProvider = (*PrometheusMetricsProvider)(nil)

// NewMetricsProvider builds the collectors, registers them, and returns a
// provider ready to instrument sessions and serve scrapes.
func NewMetricsProvider(cfg MetricsConfig) (*PrometheusMetricsProvider, error) {
	cfg = cfg.withDefaults()

	provider := &PrometheusMetricsProvider{
		cfg:        cfg,
		logger:     cfg.Logger,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	if provider.logger == nil {
		provider.logger = logging.NewNopLogger()
	}
	if cfg.Registry != nil {
		provider.registerer = cfg.Registry
		provider.gatherer = cfg.Registry
	}

	provider.buildCollectors()

	if err := provider.registerAll(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return provider, nil
}

func (p *PrometheusMetricsProvider) counterOpts(subsystem, name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   p.cfg.Namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.cfg.ConstLabels,
	}
}

func (p *PrometheusMetricsProvider) histogramOpts(subsystem, name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   p.cfg.Namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: p.cfg.ConstLabels,
	}
}

// buildCollectors constructs every collector with the shared opts.
func (p *PrometheusMetricsProvider) buildCollectors() {
	p.stageTransitions = prometheus.NewCounterVec(
		p.counterOpts("session", "stage_transitions_total",
			"Total number of session lifecycle transitions"),
		[]string{"from", "to"})

	p.messagesReceived = prometheus.NewCounterVec(
		p.counterOpts("session", "messages_received_total",
			"Total number of inbound messages by classification"),
		[]string{"kind"})

	p.requestDuration = prometheus.NewHistogramVec(
		p.histogramOpts("session", "request_duration_milliseconds",
			"Duration of inbound request handling in milliseconds", p.cfg.HistogramBuckets),
		[]string{"method", "status"})

	p.requestsHandled = prometheus.NewCounterVec(
		p.counterOpts("session", "requests_handled_total",
			"Total number of inbound requests handled"),
		[]string{"method", "status"})

	p.requestsIssued = prometheus.NewCounterVec(
		p.counterOpts("session", "requests_issued_total",
			"Total number of outbound requests issued"),
		[]string{"method"})

	p.violationTotal = prometheus.NewCounterVec(
		p.counterOpts("session", "protocol_violations_total",
			"Total number of protocol violations by error code name"),
		[]string{"code"})

	p.negotiationTotal = prometheus.NewCounterVec(
		p.counterOpts("session", "version_negotiations_total",
			"Total number of version negotiations by outcome"),
		[]string{"outcome"})

	p.inflightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   p.cfg.Namespace,
		Subsystem:   "session",
		Name:        "inflight_requests",
		Help:        "Number of outbound requests awaiting a response",
		ConstLabels: p.cfg.ConstLabels,
	})

	p.frameTotal = prometheus.NewCounterVec(
		p.counterOpts("transport", "frames_total",
			"Total number of frames crossing the transport"),
		[]string{"direction", "status"})

	p.frameBytes = prometheus.NewHistogramVec(
		p.histogramOpts("transport", "frame_bytes",
			"Size of frames crossing the transport",
			[]float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576}),
		[]string{"direction"})
}

// registerAll registers the collectors, tolerating duplicates so two
// providers can share a registry.
func (p *PrometheusMetricsProvider) registerAll() error {
	for _, c := range []prometheus.Collector{
		p.stageTransitions,
		p.messagesReceived,
		p.requestDuration,
		p.requestsHandled,
		p.requestsIssued,
		p.violationTotal,
		p.negotiationTotal,
		p.inflightRequests,
		p.frameTotal,
		p.frameBytes,
	} {
		err := p.registerer.Register(c)
		if err == nil {
			continue
		}
		if _, dup := err.(prometheus.AlreadyRegisteredError); !dup {
			return err
		}
	}
	return nil
}

// StageChanged records a lifecycle transition
func (p *PrometheusMetricsProvider) StageChanged(from, to string) {
	p.stageTransitions.WithLabelValues(from, to).Inc()
}

// MessageReceived counts one inbound frame by kind
func (p *PrometheusMetricsProvider) MessageReceived(kind string) {
	p.messagesReceived.WithLabelValues(kind).Inc()
}

// RequestHandled records an inbound request's outcome and duration
func (p *PrometheusMetricsProvider) RequestHandled(method string, duration time.Duration, success bool) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	p.requestDuration.WithLabelValues(method, status).Observe(float64(duration.Milliseconds()))
	p.requestsHandled.WithLabelValues(method, status).Inc()
}

// RequestIssued counts one outbound request
func (p *PrometheusMetricsProvider) RequestIssued(method string) {
	p.requestsIssued.WithLabelValues(method).Inc()
}

// ViolationRecorded counts a protocol violation by error code name
func (p *PrometheusMetricsProvider) ViolationRecorded(codeName string) {
	p.violationTotal.WithLabelValues(codeName).Inc()
}

// NegotiationCompleted records a version negotiation outcome
func (p *PrometheusMetricsProvider) NegotiationCompleted(outcome string) {
	p.negotiationTotal.WithLabelValues(outcome).Inc()
}

// InFlight reports the current number of outstanding outbound requests
func (p *PrometheusMetricsProvider) InFlight(n int) {
	p.inflightRequests.Set(float64(n))
}

// RecordFrame counts one raw frame crossing the transport
func (p *PrometheusMetricsProvider) RecordFrame(direction, status string, size int) {
	p.frameTotal.WithLabelValues(direction, status).Inc()
	if size > 0 {
		p.frameBytes.WithLabelValues(direction).Observe(float64(size))
	}
}

// Handler returns the scrape handler for mounting on an existing mux.
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{
		ErrorLog: logging.NewStdLogAdapter(p.logger, "MetricsServer", logging.ErrorLevel),
	})
}

// Start serves the scrape endpoint on the configured port. The server
// runs until Shutdown.
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(p.cfg.MetricsPath, p.Handler())

	p.srv = &http.Server{
		Addr:     fmt.Sprintf(":%d", p.cfg.MetricsPort),
		Handler:  mux,
		ErrorLog: logging.NewStdLogAdapter(p.logger, "MetricsServer", logging.ErrorLevel),
	}

	go func() {
		if err := p.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.WithError(err).Error("Metrics endpoint failed")
		}
	}()

	return nil
}

// Shutdown stops the scrape endpoint, if one was started.
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	if p.srv != nil {
		return p.srv.Shutdown(ctx)
	}
	return nil
}
