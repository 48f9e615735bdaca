// Package benchmarks provides performance and load testing for the Parley
// session engine.
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/protocol"
	"github.com/parleyproto/parley-go/pkg/session"
	"github.com/parleyproto/parley-go/pkg/transport"
)

// Operation names used in metrics and the operation mix.
const (
	opRequest      = "Request"
	opNotification = "Notification"
	opPing         = "Ping"
)

// defaultReportInterval paces progress logging when the config leaves it unset.
const defaultReportInterval = 5 * time.Second

// LoadTestConfig shapes the traffic profile a LoadTester drives.
type LoadTestConfig struct {
	// Number of concurrent session pairs
	Sessions int

	// Number of operations per session (0 = until Duration elapses)
	RequestsPerSession int

	// Operation rate limit across all sessions (ops per second, 0 = unlimited)
	RateLimit int

	// Test duration cap (0 = run until all sessions complete their quota)
	Duration time.Duration

	// Window over which worker starts are spread
	RampUpTime time.Duration

	// Relative share of each traffic shape
	OperationMix OperationMix

	// How often progress is logged
	ReportInterval time.Duration
}

// OperationMix sets the relative weight of each traffic shape.
type OperationMix struct {
	Request      float64 // Percentage of request/response round trips
	Notification float64 // Percentage of one-way notifications
	Ping         float64 // Percentage of ping probes
}

// normalized scales the mix so the three shares sum to one. A zero mix
// gets the default 70/20/10 split.
func (m OperationMix) normalized() OperationMix {
	sum := m.Request + m.Notification + m.Ping
	if sum == 0 {
		return OperationMix{Request: 0.7, Notification: 0.2, Ping: 0.1}
	}
	return OperationMix{
		Request:      m.Request / sum,
		Notification: m.Notification / sum,
		Ping:         m.Ping / sum,
	}
}

// LoadTestResult aggregates everything measured during one run.
type LoadTestResult struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalDuration      time.Duration

	// Latency distribution in milliseconds
	MinLatency float64
	MaxLatency float64
	AvgLatency float64
	P50Latency float64
	P90Latency float64
	P95Latency float64
	P99Latency float64

	// Sustained operation rate
	RequestsPerSecond float64

	// Failures bucketed by error code name
	ErrorCounts map[string]int64

	// Outcome counters per traffic shape
	OperationMetrics map[string]*OperationMetrics
}

// summarizeLatencies fills the latency fields from a sample set. The
// slice is sorted in place.
func (r *LoadTestResult) summarizeLatencies(samples []time.Duration) {
	if len(samples) == 0 {
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, d := range samples {
		total += d
	}

	ms := func(d time.Duration) float64 { return float64(d.Milliseconds()) }
	r.MinLatency = ms(samples[0])
	r.MaxLatency = ms(samples[len(samples)-1])
	r.AvgLatency = ms(total / time.Duration(len(samples)))
	r.P50Latency = ms(percentile(samples, 50))
	r.P90Latency = ms(percentile(samples, 90))
	r.P95Latency = ms(percentile(samples, 95))
	r.P99Latency = ms(percentile(samples, 99))
}

// percentile expects samples sorted ascending.
func percentile(sorted []time.Duration, pct float64) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*pct/100.0)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// OperationMetrics accumulates outcomes for one traffic shape.
type OperationMetrics struct {
	Count      int64
	Successful int64
	Failed     int64
	TotalTime  time.Duration
	MinTime    time.Duration
	MaxTime    time.Duration

	mu      sync.Mutex
	samples []time.Duration
}

func (m *OperationMetrics) record(elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Count++
	m.TotalTime += elapsed
	if err == nil {
		m.Successful++
	} else {
		m.Failed++
	}

	if m.MinTime == 0 || elapsed < m.MinTime {
		m.MinTime = elapsed
	}
	if elapsed > m.MaxTime {
		m.MaxTime = elapsed
	}
	m.samples = append(m.samples, elapsed)
}

// loadPair is one client/server session couple joined by an in-memory pipe.
// The load runs against the client end; the server end answers.
type loadPair struct {
	client *session.Session
	server *session.Session
	cancel context.CancelFunc
	done   sync.WaitGroup
}

func (p *loadPair) close() {
	_ = p.client.Close()
	_ = p.server.Close()
	p.cancel()
	p.done.Wait()
}

// newLoadPair wires an initialized client/server session couple. The server
// answers the synthetic bench methods the workload issues.
func newLoadPair(ctx context.Context, id int) (*loadPair, error) {
	clientEnd, serverEnd := transport.Pipe()

	pair := &loadPair{
		client: session.NewClient(clientEnd,
			session.WithLogger(logging.NewNopLogger()),
			session.WithImplementation(protocol.Implementation{
				Name:    fmt.Sprintf("load-test-client-%d", id),
				Version: "1.0.0",
			}),
		),
		server: session.NewServer(serverEnd,
			session.WithLogger(logging.NewNopLogger()),
			session.WithImplementation(protocol.Implementation{
				Name:    "load-test-server",
				Version: "1.0.0",
			}),
		),
	}

	pair.server.OnRequest("bench/echo", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		if len(params) == 0 {
			return map[string]string{"status": "ok"}, nil
		}
		return params, nil
	})
	pair.server.OnNotification("bench/event", func(context.Context, json.RawMessage) error {
		return nil
	})

	serveCtx, cancel := context.WithCancel(ctx)
	pair.cancel = cancel

	pair.done.Add(2)
	go func() {
		defer pair.done.Done()
		_ = pair.client.Serve(serveCtx)
	}()
	go func() {
		defer pair.done.Done()
		_ = pair.server.Serve(serveCtx)
	}()

	initCtx, cancelInit := context.WithTimeout(ctx, 10*time.Second)
	defer cancelInit()
	if err := pair.client.Initialize(initCtx); err != nil {
		pair.close()
		return nil, err
	}

	return pair, nil
}

// LoadTester drives configurable traffic through live Parley sessions
type LoadTester struct {
	cfg LoadTestConfig

	opsTotal  int64
	opsOK     int64
	opsFailed int64
	failures  sync.Map
	perOp     sync.Map

	startedAt time.Time
	quitCh    chan struct{}
	quitOnce  sync.Once
	wg        sync.WaitGroup
}

// NewLoadTester applies defaults and prepares a tester for a single Run.
func NewLoadTester(cfg LoadTestConfig) *LoadTester {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	cfg.OperationMix = cfg.OperationMix.normalized()

	return &LoadTester{
		cfg:    cfg,
		quitCh: make(chan struct{}),
	}
}

// Run establishes the session pairs, drives the configured workload, and
// returns the aggregated result.
func (lt *LoadTester) Run(ctx context.Context) (*LoadTestResult, error) {
	lt.startedAt = time.Now()

	go lt.logProgress()
	defer lt.halt()

	pairs := make([]*loadPair, 0, lt.cfg.Sessions)
	defer func() {
		for _, p := range pairs {
			p.close()
		}
	}()

	for i := 0; i < lt.cfg.Sessions; i++ {
		p, err := newLoadPair(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("failed to establish session pair %d: %w", i, err)
		}
		pairs = append(pairs, p)
	}

	pacer := lt.ratePacer()

	for i, p := range pairs {
		lt.wg.Add(1)
		go lt.runSession(ctx, i, p.client, pacer)

		// Spread worker starts across the ramp-up window.
		if lt.cfg.RampUpTime > 0 && i < len(pairs)-1 {
			time.Sleep(lt.cfg.RampUpTime / time.Duration(len(pairs)-1))
		}
	}

	finished := make(chan struct{})
	go func() {
		lt.wg.Wait()
		close(finished)
	}()

	var expired <-chan time.Time
	if lt.cfg.Duration > 0 {
		timer := time.NewTimer(lt.cfg.Duration)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-finished:
		// Every session completed its quota.
	case <-expired:
		lt.halt()
		lt.wg.Wait()
	case <-ctx.Done():
		lt.halt()
		lt.wg.Wait()
	}

	return lt.collectResults(), nil
}

// halt signals every worker and the reporter exactly once.
func (lt *LoadTester) halt() {
	lt.quitOnce.Do(func() { close(lt.quitCh) })
}

// runSession issues operations until the quota is met or the test stops.
func (lt *LoadTester) runSession(ctx context.Context, id int, s *session.Session, pacer <-chan struct{}) {
	defer lt.wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for sent := 0; ; sent++ {
		if lt.cfg.RequestsPerSession > 0 && sent >= lt.cfg.RequestsPerSession {
			return
		}

		select {
		case <-lt.quitCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if pacer != nil {
			select {
			case <-pacer:
			case <-lt.quitCh:
				return
			}
		}

		lt.executeOperation(ctx, s, lt.selectOperation(rng))
	}
}

// selectOperation draws a traffic shape from the configured mix.
func (lt *LoadTester) selectOperation(rng *rand.Rand) string {
	r := rng.Float64()
	switch {
	case r < lt.cfg.OperationMix.Request:
		return opRequest
	case r < lt.cfg.OperationMix.Request+lt.cfg.OperationMix.Notification:
		return opNotification
	default:
		return opPing
	}
}

// executeOperation performs a single operation and records its outcome.
func (lt *LoadTester) executeOperation(ctx context.Context, s *session.Session, operation string) {
	atomic.AddInt64(&lt.opsTotal, 1)

	began := time.Now()
	err := lt.perform(ctx, s, operation)
	elapsed := time.Since(began)

	lt.metricsFor(operation).record(elapsed, err)

	if err != nil {
		atomic.AddInt64(&lt.opsFailed, 1)
		lt.recordFailure(err)
	} else {
		atomic.AddInt64(&lt.opsOK, 1)
	}
}

func (lt *LoadTester) perform(ctx context.Context, s *session.Session, operation string) error {
	switch operation {
	case opRequest:
		_, err := s.SendRequest(ctx, "bench/echo", map[string]interface{}{
			"input": fmt.Sprintf("load-%d", time.Now().UnixNano()),
		})
		return err
	case opNotification:
		return s.SendNotification(ctx, "bench/event", map[string]interface{}{
			"at": time.Now().UnixNano(),
		})
	default:
		_, err := s.Ping(ctx)
		return err
	}
}

func (lt *LoadTester) metricsFor(operation string) *OperationMetrics {
	v, _ := lt.perOp.LoadOrStore(operation, &OperationMetrics{})
	return v.(*OperationMetrics)
}

// recordFailure counts an error keyed by its code name, so the summary
// stays bounded no matter how many distinct messages occur.
func (lt *LoadTester) recordFailure(err error) {
	key := failureKey(err)
	if v, loaded := lt.failures.LoadOrStore(key, int64(1)); loaded {
		lt.failures.Store(key, v.(int64)+1)
	}
}

// failureKey maps an error to a stable bucket name. Parley errors key by
// their registered code name; anything else falls into one bucket.
func failureKey(err error) string {
	if parleyErr, ok := errors.AsParleyError(err); ok {
		return errors.GetErrorCodeName(parleyErr.Code())
	}
	return "other"
}

// ratePacer spawns a ticker goroutine that meters out operation slots
// until the test stops. Returns nil when no limit is configured.
func (lt *LoadTester) ratePacer() <-chan struct{} {
	if lt.cfg.RateLimit <= 0 {
		return nil
	}

	slots := make(chan struct{})
	go func() {
		pace := time.NewTicker(time.Second / time.Duration(lt.cfg.RateLimit))
		defer pace.Stop()

		for {
			select {
			case <-lt.quitCh:
				return
			case <-pace.C:
			}
			select {
			case slots <- struct{}{}:
			case <-lt.quitCh:
				return
			}
		}
	}()

	return slots
}

// logProgress reports throughput at the configured interval until the
// run stops.
func (lt *LoadTester) logProgress() {
	tick := time.NewTicker(lt.cfg.ReportInterval)
	defer tick.Stop()

	var prevOps int64
	prevAt := time.Now()

	for {
		select {
		case <-lt.quitCh:
			return
		case now := <-tick.C:
			current := atomic.LoadInt64(&lt.opsTotal)
			rps := float64(current-prevOps) / now.Sub(prevAt).Seconds()

			log.Printf("Progress: %d operations (%.1f op/s), %d successful, %d failed",
				current, rps,
				atomic.LoadInt64(&lt.opsOK),
				atomic.LoadInt64(&lt.opsFailed))

			prevOps = current
			prevAt = now
		}
	}
}

// collectResults gathers counters and latency samples into the final result.
func (lt *LoadTester) collectResults() *LoadTestResult {
	elapsed := time.Since(lt.startedAt)
	total := atomic.LoadInt64(&lt.opsTotal)

	result := &LoadTestResult{
		TotalRequests:      total,
		SuccessfulRequests: atomic.LoadInt64(&lt.opsOK),
		FailedRequests:     atomic.LoadInt64(&lt.opsFailed),
		TotalDuration:      elapsed,
		RequestsPerSecond:  float64(total) / elapsed.Seconds(),
	}

	result.ErrorCounts = make(map[string]int64)
	lt.failures.Range(func(k, v interface{}) bool {
		result.ErrorCounts[k.(string)] = v.(int64)
		return true
	})

	result.OperationMetrics = make(map[string]*OperationMetrics)
	var samples []time.Duration
	lt.perOp.Range(func(k, v interface{}) bool {
		metrics := v.(*OperationMetrics)
		result.OperationMetrics[k.(string)] = metrics
		samples = append(samples, metrics.samples...)
		return true
	})

	result.summarizeLatencies(samples)
	return result
}

// PrintResults writes a human-readable summary to stdout.
func (r *LoadTestResult) PrintResults() {
	fmt.Println("\n=== Load Test Summary ===")
	fmt.Printf("Duration: %s\n", r.TotalDuration)
	fmt.Printf("Total Operations: %d\n", r.TotalRequests)
	if r.TotalRequests > 0 {
		fmt.Printf("Successful: %d (%.1f%%)\n", r.SuccessfulRequests,
			float64(r.SuccessfulRequests)/float64(r.TotalRequests)*100)
		fmt.Printf("Failed: %d (%.1f%%)\n", r.FailedRequests,
			float64(r.FailedRequests)/float64(r.TotalRequests)*100)
	}
	fmt.Printf("Operations/sec: %.2f\n", r.RequestsPerSecond)

	fmt.Println("\nLatency (ms):")
	rows := []struct {
		label string
		value float64
	}{
		{"Min", r.MinLatency},
		{"Avg", r.AvgLatency},
		{"P50", r.P50Latency},
		{"P90", r.P90Latency},
		{"P95", r.P95Latency},
		{"P99", r.P99Latency},
		{"Max", r.MaxLatency},
	}
	for _, row := range rows {
		fmt.Printf("  %s: %.2f\n", row.label, row.value)
	}

	if len(r.OperationMetrics) > 0 {
		fmt.Println("\nPer-Operation:")
		for op, metrics := range r.OperationMetrics {
			fmt.Printf("  %s: %d ops\n", op, metrics.Count)
			if metrics.Count > 0 {
				fmt.Printf("    Success Rate: %.1f%%\n",
					float64(metrics.Successful)/float64(metrics.Count)*100)
				fmt.Printf("    Avg Time: %.2fms\n",
					float64(metrics.TotalTime.Milliseconds())/float64(metrics.Count))
			}
		}
	}

	if len(r.ErrorCounts) > 0 {
		fmt.Println("\nFailures by code:")
		for code, count := range r.ErrorCounts {
			fmt.Printf("  %s: %d\n", code, count)
		}
	}
}
