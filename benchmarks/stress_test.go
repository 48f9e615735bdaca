package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/protocol"
	"github.com/parleyproto/parley-go/pkg/session"
	"github.com/parleyproto/parley-go/pkg/transport"
	"github.com/parleyproto/parley-go/pkg/utils"
)

var (
	errInjectedFault = fmt.Errorf("injected network fault")
	errInjectedCrash = fmt.Errorf("injected server crash")
)

// StressTestConfig configures stress testing parameters
type StressTestConfig struct {
	// Basic configuration
	Sessions           int
	RequestsPerSession int
	Duration           time.Duration

	// Failure injection on the client transport
	SendFailureRate float64 // 0.0 to 1.0
	InjectedLatency time.Duration
	LatencyJitter   time.Duration

	// Probability per operation of killing the server session
	CrashRate float64 // 0.0 to 1.0
}

// StressTestResult contains stress test results
type StressTestResult struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64

	SessionCrashes   int64
	Recoveries       int64
	RecoveryFailures int64

	// Failure breakdown by error code name
	FailureTypes map[string]int64
}

// faultConfig tunes the failure injection applied to a wrapped transport.
type faultConfig struct {
	FailureRate float64
	Latency     time.Duration
	Jitter      time.Duration
}

// faultInjector wraps transports with configurable send failures and
// latency. Injection stays disarmed until arm is called, so the handshake
// completes deterministically and faults hit established sessions only.
type faultInjector struct {
	cfg   faultConfig
	armed int32

	mu  sync.Mutex
	rng *rand.Rand
}

var _ transport.Middleware = (*faultInjector)(nil)

func newFaultInjector(cfg faultConfig) *faultInjector {
	return &faultInjector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (fi *faultInjector) Wrap(next transport.Transport) transport.Transport {
	return &faultTransport{next: next, injector: fi}
}

func (fi *faultInjector) arm() {
	atomic.StoreInt32(&fi.armed, 1)
}

func (fi *faultInjector) active() bool {
	return atomic.LoadInt32(&fi.armed) == 1
}

func (fi *faultInjector) roll() float64 {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.rng.Float64()
}

// faultTransport applies the injector's faults to outbound frames.
type faultTransport struct {
	next     transport.Transport
	injector *faultInjector
}

func (f *faultTransport) Send(ctx context.Context, data []byte) error {
	if f.injector.active() {
		cfg := f.injector.cfg
		if d := cfg.Latency; d > 0 || cfg.Jitter > 0 {
			if cfg.Jitter > 0 {
				d += time.Duration(f.injector.roll() * float64(cfg.Jitter))
			}
			time.Sleep(d)
		}
		if cfg.FailureRate > 0 && f.injector.roll() < cfg.FailureRate {
			return errors.TransportFailure("stress", "send", errInjectedFault)
		}
	}
	return f.next.Send(ctx, data)
}

func (f *faultTransport) Receive(ctx context.Context) ([]byte, error) {
	return f.next.Receive(ctx)
}

func (f *faultTransport) Close() error {
	return f.next.Close()
}

// stressPair couples a session pair with the injector faulting its client
// transport.
type stressPair struct {
	loadPair
	injector *faultInjector
}

// StressTester hammers sessions while injecting transport faults and
// server crashes, and verifies the engine degrades without hanging
type StressTester struct {
	config StressTestConfig

	// Metrics
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	sessionCrashes     int64
	recoveries         int64
	recoveryFailures   int64
	failureTypes       sync.Map

	// Control
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStressTester creates a new stress tester
func NewStressTester(config StressTestConfig) *StressTester {
	if config.Sessions <= 0 {
		config.Sessions = 1
	}
	return &StressTester{
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Run executes the stress test
func (st *StressTester) Run(ctx context.Context) (*StressTestResult, error) {
	for i := 0; i < st.config.Sessions; i++ {
		st.wg.Add(1)
		go st.runWorker(ctx, i)
	}

	done := make(chan struct{})
	go func() {
		st.wg.Wait()
		close(done)
	}()

	var expired <-chan time.Time
	if st.config.Duration > 0 {
		timer := time.NewTimer(st.config.Duration)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
	case <-expired:
		st.stop()
		<-done
	case <-ctx.Done():
		st.stop()
		<-done
	}

	result := st.results()
	if result.TotalRequests == 0 && result.RecoveryFailures > 0 {
		return result, fmt.Errorf("no session survived establishment")
	}
	return result, nil
}

func (st *StressTester) stop() {
	st.stopOnce.Do(func() { close(st.stopCh) })
}

// runWorker owns one session pair, drives traffic through it, and replaces
// it when a crash kills it.
func (st *StressTester) runWorker(ctx context.Context, id int) {
	defer st.wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	pair, err := st.newPair(ctx)
	if err != nil {
		atomic.AddInt64(&st.recoveryFailures, 1)
		return
	}
	defer func() {
		if pair != nil {
			pair.close()
		}
	}()

	sent := 0
	for {
		select {
		case <-st.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if st.config.RequestsPerSession > 0 && sent >= st.config.RequestsPerSession {
			return
		}

		// Crash injection: kill the serving side and let the client find out
		// through the wire.
		if st.config.CrashRate > 0 && rng.Float64() < st.config.CrashRate {
			pair.server.Fail(errInjectedCrash)
			atomic.AddInt64(&st.sessionCrashes, 1)
		}

		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := pair.client.SendRequest(reqCtx, "bench/echo", map[string]interface{}{"seq": sent})
		cancel()

		sent++
		atomic.AddInt64(&st.totalRequests, 1)

		if err == nil {
			atomic.AddInt64(&st.successfulRequests, 1)
			continue
		}

		atomic.AddInt64(&st.failedRequests, 1)
		st.recordFailure(err)

		// A dead session cannot recover; tear it down and establish a
		// replacement. Injected send failures leave the session alive.
		if pair.client.CurrentStage().Terminal() || errors.IsCode(err, errors.CodeTransportClosed) {
			pair.close()
			pair, err = st.newPair(ctx)
			if err != nil {
				atomic.AddInt64(&st.recoveryFailures, 1)
				pair = nil
				return
			}
			atomic.AddInt64(&st.recoveries, 1)
		}
	}
}

// newPair establishes one faulted session pair. The handshake runs with
// injection disarmed; faults begin once the pair is operating.
func (st *StressTester) newPair(ctx context.Context) (*stressPair, error) {
	clientEnd, serverEnd := transport.Pipe()

	injector := newFaultInjector(faultConfig{
		FailureRate: st.config.SendFailureRate,
		Latency:     st.config.InjectedLatency,
		Jitter:      st.config.LatencyJitter,
	})

	pair := &stressPair{injector: injector}
	pair.client = session.NewClient(injector.Wrap(clientEnd),
		session.WithLogger(logging.NewNopLogger()),
		session.WithImplementation(protocol.Implementation{Name: "stress-client", Version: "1.0.0"}),
	)
	pair.server = session.NewServer(serverEnd,
		session.WithLogger(logging.NewNopLogger()),
		session.WithImplementation(protocol.Implementation{Name: "stress-server", Version: "1.0.0"}),
	)

	pair.server.OnRequest("bench/echo", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		return params, nil
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

	injector.arm()
	return pair, nil
}

func (st *StressTester) recordFailure(err error) {
	key := failureKey(err)
	if v, loaded := st.failureTypes.LoadOrStore(key, int64(1)); loaded {
		count, _ := v.(int64)
		st.failureTypes.Store(key, count+1)
	}
}

func (st *StressTester) results() *StressTestResult {
	result := &StressTestResult{
		TotalRequests:      atomic.LoadInt64(&st.totalRequests),
		SuccessfulRequests: atomic.LoadInt64(&st.successfulRequests),
		FailedRequests:     atomic.LoadInt64(&st.failedRequests),
		SessionCrashes:     atomic.LoadInt64(&st.sessionCrashes),
		Recoveries:         atomic.LoadInt64(&st.recoveries),
		RecoveryFailures:   atomic.LoadInt64(&st.recoveryFailures),
		FailureTypes:       make(map[string]int64),
	}

	st.failureTypes.Range(func(key, value interface{}) bool {
		name, _ := key.(string)
		count, _ := value.(int64)
		result.FailureTypes[name] = count
		return true
	})

	return result
}

// TestStressFlakyTransport verifies sessions absorb injected send failures
// without dying: every operation returns, the session stays usable, and
// nothing hangs or leaks.
func TestStressFlakyTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	detector := utils.NewGoroutineLeakDetector(t).SetAllowedGrowth(5)
	detector.Start()

	config := StressTestConfig{
		Sessions:           8,
		RequestsPerSession: 200,
		SendFailureRate:    0.05,
		Duration:           2 * time.Minute, // safety cap, quota finishes far sooner
	}

	tester := NewStressTester(config)
	result, err := tester.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("Total: %d, successful: %d, failed: %d",
		result.TotalRequests, result.SuccessfulRequests, result.FailedRequests)
	t.Logf("Failure types: %v", result.FailureTypes)

	wantTotal := int64(config.Sessions * config.RequestsPerSession)
	if result.TotalRequests != wantTotal {
		t.Errorf("Expected %d operations, got %d", wantTotal, result.TotalRequests)
	}
	if result.SuccessfulRequests == 0 {
		t.Error("Every operation failed under 5% fault injection")
	}
	if result.FailedRequests == 0 {
		t.Error("Fault injection produced no failures")
	}
	if result.SessionCrashes != 0 || result.Recoveries != 0 {
		t.Errorf("No crashes were injected, yet crashes=%d recoveries=%d",
			result.SessionCrashes, result.Recoveries)
	}

	detector.Check()
}

// TestStressCrashRecovery verifies workers detect killed sessions and
// re-establish replacements instead of hanging on a dead pipe.
func TestStressCrashRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	detector := utils.NewGoroutineLeakDetector(t).SetAllowedGrowth(5)
	detector.Start()

	config := StressTestConfig{
		Sessions:           4,
		RequestsPerSession: 150,
		CrashRate:          0.03,
		Duration:           2 * time.Minute,
	}

	tester := NewStressTester(config)
	result, err := tester.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("Total: %d, successful: %d, failed: %d",
		result.TotalRequests, result.SuccessfulRequests, result.FailedRequests)
	t.Logf("Crashes: %d, recoveries: %d, recovery failures: %d",
		result.SessionCrashes, result.Recoveries, result.RecoveryFailures)
	t.Logf("Failure types: %v", result.FailureTypes)

	wantTotal := int64(config.Sessions * config.RequestsPerSession)
	if result.TotalRequests != wantTotal {
		t.Errorf("Expected %d operations, got %d", wantTotal, result.TotalRequests)
	}
	if result.SessionCrashes == 0 {
		t.Error("Crash injection never fired across 600 operations")
	}
	if result.Recoveries == 0 {
		t.Error("No crashed session was replaced")
	}
	if result.SuccessfulRequests == 0 {
		t.Error("No operation succeeded between crashes")
	}

	detector.Check()
}
