// Package dispatch correlates in-flight requests with their responses.
// Both peers run one dispatcher each for the requests they issue, so the
// two directions keep independent id spaces.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

const (
	// DefaultTimeout bounds a request's wait for its response
	DefaultTimeout = 30 * time.Second
	// DefaultCancelRetention is how long a cancelled request's slot is kept
	// so a late response is recognized and discarded
	DefaultCancelRetention = 30 * time.Second
)

// Result carries the terminal outcome of one in-flight request. Exactly one
// of Response and Err is set.
type Result struct {
	Response *protocol.Response
	Err      error
}

// Pending is the non-blocking handle for one issued request. Its channel
// receives exactly one Result: the response, a cancellation, or a timeout.
type Pending struct {
	id     interface{}
	method string
	ch     chan Result
}

// ID returns the request id the handle tracks.
func (p *Pending) ID() interface{} { return p.id }

// Method returns the request method.
func (p *Pending) Method() string { return p.method }

// Done returns the channel the terminal result arrives on.
func (p *Pending) Done() <-chan Result { return p.ch }

// Wait blocks until the request resolves or the context ends. An ended
// context does not release the slot; the issuer cancels explicitly.
func (p *Pending) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case result := <-p.ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Response, nil
	case <-ctx.Done():
		return nil, errors.ConvertStandardError(ctx.Err())
	}
}

type entry struct {
	pending   *Pending
	timer     *time.Timer
	cancelled bool
}

// Dispatcher tracks this peer's outstanding requests. Inserts, resolutions,
// and cancellations are atomic with respect to each other, so concurrent
// sends and concurrent inbound responses never corrupt the table.
type Dispatcher struct {
	mu       sync.Mutex
	pending  map[string]*entry
	live     int
	nextID   int64
	draining bool
	idle     chan struct{}

	logger          logging.Logger
	defaultTimeout  time.Duration
	cancelRetention time.Duration
	idPrefix        string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for anomaly and lifecycle reporting.
func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDefaultTimeout sets the session-wide response timeout applied when a
// request does not carry its own.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.defaultTimeout = timeout
		}
	}
}

// WithCancelRetention sets how long cancelled slots are retained to absorb
// late responses.
func WithCancelRetention(retention time.Duration) Option {
	return func(d *Dispatcher) {
		if retention > 0 {
			d.cancelRetention = retention
		}
	}
}

// WithIDPrefix sets the prefix for generated request ids.
func WithIDPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		if prefix != "" {
			d.idPrefix = prefix
		}
	}
}

// NewDispatcher creates a dispatcher with an empty pending table.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pending:         make(map[string]*entry),
		nextID:          1,
		logger:          logging.NewNopLogger(),
		defaultTimeout:  DefaultTimeout,
		cancelRetention: DefaultCancelRetention,
		idPrefix:        "req",
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// GenerateID returns the next locally unique request id.
func (d *Dispatcher) GenerateID() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	return fmt.Sprintf("%s_%d", d.idPrefix, id)
}

// Track registers an issued request and returns its handle immediately.
// The handle resolves when Resolve delivers the matching response, when
// Cancel is called, or when the timeout elapses. A zero timeout uses the
// dispatcher default.
func (d *Dispatcher) Track(id interface{}, method string, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	key := pendingKey(id)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.draining {
		return nil, errors.TransportClosed("session")
	}
	if _, exists := d.pending[key]; exists {
		return nil, errors.InternalErrorf("request id %v is already pending", id)
	}

	p := &Pending{
		id:     id,
		method: method,
		ch:     make(chan Result, 1),
	}
	e := &entry{pending: p}
	e.timer = time.AfterFunc(timeout, func() { d.expire(key, timeout) })

	d.pending[key] = e
	d.live++

	return p, nil
}

// Resolve delivers a response to its pending slot and reports whether one
// matched. Responses for cancelled slots are discarded; responses with no
// slot at all are a protocol anomaly, logged and dropped.
func (d *Dispatcher) Resolve(response *protocol.Response) bool {
	key := pendingKey(response.ID)

	d.mu.Lock()
	e, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		d.logger.Warn("Unmatched response dropped",
			logging.Any("id", response.ID),
		)
		return false
	}
	cancelled := e.cancelled
	if !cancelled {
		// Deliver before the slot disappears, so a drain woken by the
		// removal finds the result already readable. The buffered send
		// cannot block: each slot gets exactly one terminal result.
		e.pending.ch <- Result{Response: response}
	}
	d.remove(key, e)
	d.mu.Unlock()

	if cancelled {
		d.logger.Debug("Late response for cancelled request discarded",
			logging.Any("id", response.ID),
			logging.Method(e.pending.method),
		)
	}
	return true
}

// Cancel resolves the handle with a cancellation error. The slot stays in
// the table as a tombstone for the retention window so a late response is
// matched and discarded instead of reported unmatched.
func (d *Dispatcher) Cancel(id interface{}) bool {
	key := pendingKey(id)

	d.mu.Lock()
	e, ok := d.pending[key]
	if !ok || e.cancelled {
		d.mu.Unlock()
		return false
	}

	e.cancelled = true
	d.live--
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d.cancelRetention, func() { d.reap(key) })
	e.pending.ch <- Result{Err: errors.RequestCancelled(e.pending.method, id)}
	d.signalIdle()
	d.mu.Unlock()
	return true
}

// expire resolves a slot with a timeout error and removes it.
func (d *Dispatcher) expire(key string, timeout time.Duration) {
	d.mu.Lock()
	e, ok := d.pending[key]
	if !ok || e.cancelled {
		d.mu.Unlock()
		return
	}
	e.pending.ch <- Result{Err: errors.RequestTimeout(e.pending.method, timeout)}
	d.remove(key, e)
	d.mu.Unlock()

	d.logger.Warn("Request timed out",
		logging.Any("id", e.pending.id),
		logging.Method(e.pending.method),
		logging.Duration("timeout", timeout),
	)
}

// reap drops a cancelled slot whose retention window elapsed with no late
// response.
func (d *Dispatcher) reap(key string) {
	d.mu.Lock()
	e, ok := d.pending[key]
	if !ok || !e.cancelled {
		d.mu.Unlock()
		return
	}
	d.remove(key, e)
	d.mu.Unlock()

	d.logger.Debug("Cancelled request reaped without late response",
		logging.Any("id", e.pending.id),
		logging.Method(e.pending.method),
	)
}

// remove deletes a slot and stops its timer. Caller holds d.mu.
func (d *Dispatcher) remove(key string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if !e.cancelled {
		d.live--
	}
	delete(d.pending, key)
	d.signalIdle()
}

// signalIdle wakes Drain once no live requests remain. Caller holds d.mu.
func (d *Dispatcher) signalIdle() {
	if d.draining && d.live == 0 && d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
}

// Outstanding returns the number of live in-flight requests.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Len returns the number of tracked slots, cancelled tombstones included.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Drain refuses new requests and waits for live ones to resolve, bounded by
// the context. Outstanding requests are left pending on a context error;
// the caller decides whether to fail them.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	if d.live == 0 {
		d.mu.Unlock()
		return nil
	}
	if d.idle == nil {
		d.idle = make(chan struct{})
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.ConvertStandardError(ctx.Err())
	}
}

// FailAll resolves every live handle with err and clears the table,
// tombstones included. Used on transport failure and forced shutdown.
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	entries := d.pending
	d.pending = make(map[string]*entry)
	d.live = 0
	if d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
	d.mu.Unlock()

	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if !e.cancelled {
			e.pending.ch <- Result{Err: err}
		}
	}
}

// pendingKey canonicalizes a request id for table lookup. JSON decodes
// numeric ids as float64, so numbers format through strconv to keep the
// issued and echoed forms identical.
func pendingKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return "s:" + v
	case float64:
		return "n:" + strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return "n:" + strconv.Itoa(v)
	case int64:
		return "n:" + strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("v:%v", v)
	}
}
