// Package session implements the handshake and lifecycle engine that
// runs one side of a connection. A Session owns the transport, drives
// the stage machine from uninitialized through operating to closed, and
// enforces version negotiation, capability gating, and configuration
// requirements on every message in both directions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyproto/parley-go/pkg/capability"
	"github.com/parleyproto/parley-go/pkg/config"
	"github.com/parleyproto/parley-go/pkg/dispatch"
	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/protocol"
	"github.com/parleyproto/parley-go/pkg/transport"
)

// tracerName identifies the spans this package emits.
const tracerName = "github.com/parleyproto/parley-go/pkg/session"

// RequestHandler services one inbound request. The returned value is
// marshaled into the response; a returned error becomes an error
// response carrying the matching code.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationHandler consumes one inbound notification. Errors are
// logged, never reported to the peer.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Metrics receives session measurements. Implementations must be safe
// for concurrent use. All methods may be called from multiple
// goroutines.
type Metrics interface {
	// StageChanged records a lifecycle transition.
	StageChanged(from, to string)
	// MessageReceived counts one inbound frame by kind.
	MessageReceived(kind string)
	// RequestHandled records an inbound request's outcome and duration.
	RequestHandled(method string, duration time.Duration, success bool)
	// RequestIssued counts one outbound request.
	RequestIssued(method string)
	// ViolationRecorded counts a protocol violation by error code name.
	ViolationRecorded(codeName string)
	// NegotiationCompleted records a version negotiation outcome.
	NegotiationCompleted(outcome string)
	// InFlight reports the current number of outstanding outbound requests.
	InFlight(n int)
}

type nopMetrics struct{}

func (nopMetrics) StageChanged(from, to string)                                   {}
func (nopMetrics) MessageReceived(kind string)                                    {}
func (nopMetrics) RequestHandled(method string, duration time.Duration, ok bool)  {}
func (nopMetrics) RequestIssued(method string)                                    {}
func (nopMetrics) ViolationRecorded(codeName string)                              {}
func (nopMetrics) NegotiationCompleted(outcome string)                            {}
func (nopMetrics) InFlight(n int)                                                 {}

// Session is one side of a connection. It is direction-agnostic at the
// message layer; the role only decides which side of the handshake it
// plays.
type Session struct {
	id   string
	role protocol.Peer

	transport     transport.Transport
	dispatcher    *dispatch.Dispatcher
	capabilities  *capability.Registry
	configuration *config.Manager
	negotiator    *protocol.VersionNegotiator
	validator     config.Validator

	info       protocol.Implementation
	clientCaps protocol.ClientCapabilities
	serverCaps protocol.ServerCapabilities

	mu         sync.RWMutex
	stage      Stage
	negotiated string
	differed   bool
	peerInfo   protocol.Implementation
	hasPeer    bool
	closing    bool

	// Client-side view of the server's configuration requirement,
	// learned from the initialize result.
	configRequired bool
	configSchema   *protocol.ConfigurationSchema
	configStatus   config.Status
	configValue    map[string]interface{}
	configErr      errors.ParleyError

	handlerMu            sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	activeMu       sync.Mutex
	activeRequests map[string]context.CancelFunc

	inflight sync.WaitGroup

	defaultTimeout   time.Duration
	cancelRetention  time.Duration
	earlyRequests    bool
	abortOnViolation bool

	onReady   func()
	readyOnce sync.Once

	logger     logging.Logger
	metrics    Metrics
	tracer     trace.Tracer
	middleware *logging.ContextMiddleware
}

// NewClient creates the client side of a session over the given
// transport. The session is inert until Serve runs and Initialize is
// called.
func NewClient(t transport.Transport, opts ...Option) *Session {
	return newSession(protocol.PeerClient, t, opts...)
}

// NewServer creates the server side of a session over the given
// transport. It waits for the peer's initialize request once Serve runs.
func NewServer(t transport.Transport, opts ...Option) *Session {
	return newSession(protocol.PeerServer, t, opts...)
}

func newSession(role protocol.Peer, t transport.Transport, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		role:      role,
		transport: t,
		info: protocol.Implementation{
			Name:    "parley-" + string(role),
			Version: "0.1.0",
		},
		stage:                StageUninitialized,
		configStatus:         config.StatusNotConfigured,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		activeRequests:       make(map[string]context.CancelFunc),
		defaultTimeout:       dispatch.DefaultTimeout,
		cancelRetention:      dispatch.DefaultCancelRetention,
		negotiator:           protocol.NewVersionNegotiator(),
		metrics:              nopMetrics{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		// Text logs go to stderr so stdio transports keep stdout clean.
		s.logger = logging.New(os.Stderr, logging.NewTextFormatter()).WithFields(
			logging.String("component", "parley-"+string(role)),
			logging.String("session_id", s.id),
		)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}

	s.middleware = logging.NewContextMiddleware(s.logger)
	s.capabilities = capability.NewRegistry()
	s.dispatcher = dispatch.NewDispatcher(
		dispatch.WithLogger(s.logger),
		dispatch.WithDefaultTimeout(s.defaultTimeout),
		dispatch.WithCancelRetention(s.cancelRetention),
		dispatch.WithIDPrefix(string(role)),
	)

	if role == protocol.PeerServer {
		s.configuration = config.NewManager(s.serverCaps.Configuration, s.validator)
	}
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Role returns which side of the handshake this session plays.
func (s *Session) Role() protocol.Peer {
	return s.role
}

// CurrentStage returns the session's lifecycle stage.
func (s *Session) CurrentStage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// NegotiatedVersion returns the protocol revision the session settled
// on. ok is false until negotiation completes.
func (s *Session) NegotiatedVersion() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiated, s.negotiated != ""
}

// VersionDiffered reports whether the negotiated revision departs from
// the one the client requested.
func (s *Session) VersionDiffered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.differed
}

// PeerInfo returns the peer's implementation details once the handshake
// has exchanged them.
func (s *Session) PeerInfo() (protocol.Implementation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerInfo, s.hasPeer
}

// CapabilitiesOf lists the features a peer declared during the
// handshake. ok is false before that peer's declaration arrived.
func (s *Session) CapabilitiesOf(peer protocol.Peer) ([]protocol.Feature, bool) {
	if !s.capabilities.Registered(peer) {
		return nil, false
	}
	return s.capabilities.Features(peer), true
}

// Supports reports whether a peer declared the given feature.
func (s *Session) Supports(peer protocol.Peer, feature protocol.Feature) bool {
	return s.capabilities.Supports(peer, feature)
}

// ConfigurationRequired reports whether the server demands an accepted
// configuration before normal operation.
func (s *Session) ConfigurationRequired() bool {
	if s.role == protocol.PeerServer {
		return s.configuration.Required()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configRequired
}

// ConfigurationStatus returns where the session's configuration stands.
func (s *Session) ConfigurationStatus() config.Status {
	if s.role == protocol.PeerServer {
		return s.configuration.Status()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configStatus
}

// ConfigurationValue returns the accepted configuration payload. The
// second return is false until a submission has been accepted.
func (s *Session) ConfigurationValue() (map[string]interface{}, bool) {
	if s.role == protocol.PeerServer {
		return s.configuration.Value()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.configStatus != config.StatusAccepted {
		return nil, false
	}
	value := make(map[string]interface{}, len(s.configValue))
	for k, v := range s.configValue {
		value[k] = v
	}
	return value, true
}

// OnRequest registers a handler for an application request method.
// Reserved lifecycle and utility methods cannot be overridden.
func (s *Session) OnRequest(method string, handler RequestHandler) {
	if reservedMethod(method) {
		s.logger.Warn("Refusing handler for reserved method", logging.Method(method))
		return
	}
	wrapped := s.middleware.WrapHandler(method, handler)
	s.handlerMu.Lock()
	s.requestHandlers[method] = wrapped
	s.handlerMu.Unlock()
}

// OnNotification registers a handler for an application notification
// method.
func (s *Session) OnNotification(method string, handler NotificationHandler) {
	if reservedMethod(method) {
		s.logger.Warn("Refusing handler for reserved method", logging.Method(method))
		return
	}
	wrapped := s.middleware.WrapHandler(method, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, handler(ctx, params)
	})
	s.handlerMu.Lock()
	s.notificationHandlers[method] = func(ctx context.Context, params json.RawMessage) error {
		_, err := wrapped(ctx, params)
		return err
	}
	s.handlerMu.Unlock()
}

func reservedMethod(method string) bool {
	switch method {
	case protocol.MethodInitialize,
		protocol.MethodNotificationInitialized,
		protocol.MethodSetConfiguration,
		protocol.MethodNotificationCancelled:
		return true
	}
	return false
}

// transition moves the session to next if the lifecycle permits it.
func (s *Session) transition(next Stage) error {
	s.mu.Lock()
	from := s.stage
	if from == next {
		s.mu.Unlock()
		return nil
	}
	if !from.CanTransitionTo(next) {
		s.mu.Unlock()
		return errors.ProtocolViolation(
			fmt.Sprintf("illegal stage transition from %s to %s", from, next))
	}
	s.stage = next
	s.mu.Unlock()

	s.logger.Info("Stage changed",
		logging.Stage(next.String()),
		logging.String("from", from.String()),
	)
	s.metrics.StageChanged(from.String(), next.String())

	if next == StageOperating {
		s.fireReady()
	}
	return nil
}

// transitionIf performs the move only when the session is currently at
// from. It reports whether the transition happened.
func (s *Session) transitionIf(from, next Stage) bool {
	s.mu.Lock()
	if s.stage != from || !from.CanTransitionTo(next) {
		s.mu.Unlock()
		return false
	}
	s.stage = next
	s.mu.Unlock()

	s.logger.Info("Stage changed",
		logging.Stage(next.String()),
		logging.String("from", from.String()),
	)
	s.metrics.StageChanged(from.String(), next.String())

	if next == StageOperating {
		s.fireReady()
	}
	return true
}

func (s *Session) fireReady() {
	s.readyOnce.Do(func() {
		if s.onReady != nil {
			// The callback must not stall the receive loop; it may well
			// want to issue requests of its own.
			go s.onReady()
		}
	})
}

// Serve runs the receive loop until the context ends or the transport
// stops delivering frames. It returns nil after an orderly local
// shutdown and the terminating error otherwise.
func (s *Session) Serve(ctx context.Context) error {
	for {
		data, err := s.transport.Receive(ctx)
		if err != nil {
			return s.serveStopped(ctx, err)
		}
		s.handleMessage(ctx, data)
	}
}

// serveStopped decides what a receive failure means for the session.
func (s *Session) serveStopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		// The caller stopped the loop; teardown is its business.
		return errors.ConvertStandardError(ctx.Err())
	}

	s.mu.RLock()
	closing := s.closing
	stage := s.stage
	s.mu.RUnlock()

	if errors.IsCode(err, errors.CodeTransportClosed) {
		if stage == StageFailed {
			return err
		}
		if closing || stage == StageClosed {
			return nil
		}
		// The peer vanished without a local shutdown.
		s.logger.Warn("Transport closed by peer", logging.Stage(stage.String()))
		s.Fail(err)
		return err
	}

	s.logger.WithError(err).Error("Transport failure")
	s.Fail(err)
	return err
}

// handleMessage classifies one inbound frame and routes it. Responses
// and lifecycle notifications are handled inline so stage changes stay
// ordered with the traffic that follows them; requests and application
// notifications run in their own goroutines.
func (s *Session) handleMessage(ctx context.Context, data []byte) {
	kind, err := protocol.Classify(data)
	s.metrics.MessageReceived(kind.String())

	switch kind {
	case protocol.KindResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.handleMalformed(ctx, data, err)
			return
		}
		s.dispatcher.Resolve(&resp)
		s.metrics.InFlight(s.dispatcher.Outstanding())

	case protocol.KindRequest:
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.handleMalformed(ctx, data, err)
			return
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handleRequest(ctx, &req)
		}()

	case protocol.KindNotification:
		var note protocol.Notification
		if err := json.Unmarshal(data, &note); err != nil {
			s.handleMalformed(ctx, data, err)
			return
		}
		switch note.Method {
		case protocol.MethodNotificationInitialized:
			s.handleInitialized(ctx, &note)
		case protocol.MethodNotificationCancelled:
			s.handleCancelled(ctx, &note)
		default:
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.handleNotification(ctx, &note)
			}()
		}

	default:
		s.handleMalformed(ctx, data, err)
	}
}

// idProbe pulls a request id out of a frame that failed classification,
// so the sender can still receive an error response.
type idProbe struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// handleMalformed deals with frames that are not valid messages. When a
// usable request id survives the damage an error response goes back;
// otherwise the frame is logged and dropped.
func (s *Session) handleMalformed(ctx context.Context, data []byte, cause error) {
	violation := errors.MalformedMessage(cause)
	s.recordViolation(violation)
	s.logger.WithError(violation).Warn("Malformed message",
		logging.Int("bytes", len(data)),
	)

	var probe idProbe
	if err := json.Unmarshal(data, &probe); err == nil && len(probe.ID) > 0 && string(probe.ID) != "null" {
		var id interface{}
		if err := json.Unmarshal(probe.ID, &id); err == nil {
			if resp, err := errors.ToJSONRPCResponse(violation, id); err == nil {
				s.sendMessage(ctx, resp)
			}
		}
	}

	s.abortIfConfigured(violation)
}

// recordViolation counts a violation for metrics.
func (s *Session) recordViolation(err errors.ParleyError) {
	s.metrics.ViolationRecorded(errors.GetErrorCodeName(err.Code()))
}

// abortIfConfigured fails the session when it was configured to treat
// violations as fatal.
func (s *Session) abortIfConfigured(err error) {
	if s.abortOnViolation {
		s.Fail(err)
	}
}

// sendMessage marshals and sends one message. A transport failure here
// is fatal for the session; a closed transport during teardown is not.
func (s *Session) sendMessage(ctx context.Context, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.CreateInternalError("marshal message", err)
	}
	if err := s.transport.Send(ctx, data); err != nil {
		if errors.IsCode(err, errors.CodeTransportFailure) {
			s.logger.WithError(err).Error("Send failed")
			s.Fail(err)
		} else {
			s.logger.WithError(err).Debug("Send after close dropped")
		}
		return err
	}
	return nil
}
