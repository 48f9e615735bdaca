package session

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/parleyproto/parley-go/pkg/config"
	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

// Option configures a session at construction time.
type Option func(*Session)

// WithLogger sets the structured logger for session events.
func WithLogger(logger logging.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithImplementation sets the name and version announced to the peer
// during initialization.
func WithImplementation(info protocol.Implementation) Option {
	return func(s *Session) {
		s.info = info
	}
}

// WithClientCapabilities declares the optional features a client session
// offers to the server. Ignored on server sessions.
func WithClientCapabilities(caps protocol.ClientCapabilities) Option {
	return func(s *Session) {
		s.clientCaps = caps
	}
}

// WithServerCapabilities declares the optional features a server session
// offers to clients. Ignored on client sessions.
func WithServerCapabilities(caps protocol.ServerCapabilities) Option {
	return func(s *Session) {
		s.serverCaps = caps
	}
}

// WithSupportedVersions restricts the protocol revisions this session
// accepts. The default is every revision the SDK implements.
func WithSupportedVersions(versions ...string) Option {
	return func(s *Session) {
		if len(versions) > 0 {
			s.negotiator = protocol.NewVersionNegotiator(versions...)
		}
	}
}

// WithDefaultTimeout bounds how long outbound requests wait for a
// response before they resolve with a timeout error.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.defaultTimeout = timeout
		}
	}
}

// WithCancelRetention sets how long a cancelled request's id stays known
// so a late response is discarded instead of reported as unmatched.
func WithCancelRetention(retention time.Duration) Option {
	return func(s *Session) {
		if retention > 0 {
			s.cancelRetention = retention
		}
	}
}

// WithEarlyRequests permits requests to flow while the session is still
// initializing. Both peers must enable it or the receiver will refuse
// the traffic as out of order.
func WithEarlyRequests(enabled bool) Option {
	return func(s *Session) {
		s.earlyRequests = enabled
	}
}

// WithAbortOnViolation makes any inbound protocol violation fail the
// whole session instead of only producing an error response.
func WithAbortOnViolation(enabled bool) Option {
	return func(s *Session) {
		s.abortOnViolation = enabled
	}
}

// WithMetrics sets the collector for session measurements.
func WithMetrics(metrics Metrics) Option {
	return func(s *Session) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithTracer sets the tracer used to span request handling.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithOnReady registers a callback fired once, when the session first
// reaches the operating stage.
func WithOnReady(fn func()) Option {
	return func(s *Session) {
		s.onReady = fn
	}
}

// WithValidator sets the deep configuration validator used by server
// sessions when clients submit configuration payloads.
func WithValidator(validator config.Validator) Option {
	return func(s *Session) {
		s.validator = validator
	}
}
