package session

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

// gateInboundRequest applies the lifecycle and capability rules to an
// inbound request method. A nil return admits the request.
func (s *Session) gateInboundRequest(method string) errors.ParleyError {
	s.mu.RLock()
	stage := s.stage
	early := s.earlyRequests
	s.mu.RUnlock()

	// initialize is the handshake entry point; its handler enforces the
	// exactly-once rule itself.
	if method == protocol.MethodInitialize {
		if stage == StageShuttingDown || stage.Terminal() {
			return errors.OutOfOrderMessage(method, stage.String())
		}
		return nil
	}

	switch stage {
	case StageUninitialized:
		return errors.OutOfOrderMessage(method, stage.String())
	case StageInitializing:
		if !early {
			return errors.OutOfOrderMessage(method, stage.String())
		}
	case StageConfiguring:
		if method != protocol.MethodSetConfiguration {
			return errors.ConfigurationRequired(method)
		}
	case StageOperating:
		// Normal traffic.
	default:
		return errors.OutOfOrderMessage(method, stage.String())
	}

	if err := s.capabilities.RequireMethod(method); err != nil {
		gateErr, _ := errors.AsParleyError(err)
		return gateErr
	}
	return nil
}

// gateInboundNotification applies the same rules to notifications. The
// lifecycle notifications are routed before this gate runs.
func (s *Session) gateInboundNotification(method string) errors.ParleyError {
	s.mu.RLock()
	stage := s.stage
	early := s.earlyRequests
	s.mu.RUnlock()

	switch stage {
	case StageUninitialized:
		return errors.OutOfOrderMessage(method, stage.String())
	case StageInitializing:
		if !early {
			return errors.OutOfOrderMessage(method, stage.String())
		}
	case StageConfiguring:
		return errors.ConfigurationRequired(method)
	case StageOperating:
	default:
		return errors.OutOfOrderMessage(method, stage.String())
	}

	if err := s.capabilities.RequireMethod(method); err != nil {
		gateErr, _ := errors.AsParleyError(err)
		return gateErr
	}
	return nil
}

// handleRequest services one inbound request end to end: gate, handler,
// response. It runs in its own goroutine.
func (s *Session) handleRequest(ctx context.Context, req *protocol.Request) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "session.request",
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
		))
	defer span.End()

	if gateErr := s.gateInboundRequest(req.Method); gateErr != nil {
		span.RecordError(gateErr)
		s.refuseRequest(ctx, req, gateErr)
		s.metrics.RequestHandled(req.Method, time.Since(start), false)
		return
	}

	// Scope the handler so a cancelled notification can stop it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := fmt.Sprintf("%v", req.ID)
	ctx = logging.ContextWithRequestID(ctx, key)
	s.trackInbound(key, cancel)
	defer s.completeInbound(key)

	result, err := s.invokeHandler(ctx, req)
	if err != nil {
		span.RecordError(err)
		s.respondError(ctx, req, err)
		s.metrics.RequestHandled(req.Method, time.Since(start), false)
		return
	}

	resp, buildErr := protocol.NewResponse(req.ID, result)
	if buildErr != nil {
		s.respondError(ctx, req, errors.CreateInternalError("encode result", buildErr))
		s.metrics.RequestHandled(req.Method, time.Since(start), false)
		return
	}
	s.sendMessage(ctx, resp)
	s.metrics.RequestHandled(req.Method, time.Since(start), true)
}

// invokeHandler runs the builtin or registered handler for a request.
// Panics inside handlers become internal error responses instead of
// tearing the session down.
func (s *Session) invokeHandler(ctx context.Context, req *protocol.Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panic",
				logging.Method(req.Method),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			result = nil
			err = errors.InternalErrorf("internal error handling %s", req.Method)
		}
	}()

	switch req.Method {
	case protocol.MethodInitialize:
		if s.role != protocol.PeerServer {
			return nil, errors.MethodNotFoundError(req.Method)
		}
		return s.handleInitialize(ctx, req)
	case protocol.MethodSetConfiguration:
		if s.role != protocol.PeerServer {
			return nil, errors.MethodNotFoundError(req.Method)
		}
		return s.handleSetConfiguration(ctx, req)
	case protocol.MethodPing:
		return s.handlePing(ctx, req)
	}

	s.handlerMu.RLock()
	handler, ok := s.requestHandlers[req.Method]
	s.handlerMu.RUnlock()
	if !ok {
		return nil, errors.MethodNotFoundError(req.Method)
	}
	return handler(ctx, req.Params)
}

// refuseRequest answers a gated request with the refusal and records the
// violation. The session survives unless abort-on-violation is set.
func (s *Session) refuseRequest(ctx context.Context, req *protocol.Request, gateErr errors.ParleyError) {
	s.recordViolation(gateErr)
	s.logger.WithError(gateErr).Warn("Request refused",
		logging.Method(req.Method),
		logging.Stage(s.CurrentStage().String()),
	)
	if resp, err := errors.ToJSONRPCResponse(gateErr, req.ID); err == nil {
		s.sendMessage(ctx, resp)
	}
	s.abortIfConfigured(gateErr)
}

// respondError converts a handler error into an error response.
func (s *Session) respondError(ctx context.Context, req *protocol.Request, err error) {
	converted := errors.ConvertStandardError(err)
	s.logger.WithError(converted).Warn("Request failed",
		logging.Method(req.Method),
	)
	if resp, buildErr := errors.ToJSONRPCResponse(converted, req.ID); buildErr == nil {
		s.sendMessage(ctx, resp)
	}
}

// handleNotification services one inbound application notification.
// Failures never produce wire traffic.
func (s *Session) handleNotification(ctx context.Context, note *protocol.Notification) {
	if gateErr := s.gateInboundNotification(note.Method); gateErr != nil {
		s.recordViolation(gateErr)
		s.logger.WithError(gateErr).Warn("Notification refused",
			logging.Method(note.Method),
			logging.Stage(s.CurrentStage().String()),
		)
		s.abortIfConfigured(gateErr)
		return
	}

	s.handlerMu.RLock()
	handler, ok := s.notificationHandlers[note.Method]
	s.handlerMu.RUnlock()
	if !ok {
		s.logger.Debug("No handler for notification", logging.Method(note.Method))
		return
	}

	if err := s.invokeNotificationHandler(ctx, note, handler); err != nil {
		s.logger.WithError(err).Warn("Notification handler failed",
			logging.Method(note.Method),
		)
	}
}

func (s *Session) invokeNotificationHandler(ctx context.Context, note *protocol.Notification, handler NotificationHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panic",
				logging.Method(note.Method),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = errors.InternalErrorf("internal error handling %s", note.Method)
		}
	}()
	return handler(ctx, note.Params)
}

// handleInitialize services the handshake request on the server side.
// Negotiation failures leave the session in the initializing stage so a
// corrected initialize can still succeed.
func (s *Session) handleInitialize(ctx context.Context, req *protocol.Request) (interface{}, error) {
	var params protocol.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, errors.InvalidParamsError(protocol.MethodInitialize, err)
	}

	s.transitionIf(StageUninitialized, StageInitializing)

	if s.capabilities.Registered(protocol.PeerClient) {
		return nil, errors.AlreadyRegistered(string(protocol.PeerClient))
	}

	version, differed, ok := s.negotiator.Negotiate(params.ProtocolVersion)
	if !ok {
		s.metrics.NegotiationCompleted("rejected")
		rejection := errors.VersionRejected(params.ProtocolVersion, s.negotiator.Supported())
		s.logger.WithError(rejection).Warn("Version negotiation failed",
			logging.String("requested", params.ProtocolVersion),
		)
		return nil, rejection
	}

	if err := s.capabilities.RegisterClient(params.Capabilities); err != nil {
		return nil, err
	}
	if err := s.capabilities.RegisterServer(s.serverCaps); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.negotiated = version
	s.differed = differed
	s.peerInfo = params.ClientInfo
	s.hasPeer = true
	s.mu.Unlock()

	outcome := "accepted"
	if differed {
		outcome = "differed"
	}
	s.metrics.NegotiationCompleted(outcome)

	s.logger.Info("Initialize accepted",
		logging.String("peer", params.ClientInfo.Name),
		logging.String("peer_impl_version", params.ClientInfo.Version),
		logging.String("protocol_version", version),
		logging.Bool("version_differed", differed),
	)

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.serverCaps,
		ServerInfo:      s.info,
	}, nil
}

// handleInitialized moves the server out of the handshake once the
// client announces readiness. Arriving anywhere but the initializing
// stage it is a violation, logged and dropped like any notification.
func (s *Session) handleInitialized(ctx context.Context, note *protocol.Notification) {
	stage := s.CurrentStage()

	if s.role != protocol.PeerServer || stage != StageInitializing || !s.capabilities.Registered(protocol.PeerClient) {
		violation := errors.OutOfOrderMessage(note.Method, stage.String())
		s.recordViolation(violation)
		s.logger.WithError(violation).Warn("Unexpected initialized notification",
			logging.Stage(stage.String()),
		)
		s.abortIfConfigured(violation)
		return
	}

	if s.configuration.Required() && !s.configuration.Accepted() {
		if s.transitionIf(StageInitializing, StageConfiguring) {
			s.logger.Info("Awaiting required configuration")
		}
		return
	}
	s.transitionIf(StageInitializing, StageOperating)
}

// handleCancelled stops the local handler serving one of the peer's
// outstanding requests. Unknown ids are normal; the work may have
// finished while the cancellation was in flight.
func (s *Session) handleCancelled(ctx context.Context, note *protocol.Notification) {
	var params protocol.CancelledParams
	if err := json.Unmarshal(note.Params, &params); err != nil {
		s.logger.WithError(err).Warn("Discarding cancelled notification with bad params")
		return
	}

	key := fmt.Sprintf("%v", params.RequestID)
	if s.cancelInbound(key) {
		s.logger.Info("Request cancelled by peer",
			logging.String("request_id", key),
			logging.String("reason", params.Reason),
		)
	} else {
		s.logger.Debug("Cancellation for unknown request",
			logging.String("request_id", key),
		)
	}
}

// handleSetConfiguration runs the server side of configuration/set.
func (s *Session) handleSetConfiguration(ctx context.Context, req *protocol.Request) (interface{}, error) {
	var params protocol.ConfigureParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, errors.InvalidParamsError(protocol.MethodSetConfiguration, err)
	}
	if params.Configuration == nil {
		return nil, errors.MissingParameter("configuration")
	}

	if err := s.configuration.Submit(ctx, params.Configuration); err != nil {
		s.logger.WithError(err).Warn("Configuration rejected")
		return nil, err
	}

	s.logger.Info("Configuration accepted",
		logging.Int("keys", len(params.Configuration)),
	)
	s.transitionIf(StageConfiguring, StageOperating)
	return &protocol.ConfigureResult{}, nil
}

// handlePing answers the liveness probe, echoing the sender's timestamp
// when one was given.
func (s *Session) handlePing(ctx context.Context, req *protocol.Request) (interface{}, error) {
	var params protocol.PingParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, errors.InvalidParamsError(protocol.MethodPing, err)
		}
	}

	timestamp := params.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	return &protocol.PingResult{Timestamp: timestamp}, nil
}

// trackInbound remembers the cancel function for a request being served.
func (s *Session) trackInbound(id string, cancel context.CancelFunc) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.activeRequests[id] = cancel
}

// completeInbound forgets a request that finished normally.
func (s *Session) completeInbound(id string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	delete(s.activeRequests, id)
}

// cancelInbound cancels the handler serving the given request id.
func (s *Session) cancelInbound(id string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	cancel, ok := s.activeRequests[id]
	if !ok {
		return false
	}
	cancel()
	delete(s.activeRequests, id)
	return true
}
