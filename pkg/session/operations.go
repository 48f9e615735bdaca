package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parleyproto/parley-go/pkg/config"
	"github.com/parleyproto/parley-go/pkg/dispatch"
	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

// Initialize performs the client side of the handshake: it sends the
// initialize request, checks the server's version selection, exchanges
// capability declarations, and announces readiness. A version rejection
// is returned to the caller, who decides whether to retry with other
// versions or close the session.
func (s *Session) Initialize(ctx context.Context) error {
	if s.role != protocol.PeerClient {
		return errors.ProtocolViolation("initialize is issued by the client side")
	}

	// The first attempt moves the stage; a retry after a rejected
	// negotiation is still legal until capabilities are registered.
	if !s.transitionIf(StageUninitialized, StageInitializing) {
		if s.CurrentStage() != StageInitializing || s.capabilities.Registered(protocol.PeerServer) {
			return errors.AlreadyRegistered(string(protocol.PeerClient))
		}
	}

	supported := s.negotiator.Supported()
	requested := supported[len(supported)-1]

	raw, err := s.request(ctx, protocol.MethodInitialize, &protocol.InitializeParams{
		ProtocolVersion: requested,
		Capabilities:    s.clientCaps,
		ClientInfo:      s.info,
	})
	if err != nil {
		if errors.IsCode(err, errors.CodeVersionRejected) {
			s.metrics.NegotiationCompleted("rejected")
		}
		return err
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return errors.MalformedMessage(err)
	}

	// The server must land on a revision we also support.
	if !s.negotiator.Supports(result.ProtocolVersion) {
		s.metrics.NegotiationCompleted("rejected")
		rejection := errors.VersionRejected(result.ProtocolVersion, supported)
		s.logger.WithError(rejection).Warn("Server selected an unsupported version",
			logging.String("selected", result.ProtocolVersion),
		)
		return rejection
	}
	differed := result.ProtocolVersion != requested

	if err := s.capabilities.RegisterClient(s.clientCaps); err != nil {
		return err
	}
	if err := s.capabilities.RegisterServer(result.Capabilities); err != nil {
		return err
	}

	s.mu.Lock()
	s.negotiated = result.ProtocolVersion
	s.differed = differed
	s.peerInfo = result.ServerInfo
	s.hasPeer = true
	if result.Capabilities.Configuration != nil {
		s.configRequired = result.Capabilities.Configuration.Required
		s.configSchema = result.Capabilities.Configuration.Schema
	}
	configRequired := s.configRequired
	s.mu.Unlock()

	outcome := "accepted"
	if differed {
		outcome = "differed"
	}
	s.metrics.NegotiationCompleted(outcome)

	s.logger.Info("Session initialized",
		logging.String("peer", result.ServerInfo.Name),
		logging.String("protocol_version", result.ProtocolVersion),
		logging.Bool("version_differed", differed),
	)

	note, err := protocol.NewNotification(protocol.MethodNotificationInitialized, &protocol.InitializedParams{})
	if err != nil {
		return errors.CreateInternalError("encode initialized notification", err)
	}
	if err := s.sendMessage(ctx, note); err != nil {
		return err
	}

	if configRequired {
		s.transitionIf(StageInitializing, StageConfiguring)
	} else {
		s.transitionIf(StageInitializing, StageOperating)
	}
	return nil
}

// Configure submits a configuration payload from the client side. On
// acceptance a session waiting in the configuring stage moves to
// operating.
func (s *Session) Configure(ctx context.Context, value map[string]interface{}) error {
	if s.role != protocol.PeerClient {
		return errors.ProtocolViolation("configuration/set is issued by the client side")
	}
	if err := s.gateOutbound(protocol.MethodSetConfiguration); err != nil {
		return err
	}

	s.mu.Lock()
	if s.configStatus == config.StatusAccepted {
		s.mu.Unlock()
		return errors.ConfigurationConflict()
	}
	s.configStatus = config.StatusPending
	s.mu.Unlock()

	_, err := s.request(ctx, protocol.MethodSetConfiguration, &protocol.ConfigureParams{
		Configuration: value,
	})
	if err != nil {
		s.mu.Lock()
		s.configStatus = config.StatusRejected
		if parleyErr, ok := errors.AsParleyError(err); ok {
			s.configErr = parleyErr
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.configStatus = config.StatusAccepted
	s.configValue = value
	s.configErr = nil
	s.mu.Unlock()

	s.logger.Info("Configuration accepted by server",
		logging.Int("keys", len(value)),
	)
	s.transitionIf(StageConfiguring, StageOperating)
	return nil
}

// LastConfigurationError returns the most recent configuration
// rejection, nil once a payload has been accepted.
func (s *Session) LastConfigurationError() errors.ParleyError {
	if s.role == protocol.PeerServer {
		return s.configuration.LastRejection()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configErr
}

// SendRequest issues a request to the peer and waits for its response.
// The raw result is returned for the caller to decode.
func (s *Session) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := s.gateOutbound(method); err != nil {
		return nil, err
	}
	return s.request(ctx, method, params)
}

// SendRequestAsync issues a request without waiting for the response.
// The returned handle resolves on Done when the response arrives, the
// request times out, or it is cancelled.
func (s *Session) SendRequestAsync(ctx context.Context, method string, params interface{}) (*dispatch.Pending, error) {
	if err := s.gateOutbound(method); err != nil {
		return nil, err
	}
	return s.sendTracked(ctx, method, params)
}

// SendNotification fires a one-way notification to the peer.
func (s *Session) SendNotification(ctx context.Context, method string, params interface{}) error {
	if err := s.gateOutbound(method); err != nil {
		return err
	}
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return errors.CreateInternalError("encode notification", err)
	}
	return s.sendMessage(ctx, note)
}

// Ping measures a round trip to the peer.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	raw, err := s.SendRequest(ctx, protocol.MethodPing, &protocol.PingParams{
		Timestamp: start.UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	var result protocol.PingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, errors.MalformedMessage(err)
	}
	return time.Since(start), nil
}

// CancelRequest abandons an outstanding outbound request. The local
// waiter resolves immediately with a cancellation error and the peer is
// asked to stop the work. It reports whether the id was outstanding.
func (s *Session) CancelRequest(ctx context.Context, id interface{}, reason string) bool {
	return s.cancelPending(ctx, id, reason)
}

func (s *Session) cancelPending(ctx context.Context, id interface{}, reason string) bool {
	if !s.dispatcher.Cancel(id) {
		return false
	}
	s.metrics.InFlight(s.dispatcher.Outstanding())

	note, err := protocol.NewNotification(protocol.MethodNotificationCancelled, &protocol.CancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err == nil {
		// Best effort; the tombstone absorbs a response that wins the race.
		_ = s.sendMessage(ctx, note)
	}
	return true
}

// gateOutbound applies the lifecycle and capability rules to traffic
// this session wants to issue. Outbound refusals are returned to the
// caller rather than crossing the wire.
func (s *Session) gateOutbound(method string) errors.ParleyError {
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
		if method != protocol.MethodSetConfiguration {
			return errors.ConfigurationRequired(method)
		}
	case StageOperating:
		// Normal traffic.
	default:
		return errors.TransportClosed("session")
	}

	if err := s.capabilities.RequireMethod(method); err != nil {
		gateErr, _ := errors.AsParleyError(err)
		return gateErr
	}
	return nil
}

// sendTracked registers a pending slot and puts one request on the
// wire. Callers gate before reaching it.
func (s *Session) sendTracked(ctx context.Context, method string, params interface{}) (*dispatch.Pending, error) {
	id := s.dispatcher.GenerateID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, errors.CreateInternalError("encode request", err)
	}

	pending, err := s.dispatcher.Track(id, method, s.defaultTimeout)
	if err != nil {
		return nil, err
	}
	s.metrics.RequestIssued(method)
	s.metrics.InFlight(s.dispatcher.Outstanding())

	if err := s.sendMessage(ctx, req); err != nil {
		s.dispatcher.Cancel(id)
		s.metrics.InFlight(s.dispatcher.Outstanding())
		return nil, err
	}
	return pending, nil
}

// request issues one tracked request and waits for the matching
// response.
func (s *Session) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	pending, err := s.sendTracked(ctx, method, params)
	if err != nil {
		return nil, err
	}

	resp, err := pending.Wait(ctx)
	s.metrics.InFlight(s.dispatcher.Outstanding())
	if err != nil {
		if ctx.Err() != nil {
			// The waiter gave up; tombstone the slot so the late
			// response is discarded instead of reported unmatched.
			s.cancelPending(context.Background(), pending.ID(), "caller abandoned the wait")
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.FromJSONRPCError(resp.Error)
	}
	return resp.Result, nil
}

// Shutdown drains in-flight work and then closes the transport. It is a
// local operation; nothing announces it to the peer, each side winds
// down on its own. Requests still pending when ctx ends resolve with a
// closed-session error instead of hanging their waiters.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing || s.stage.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	if err := s.transition(StageShuttingDown); err != nil {
		return err
	}

	s.logger.Info("Draining session",
		logging.Int("outstanding", s.dispatcher.Outstanding()),
	)

	drainErr := s.dispatcher.Drain(ctx)
	if drainErr != nil {
		s.dispatcher.FailAll(errors.TransportClosed("session"))
	}

	// Inbound handlers get the same deadline.
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Closing with inbound handlers still running")
		s.cancelAllInbound()
	}

	closeErr := s.transport.Close()
	s.transition(StageClosed)
	s.metrics.InFlight(s.dispatcher.Outstanding())

	if drainErr != nil {
		return drainErr
	}
	return closeErr
}

// Close tears the session down immediately without draining. In-flight
// requests resolve with a closed-session error.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.stage.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.dispatcher.FailAll(errors.TransportClosed("session"))
	s.cancelAllInbound()
	err := s.transport.Close()
	s.transition(StageClosed)
	s.metrics.InFlight(s.dispatcher.Outstanding())
	return err
}

// Fail aborts the session. Every pending request resolves with cause and
// the transport closes. Failed is terminal; nothing recovers from it.
func (s *Session) Fail(cause error) {
	s.mu.Lock()
	if s.stage.Terminal() {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	if cause == nil {
		cause = errors.ProtocolViolation("session aborted")
	}
	s.logger.WithError(cause).Error("Session failed")

	s.transition(StageFailed)
	s.dispatcher.FailAll(cause)
	s.cancelAllInbound()
	_ = s.transport.Close()
	s.metrics.InFlight(s.dispatcher.Outstanding())
}

func (s *Session) cancelAllInbound() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	for id, cancel := range s.activeRequests {
		cancel()
		delete(s.activeRequests, id)
	}
}
