package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyproto/parley-go/pkg/config"
	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
	"github.com/parleyproto/parley-go/pkg/protocol"
	"github.com/parleyproto/parley-go/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// syncBuffer guards log output shared between derived logger instances.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testMetrics records session measurements for assertions.
type testMetrics struct {
	mu           sync.Mutex
	transitions  [][2]string
	violations   []string
	negotiations []string
}

func (m *testMetrics) StageChanged(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, [2]string{from, to})
}

func (m *testMetrics) ViolationRecorded(codeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, codeName)
}

func (m *testMetrics) NegotiationCompleted(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiations = append(m.negotiations, outcome)
}

func (m *testMetrics) MessageReceived(kind string)                                   {}
func (m *testMetrics) RequestHandled(method string, duration time.Duration, ok bool) {}
func (m *testMetrics) RequestIssued(method string)                                   {}
func (m *testMetrics) InFlight(n int)                                                {}

func (m *testMetrics) stages() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][2]string, len(m.transitions))
	copy(out, m.transitions)
	return out
}

func (m *testMetrics) sawViolation(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.violations {
		if v == name {
			return true
		}
	}
	return false
}

// startPair wires a client and a server over an in-memory pipe and runs
// both receive loops until the test ends.
func startPair(t *testing.T, clientOpts, serverOpts []Option) (*Session, *Session) {
	t.Helper()

	clientEnd, serverEnd := transport.Pipe()
	client := NewClient(clientEnd, append([]Option{WithLogger(logging.NewNopLogger())}, clientOpts...)...)
	server := NewServer(serverEnd, append([]Option{WithLogger(logging.NewNopLogger())}, serverOpts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = client.Serve(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = server.Serve(ctx)
	}()

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
		cancel()
		wg.Wait()
	})
	return client, server
}

// startRawServer runs only the server side. The returned transport is the
// other end of the pipe, for handcrafted frames.
func startRawServer(t *testing.T, opts ...Option) (transport.Transport, *Session) {
	t.Helper()

	clientEnd, serverEnd := transport.Pipe()
	server := NewServer(serverEnd, append([]Option{WithLogger(logging.NewNopLogger())}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx)
	}()

	t.Cleanup(func() {
		_ = clientEnd.Close()
		_ = server.Close()
		cancel()
		<-done
	})
	return clientEnd, server
}

func sendRaw(t *testing.T, tr transport.Transport, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, tr.Send(ctx, []byte(frame)))
}

func recvResponse(t *testing.T, tr transport.Transport) *protocol.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	data, err := tr.Receive(ctx)
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	return &resp
}

// roundTrip sends one request frame and reads the single response.
func roundTrip(t *testing.T, tr transport.Transport, frame string) *protocol.Response {
	t.Helper()
	sendRaw(t, tr, frame)
	return recvResponse(t, tr)
}

func initializeFrame(id int, version string) string {
	return fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{"protocolVersion":%q,"capabilities":{"sampling":{}},"clientInfo":{"name":"raw-client","version":"0.0.1"}}}`,
		id, version)
}

// rawHandshake walks a handcrafted peer through initialize and initialized.
func rawHandshake(t *testing.T, tr transport.Transport) {
	t.Helper()
	resp := roundTrip(t, tr, initializeFrame(1, protocol.LatestRevision))
	require.Nil(t, resp.Error)
	sendRaw(t, tr, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func errorCode(t *testing.T, resp *protocol.Response) int {
	t.Helper()
	require.NotNil(t, resp.Error, "expected an error response")
	return int(resp.Error.Code)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInitializeHandshake(t *testing.T) {
	clientReady := make(chan struct{})
	serverReady := make(chan struct{})

	client, server := startPair(t,
		[]Option{
			WithImplementation(protocol.Implementation{Name: "example-client", Version: "1.2.3"}),
			WithClientCapabilities(protocol.ClientCapabilities{Sampling: &protocol.SamplingCapability{}}),
			WithOnReady(func() { close(clientReady) }),
		},
		[]Option{
			WithImplementation(protocol.Implementation{Name: "example-server", Version: "4.5.6"}),
			WithServerCapabilities(protocol.ServerCapabilities{
				Tools:     &protocol.ToolsCapability{},
				Resources: &protocol.ResourcesCapability{Subscribe: true},
			}),
			WithOnReady(func() { close(serverReady) }),
		},
	)

	require.NoError(t, client.Initialize(testContext(t)))

	assert.Equal(t, StageOperating, client.CurrentStage())
	require.Eventually(t, func() bool { return server.CurrentStage() == StageOperating }, waitFor, tick)

	version, ok := client.NegotiatedVersion()
	require.True(t, ok)
	assert.Equal(t, protocol.LatestRevision, version)
	assert.False(t, client.VersionDiffered())

	serverVersion, ok := server.NegotiatedVersion()
	require.True(t, ok)
	assert.Equal(t, version, serverVersion)
	assert.False(t, server.VersionDiffered())

	peer, ok := client.PeerInfo()
	require.True(t, ok)
	assert.Equal(t, "example-server", peer.Name)
	peer, ok = server.PeerInfo()
	require.True(t, ok)
	assert.Equal(t, "example-client", peer.Name)

	features, ok := client.CapabilitiesOf(protocol.PeerServer)
	require.True(t, ok)
	assert.Contains(t, features, protocol.FeatureTools)
	assert.Contains(t, features, protocol.FeatureResourceSubscribe)
	assert.True(t, server.Supports(protocol.PeerClient, protocol.FeatureSampling))
	assert.False(t, server.Supports(protocol.PeerServer, protocol.FeatureConfiguration))

	select {
	case <-clientReady:
	case <-time.After(waitFor):
		t.Fatal("client ready callback never fired")
	}
	select {
	case <-serverReady:
	case <-time.After(waitFor):
		t.Fatal("server ready callback never fired")
	}
}

func TestInitializeExactlyOnce(t *testing.T) {
	client, _ := startPair(t, nil, nil)
	ctx := testContext(t)

	require.NoError(t, client.Initialize(ctx))

	err := client.Initialize(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyRegistered))
}

func TestHandshakeRoles(t *testing.T) {
	client, server := startPair(t, nil, nil)
	ctx := testContext(t)

	err := server.Initialize(ctx)
	assert.True(t, errors.IsCode(err, errors.CodeProtocolError))

	err = server.Configure(ctx, map[string]interface{}{"mode": "fast"})
	assert.True(t, errors.IsCode(err, errors.CodeProtocolError))

	require.NoError(t, client.Initialize(ctx))
}

func TestVersionNegotiationDiffers(t *testing.T) {
	client, server := startPair(t,
		nil,
		[]Option{WithSupportedVersions(protocol.Revision20241007, protocol.Revision20241105)},
	)

	require.NoError(t, client.Initialize(testContext(t)))

	version, ok := client.NegotiatedVersion()
	require.True(t, ok)
	assert.Equal(t, protocol.Revision20241105, version)
	assert.True(t, client.VersionDiffered())

	require.Eventually(t, func() bool { return server.CurrentStage() == StageOperating }, waitFor, tick)
	serverVersion, ok := server.NegotiatedVersion()
	require.True(t, ok)
	assert.Equal(t, protocol.Revision20241105, serverVersion)
	assert.True(t, server.VersionDiffered())
}

func TestClientRejectsForeignVersion(t *testing.T) {
	client, _ := startPair(t,
		[]Option{WithSupportedVersions(protocol.Revision20250326)},
		[]Option{WithSupportedVersions(protocol.Revision20241007)},
	)

	err := client.Initialize(testContext(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeVersionRejected))

	// The rejection is not fatal; the caller decides what happens next.
	assert.Equal(t, StageInitializing, client.CurrentStage())
	_, ok := client.NegotiatedVersion()
	assert.False(t, ok)
}

func TestServerVersionRejectionAllowsRetry(t *testing.T) {
	raw, server := startRawServer(t)

	resp := roundTrip(t, raw, initializeFrame(1, "March 2025"))
	assert.Equal(t, errors.CodeVersionRejected, errorCode(t, resp))
	assert.Equal(t, StageInitializing, server.CurrentStage())

	resp = roundTrip(t, raw, initializeFrame(2, protocol.LatestRevision))
	require.Nil(t, resp.Error)

	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, protocol.LatestRevision, result.ProtocolVersion)

	sendRaw(t, raw, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	require.Eventually(t, func() bool { return server.CurrentStage() == StageOperating }, waitFor, tick)
}

func TestConfiguredHandshake(t *testing.T) {
	client, server := startPair(t,
		nil,
		[]Option{WithServerCapabilities(protocol.ServerCapabilities{
			Tools: &protocol.ToolsCapability{},
			Configuration: &protocol.ConfigurationCapability{
				Required: true,
				Schema: &protocol.ConfigurationSchema{
					Type:     "object",
					Required: []string{"apiKey", "region"},
				},
			},
		})},
	)
	ctx := testContext(t)

	require.NoError(t, client.Initialize(ctx))

	assert.Equal(t, StageConfiguring, client.CurrentStage())
	assert.True(t, client.ConfigurationRequired())
	require.Eventually(t, func() bool { return server.CurrentStage() == StageConfiguring }, waitFor, tick)

	// Normal traffic is refused until a configuration is accepted.
	_, err := client.SendRequest(ctx, "tools/list", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigurationRequired))

	// A payload missing required keys is rejected; the session survives.
	err = client.Configure(ctx, map[string]interface{}{"apiKey": "s3cr3t"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigurationRejected))
	assert.Contains(t, err.Error(), "region")
	assert.Equal(t, config.StatusRejected, client.ConfigurationStatus())
	assert.Equal(t, config.StatusRejected, server.ConfigurationStatus())
	require.NotNil(t, client.LastConfigurationError())
	assert.Equal(t, StageConfiguring, client.CurrentStage())

	// The corrected payload is accepted and both sides start operating.
	require.NoError(t, client.Configure(ctx, map[string]interface{}{
		"apiKey": "s3cr3t",
		"region": "eu-west-1",
	}))
	assert.Equal(t, StageOperating, client.CurrentStage())
	assert.Equal(t, StageOperating, server.CurrentStage())
	assert.Equal(t, config.StatusAccepted, client.ConfigurationStatus())
	assert.Nil(t, client.LastConfigurationError())

	value, ok := server.ConfigurationValue()
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", value["region"])
	clientValue, ok := client.ConfigurationValue()
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", clientValue["apiKey"])

	// Configuration is single-set for the session.
	err = client.Configure(ctx, map[string]interface{}{"apiKey": "other", "region": "us-east-1"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigurationConflict))

	// Gated traffic now reaches the peer; with no handler registered the
	// refusal comes from method lookup, not the lifecycle.
	_, err = client.SendRequest(ctx, "tools/list", nil)
	assert.True(t, errors.IsCode(err, errors.CodeMethodNotFound))
}

func TestOptionalConfiguration(t *testing.T) {
	client, server := startPair(t,
		nil,
		[]Option{WithServerCapabilities(protocol.ServerCapabilities{
			Configuration: &protocol.ConfigurationCapability{Required: false},
		})},
	)
	ctx := testContext(t)

	require.NoError(t, client.Initialize(ctx))

	// No configuring stage when the declaration is optional.
	assert.Equal(t, StageOperating, client.CurrentStage())
	require.Eventually(t, func() bool { return server.CurrentStage() == StageOperating }, waitFor, tick)
	assert.False(t, client.ConfigurationRequired())

	// A voluntary submission is still accepted, once.
	require.NoError(t, client.Configure(ctx, map[string]interface{}{"mode": "verbose"}))
	assert.Equal(t, config.StatusAccepted, server.ConfigurationStatus())

	err := client.Configure(ctx, map[string]interface{}{"mode": "quiet"})
	assert.True(t, errors.IsCode(err, errors.CodeConfigurationConflict))
}

func TestServerLifecycleGatesOverWire(t *testing.T) {
	raw, server := startRawServer(t, WithServerCapabilities(protocol.ServerCapabilities{
		Tools: &protocol.ToolsCapability{},
		Configuration: &protocol.ConfigurationCapability{
			Required: true,
			Schema: &protocol.ConfigurationSchema{
				Type:     "object",
				Required: []string{"token"},
			},
		},
	}))

	// Anything before initialize is out of order.
	resp := roundTrip(t, raw, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, errors.CodeOutOfOrderMessage, errorCode(t, resp))
	assert.Equal(t, StageUninitialized, server.CurrentStage())

	resp = roundTrip(t, raw, initializeFrame(2, protocol.LatestRevision))
	require.Nil(t, resp.Error)

	// The client has not announced readiness yet.
	resp = roundTrip(t, raw, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	assert.Equal(t, errors.CodeOutOfOrderMessage, errorCode(t, resp))

	sendRaw(t, raw, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	// Configuration is demanded before anything else.
	resp = roundTrip(t, raw, `{"jsonrpc":"2.0","id":4,"method":"ping"}`)
	assert.Equal(t, errors.CodeConfigurationRequired, errorCode(t, resp))
	assert.Equal(t, StageConfiguring, server.CurrentStage())

	resp = roundTrip(t, raw, `{"jsonrpc":"2.0","id":5,"method":"configuration/set","params":{"configuration":{}}}`)
	assert.Equal(t, errors.CodeConfigurationRejected, errorCode(t, resp))

	resp = roundTrip(t, raw, `{"jsonrpc":"2.0","id":6,"method":"configuration/set","params":{"configuration":{"token":"abc"}}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, StageOperating, server.CurrentStage())

	resp = roundTrip(t, raw, `{"jsonrpc":"2.0","id":7,"method":"ping","params":{"timestamp":12345}}`)
	require.Nil(t, resp.Error)
	var pong protocol.PingResult
	require.NoError(t, json.Unmarshal(resp.Result, &pong))
	assert.Equal(t, int64(12345), pong.Timestamp)

	// The accepted configuration is immutable for the session.
	resp = roundTrip(t, raw, `{"jsonrpc":"2.0","id":8,"method":"configuration/set","params":{"configuration":{"token":"xyz"}}}`)
	assert.Equal(t, errors.CodeConfigurationConflict, errorCode(t, resp))

	// So is the handshake.
	resp = roundTrip(t, raw, initializeFrame(9, protocol.LatestRevision))
	assert.Equal(t, errors.CodeAlreadyRegistered, errorCode(t, resp))
}

func TestOutboundCapabilityGate(t *testing.T) {
	client, server := startPair(t,
		nil,
		[]Option{WithServerCapabilities(protocol.ServerCapabilities{
			Logging: &protocol.LoggingCapability{},
		})},
	)
	ctx := testContext(t)

	require.NoError(t, client.Initialize(ctx))
	require.Eventually(t, func() bool { return server.CurrentStage() == StageOperating }, waitFor, tick)

	// The server never declared tools; the request is refused locally.
	_, err := client.SendRequest(ctx, "tools/call", map[string]interface{}{"name": "probe"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCapabilityNotDeclared))

	// The client never declared sampling.
	_, err = server.SendRequest(ctx, "sampling/createMessage", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCapabilityNotDeclared))

	// A declared feature passes the same gate and reaches the peer.
	_, err = client.SendRequest(ctx, "logging/setLevel", map[string]interface{}{"level": "debug"})
	assert.True(t, errors.IsCode(err, errors.CodeMethodNotFound))
}

func TestInboundCapabilityGateOverWire(t *testing.T) {
	raw, _ := startRawServer(t)
	rawHandshake(t, raw)

	resp := roundTrip(t, raw, `{"jsonrpc":"2.0","id":10,"method":"tools/list"}`)
	assert.Equal(t, errors.CodeCapabilityNotDeclared, errorCode(t, resp))
}

func TestQueriesBeforeHandshake(t *testing.T) {
	clientEnd, serverEnd := transport.Pipe()
	client := NewClient(clientEnd, WithLogger(logging.NewNopLogger()))
	server := NewServer(serverEnd,
		WithLogger(logging.NewNopLogger()),
		WithServerCapabilities(protocol.ServerCapabilities{
			Configuration: &protocol.ConfigurationCapability{Required: true},
		}),
	)

	assert.Equal(t, StageUninitialized, client.CurrentStage())
	assert.Equal(t, protocol.PeerClient, client.Role())
	assert.Equal(t, protocol.PeerServer, server.Role())
	assert.NotEmpty(t, client.ID())

	_, ok := client.NegotiatedVersion()
	assert.False(t, ok)
	assert.False(t, client.VersionDiffered())
	_, ok = client.PeerInfo()
	assert.False(t, ok)
	_, ok = client.CapabilitiesOf(protocol.PeerServer)
	assert.False(t, ok)
	assert.False(t, client.ConfigurationRequired())
	assert.Equal(t, config.StatusNotConfigured, client.ConfigurationStatus())
	_, ok = client.ConfigurationValue()
	assert.False(t, ok)

	// The server knows its own configuration demand from construction.
	assert.True(t, server.ConfigurationRequired())
	assert.Equal(t, config.StatusNotConfigured, server.ConfigurationStatus())
}

func TestOutboundBeforeHandshakeRefused(t *testing.T) {
	client, _ := startPair(t, nil, nil)
	ctx := testContext(t)

	_, err := client.SendRequest(ctx, "ping", nil)
	assert.True(t, errors.IsCode(err, errors.CodeOutOfOrderMessage))

	err = client.SendNotification(ctx, "telemetry/event", map[string]interface{}{"name": "boot"})
	assert.True(t, errors.IsCode(err, errors.CodeOutOfOrderMessage))
}

func TestReservedMethodHandlersRefused(t *testing.T) {
	clientEnd, _ := transport.Pipe()
	s := NewClient(clientEnd, WithLogger(logging.NewNopLogger()))

	s.OnRequest(protocol.MethodInitialize, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, nil
	})
	s.OnNotification(protocol.MethodNotificationInitialized, func(ctx context.Context, params json.RawMessage) error {
		return nil
	})

	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	assert.Empty(t, s.requestHandlers)
	assert.Empty(t, s.notificationHandlers)
}

func TestStageChangesReportInOrder(t *testing.T) {
	metrics := &testMetrics{}
	client, server := startPair(t,
		[]Option{WithMetrics(metrics)},
		[]Option{WithServerCapabilities(protocol.ServerCapabilities{
			Configuration: &protocol.ConfigurationCapability{
				Required: true,
				Schema: &protocol.ConfigurationSchema{
					Type:     "object",
					Required: []string{"token"},
				},
			},
		})},
	)
	ctx := testContext(t)

	require.NoError(t, client.Initialize(ctx))
	require.NoError(t, client.Configure(ctx, map[string]interface{}{"token": "t0"}))
	require.Eventually(t, func() bool { return server.CurrentStage() == StageOperating }, waitFor, tick)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, client.Shutdown(shutdownCtx))

	stages := metrics.stages()
	var visited []string
	for _, tr := range stages {
		visited = append(visited, tr[1])
	}
	assert.Equal(t, []string{"initializing", "configuring", "operating", "shutting_down", "closed"}, visited)

	// Each transition starts where the previous one ended.
	require.NotEmpty(t, stages)
	assert.Equal(t, "uninitialized", stages[0][0])
	for i := 1; i < len(stages); i++ {
		assert.Equal(t, stages[i-1][1], stages[i][0])
	}
}

func TestConfigureRejectionKeepsStrictValidatorError(t *testing.T) {
	validator := config.ValidatorFunc(func(ctx context.Context, schema *protocol.ConfigurationSchema, value map[string]interface{}) error {
		if region, _ := value["region"].(string); region != "eu-west-1" {
			return errors.ConfigurationRejected("unsupported region", nil)
		}
		return nil
	})

	client, _ := startPair(t,
		nil,
		[]Option{
			WithValidator(validator),
			WithServerCapabilities(protocol.ServerCapabilities{
				Configuration: &protocol.ConfigurationCapability{Required: true},
			}),
		},
	)
	ctx := testContext(t)

	require.NoError(t, client.Initialize(ctx))

	err := client.Configure(ctx, map[string]interface{}{"region": "mars-1"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigurationRejected))
	assert.Contains(t, err.Error(), "unsupported region")

	require.NoError(t, client.Configure(ctx, map[string]interface{}{"region": "eu-west-1"}))
	assert.Equal(t, StageOperating, client.CurrentStage())
}
