package capability

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

func TestRegisterOnce(t *testing.T) {
	registry := NewRegistry()

	t.Run("Client", func(t *testing.T) {
		err := registry.RegisterClient(protocol.ClientCapabilities{
			Sampling: &protocol.SamplingCapability{},
		})
		require.NoError(t, err)
		assert.True(t, registry.Registered(protocol.PeerClient))

		// Second registration must fail and leave the first in place
		err = registry.RegisterClient(protocol.ClientCapabilities{})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeAlreadyRegistered))
		assert.True(t, registry.Supports(protocol.PeerClient, protocol.FeatureSampling))
	})

	t.Run("Server", func(t *testing.T) {
		err := registry.RegisterServer(protocol.ServerCapabilities{
			Tools: &protocol.ToolsCapability{},
		})
		require.NoError(t, err)
		assert.True(t, registry.Registered(protocol.PeerServer))

		err = registry.RegisterServer(protocol.ServerCapabilities{})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeAlreadyRegistered))
		assert.True(t, registry.Supports(protocol.PeerServer, protocol.FeatureTools))
	})
}

func TestRegisterClientConcurrent(t *testing.T) {
	registry := NewRegistry()

	const attempts = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := registry.RegisterClient(protocol.ClientCapabilities{}); err == nil {
				successes <- struct{}{}
			}
		}()
	}

	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "exactly one registration may succeed")
}

func TestSupports(t *testing.T) {
	registry := NewRegistry()

	// Nothing is supported before registration
	assert.False(t, registry.Supports(protocol.PeerClient, protocol.FeatureSampling))
	assert.False(t, registry.Supports(protocol.PeerServer, protocol.FeatureTools))

	require.NoError(t, registry.RegisterClient(protocol.ClientCapabilities{
		Sampling: &protocol.SamplingCapability{},
		Experimental: map[string]json.RawMessage{
			"tracing": json.RawMessage(`{}`),
		},
	}))
	require.NoError(t, registry.RegisterServer(protocol.ServerCapabilities{
		Tools: &protocol.ToolsCapability{},
		Resources: &protocol.ResourcesCapability{
			Subscribe: true,
		},
	}))

	tests := []struct {
		name    string
		peer    protocol.Peer
		feature protocol.Feature
		want    bool
	}{
		{"client sampling", protocol.PeerClient, protocol.FeatureSampling, true},
		{"client experimental", protocol.PeerClient, protocol.ExperimentalFeature("tracing"), true},
		{"client logging undeclared", protocol.PeerClient, protocol.FeatureLogging, false},
		{"server tools", protocol.PeerServer, protocol.FeatureTools, true},
		{"server resources", protocol.PeerServer, protocol.FeatureResources, true},
		{"server subscribe", protocol.PeerServer, protocol.FeatureResourceSubscribe, true},
		{"server prompts undeclared", protocol.PeerServer, protocol.FeaturePrompts, false},
		{"feature owned by other peer", protocol.PeerServer, protocol.FeatureSampling, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, registry.Supports(tt.peer, tt.feature))
		})
	}
}

func TestRequireSupport(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.RegisterServer(protocol.ServerCapabilities{
		Tools: &protocol.ToolsCapability{},
	}))

	assert.NoError(t, registry.RequireSupport(protocol.PeerServer, protocol.FeatureTools))

	err := registry.RequireSupport(protocol.PeerServer, protocol.FeaturePrompts)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCapabilityNotDeclared))

	parleyErr, ok := errors.AsParleyError(err)
	require.True(t, ok)
	data, ok := parleyErr.Data().(*errors.CapabilityErrorData)
	require.True(t, ok)
	assert.Equal(t, string(protocol.FeaturePrompts), data.Capability)
	assert.Equal(t, string(protocol.PeerServer), data.Peer)
}

func TestRequireMethod(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.RegisterClient(protocol.ClientCapabilities{}))
	require.NoError(t, registry.RegisterServer(protocol.ServerCapabilities{
		Tools: &protocol.ToolsCapability{},
	}))

	tests := []struct {
		name    string
		method  string
		wantErr bool
	}{
		{"ungated lifecycle method", protocol.MethodInitialize, false},
		{"ungated ping", protocol.MethodPing, false},
		{"declared server feature", "tools/list", false},
		{"undeclared server feature", "resources/read", true},
		{"undeclared client feature", "sampling/createMessage", true},
		{"unknown namespace", "custom/anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.RequireMethod(tt.method)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeCapabilityNotDeclared))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFeaturesSorted(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.RegisterServer(protocol.ServerCapabilities{
		Tools:     &protocol.ToolsCapability{},
		Logging:   &protocol.LoggingCapability{},
		Resources: &protocol.ResourcesCapability{Subscribe: true},
	}))

	features := registry.Features(protocol.PeerServer)
	assert.Equal(t, []protocol.Feature{
		protocol.FeatureLogging,
		protocol.FeatureResources,
		protocol.FeatureResourceSubscribe,
		protocol.FeatureTools,
	}, features)

	// Unregistered peer has no features
	assert.Empty(t, registry.Features(protocol.PeerClient))
}

func TestCapabilityAccessors(t *testing.T) {
	registry := NewRegistry()

	_, ok := registry.ClientCapabilities()
	assert.False(t, ok)
	_, ok = registry.ServerCapabilities()
	assert.False(t, ok)

	clientCaps := protocol.ClientCapabilities{Sampling: &protocol.SamplingCapability{}}
	serverCaps := protocol.ServerCapabilities{
		Configuration: &protocol.ConfigurationCapability{Required: true},
	}
	require.NoError(t, registry.RegisterClient(clientCaps))
	require.NoError(t, registry.RegisterServer(serverCaps))

	gotClient, ok := registry.ClientCapabilities()
	require.True(t, ok)
	assert.NotNil(t, gotClient.Sampling)

	gotServer, ok := registry.ServerCapabilities()
	require.True(t, ok)
	require.NotNil(t, gotServer.Configuration)
	assert.True(t, gotServer.Configuration.Required)
}
