package protocol

import (
	"encoding/json"
)

const (
	// Methods for lifecycle management
	MethodInitialize              = "initialize"
	MethodNotificationInitialized = "notifications/initialized"
	MethodSetConfiguration        = "configuration/set"

	// Utility methods
	MethodPing                  = "ping"
	MethodNotificationCancelled = "notifications/cancelled"
)

// Implementation identifies a peer's software. Descriptive only; it has no
// effect on protocol behavior.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities declares the optional features a client supports. A nil
// field means the feature was not declared and must not be invoked against
// the client.
type ClientCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
	Sampling     *SamplingCapability        `json:"sampling,omitempty"`
}

// SamplingCapability is declared by clients willing to service sampling
// requests issued by the server.
type SamplingCapability struct{}

// ServerCapabilities declares the optional features a server supports. A nil
// field means the feature was not declared.
type ServerCapabilities struct {
	Experimental  map[string]json.RawMessage `json:"experimental,omitempty"`
	Logging       *LoggingCapability         `json:"logging,omitempty"`
	Prompts       *PromptsCapability         `json:"prompts,omitempty"`
	Resources     *ResourcesCapability       `json:"resources,omitempty"`
	Tools         *ToolsCapability           `json:"tools,omitempty"`
	Configuration *ConfigurationCapability   `json:"configuration,omitempty"`
}

// LoggingCapability is declared by servers that emit log notifications.
type LoggingCapability struct{}

// PromptsCapability is declared by servers that expose prompts.
type PromptsCapability struct{}

// ToolsCapability is declared by servers that expose tools.
type ToolsCapability struct{}

// ResourcesCapability is declared by servers that expose resources.
// Subscribe additionally permits resource subscription methods.
type ResourcesCapability struct {
	Subscribe bool `json:"subscribe,omitempty"`
}

// ConfigurationCapability advertises that the server accepts a configuration
// payload. When Required is true the session cannot reach normal operation
// until a configuration is accepted.
type ConfigurationCapability struct {
	Required bool                 `json:"required"`
	Schema   *ConfigurationSchema `json:"schema,omitempty"`
}

// ConfigurationSchema is the object-shaped schema configuration payloads are
// checked against. Property schemas stay opaque here; the engine enforces
// required-key presence and leaves deeper validation pluggable.
type ConfigurationSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Required   []string                   `json:"required,omitempty"`
}

// InitializeParams defines the parameters for the initialize request
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult defines the response for the initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// InitializedParams is sent as a notification once the client is ready
type InitializedParams struct {
	// Intentionally empty; readiness is the whole message.
}

// ConfigureParams carries the payload of a configuration/set request
type ConfigureParams struct {
	Configuration map[string]interface{} `json:"configuration"`
}

// ConfigureResult is the empty success result of configuration/set
type ConfigureResult struct{}

// PingParams defines parameters for the ping request
type PingParams struct {
	// Optional timestamp from sender
	Timestamp int64 `json:"timestamp,omitempty"`
}

// PingResult is the response for ping
type PingResult struct {
	// The original timestamp if provided, otherwise the receiver's current timestamp
	Timestamp int64 `json:"timestamp"`
}

// CancelledParams defines parameters for the cancelled notification. The
// sender asks the receiver to stop work on one of the sender's own
// outstanding requests.
type CancelledParams struct {
	RequestID interface{} `json:"requestId"`
	Reason    string      `json:"reason,omitempty"`
}

// Features lists the feature names this capability set declares.
func (c ClientCapabilities) Features() []Feature {
	features := make([]Feature, 0, len(c.Experimental)+1)
	if c.Sampling != nil {
		features = append(features, FeatureSampling)
	}
	for name := range c.Experimental {
		features = append(features, ExperimentalFeature(name))
	}
	return features
}

// Features lists the feature names this capability set declares. Resource
// subscription counts as its own feature so it can be gated separately from
// plain resource access.
func (s ServerCapabilities) Features() []Feature {
	features := make([]Feature, 0, len(s.Experimental)+6)
	if s.Logging != nil {
		features = append(features, FeatureLogging)
	}
	if s.Prompts != nil {
		features = append(features, FeaturePrompts)
	}
	if s.Resources != nil {
		features = append(features, FeatureResources)
		if s.Resources.Subscribe {
			features = append(features, FeatureResourceSubscribe)
		}
	}
	if s.Tools != nil {
		features = append(features, FeatureTools)
	}
	if s.Configuration != nil {
		features = append(features, FeatureConfiguration)
	}
	for name := range s.Experimental {
		features = append(features, ExperimentalFeature(name))
	}
	return features
}
