package protocol

import "strings"

// Feature names an optional capability a peer may declare during
// initialization. Absence of a feature means it must not be invoked against
// that peer.
type Feature string

const (
	// FeatureSampling indicates the client services sampling requests
	FeatureSampling Feature = "sampling"

	// FeatureLogging indicates the server emits log notifications
	FeatureLogging Feature = "logging"

	// FeaturePrompts indicates the server exposes prompts
	FeaturePrompts Feature = "prompts"

	// FeatureResources indicates the server exposes resources
	FeatureResources Feature = "resources"

	// FeatureResourceSubscribe indicates the server accepts resource subscriptions
	FeatureResourceSubscribe Feature = "resources.subscribe"

	// FeatureTools indicates the server exposes tools
	FeatureTools Feature = "tools"

	// FeatureConfiguration indicates the server accepts a configuration payload
	FeatureConfiguration Feature = "configuration"
)

// ExperimentalFeature returns the gating feature for a named experimental
// extension.
func ExperimentalFeature(name string) Feature {
	return Feature("experimental." + name)
}

// Peer identifies one side of a session.
type Peer string

const (
	PeerClient Peer = "client"
	PeerServer Peer = "server"
)

// FeatureForMethod maps a wire method to the feature that gates it and the
// peer that must have declared that feature. ok is false for methods exempt
// from capability gating: lifecycle and utility methods, and methods in
// namespaces the protocol does not reserve.
func FeatureForMethod(method string) (feature Feature, owner Peer, ok bool) {
	switch method {
	case MethodInitialize, MethodNotificationInitialized,
		MethodPing, MethodNotificationCancelled:
		return "", "", false
	case MethodSetConfiguration:
		return FeatureConfiguration, PeerServer, true
	case "resources/subscribe", "resources/unsubscribe":
		return FeatureResourceSubscribe, PeerServer, true
	}

	namespace := method
	if i := strings.IndexByte(method, '/'); i >= 0 {
		namespace = method[:i]
	}
	switch namespace {
	case "resources":
		return FeatureResources, PeerServer, true
	case "tools":
		return FeatureTools, PeerServer, true
	case "prompts":
		return FeaturePrompts, PeerServer, true
	case "logging":
		return FeatureLogging, PeerServer, true
	case "sampling":
		return FeatureSampling, PeerClient, true
	default:
		return "", "", false
	}
}
