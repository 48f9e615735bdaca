// Package capability stores the feature sets both peers declare during
// initialization and answers the gating queries the session consults for
// every application-level message afterwards.
package capability

import (
	"sort"
	"sync"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

// Registry holds the declared capabilities of one session's two peers.
// Registration is write-once per peer; afterwards the sets are immutable
// and safe for concurrent reads.
type Registry struct {
	mu sync.RWMutex

	client *protocol.ClientCapabilities
	server *protocol.ServerCapabilities

	clientFeatures map[protocol.Feature]bool
	serverFeatures map[protocol.Feature]bool
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		clientFeatures: make(map[protocol.Feature]bool),
		serverFeatures: make(map[protocol.Feature]bool),
	}
}

// RegisterClient records the client's declared capabilities. A second call
// fails with AlreadyRegistered; the first registration stands.
func (r *Registry) RegisterClient(caps protocol.ClientCapabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return errors.AlreadyRegistered(string(protocol.PeerClient))
	}

	stored := caps
	r.client = &stored
	for _, feature := range caps.Features() {
		r.clientFeatures[feature] = true
	}

	return nil
}

// RegisterServer records the server's declared capabilities. A second call
// fails with AlreadyRegistered; the first registration stands.
func (r *Registry) RegisterServer(caps protocol.ServerCapabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server != nil {
		return errors.AlreadyRegistered(string(protocol.PeerServer))
	}

	stored := caps
	r.server = &stored
	for _, feature := range caps.Features() {
		r.serverFeatures[feature] = true
	}

	return nil
}

// Registered reports whether the given peer's capabilities have been recorded.
func (r *Registry) Registered(peer protocol.Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if peer == protocol.PeerClient {
		return r.client != nil
	}
	return r.server != nil
}

// Supports reports whether the given peer declared the feature. Unregistered
// peers support nothing.
func (r *Registry) Supports(peer protocol.Peer, feature protocol.Feature) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if peer == protocol.PeerClient {
		return r.clientFeatures[feature]
	}
	return r.serverFeatures[feature]
}

// RequireSupport returns nil when the peer declared the feature and a
// CapabilityNotDeclared error otherwise.
func (r *Registry) RequireSupport(peer protocol.Peer, feature protocol.Feature) error {
	if r.Supports(peer, feature) {
		return nil
	}
	return errors.CapabilityNotDeclared(string(feature), string(peer), "")
}

// RequireMethod checks the capability gate for a method. Methods that map to
// no feature pass freely; gated methods require the owning peer to have
// declared the feature.
func (r *Registry) RequireMethod(method string) error {
	feature, owner, gated := protocol.FeatureForMethod(method)
	if !gated {
		return nil
	}

	if r.Supports(owner, feature) {
		return nil
	}
	return errors.CapabilityNotDeclared(string(feature), string(owner), method)
}

// Features returns the peer's declared feature set in sorted order.
func (r *Registry) Features(peer protocol.Peer) []protocol.Feature {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.serverFeatures
	if peer == protocol.PeerClient {
		set = r.clientFeatures
	}

	features := make([]protocol.Feature, 0, len(set))
	for feature := range set {
		features = append(features, feature)
	}
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })

	return features
}

// ClientCapabilities returns the client's declared capabilities and whether
// they have been registered.
func (r *Registry) ClientCapabilities() (protocol.ClientCapabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return protocol.ClientCapabilities{}, false
	}
	return *r.client, true
}

// ServerCapabilities returns the server's declared capabilities and whether
// they have been registered.
func (r *Registry) ServerCapabilities() (protocol.ServerCapabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.server == nil {
		return protocol.ServerCapabilities{}, false
	}
	return *r.server, true
}
