// Package pkg provides the core components of the Parley SDK.
//
// Parley takes two peers from a cold connection to an operating session:
// initialization, version negotiation, capability exchange, an optional
// configuration step, and finally application traffic. The sub-packages
// below implement one protocol concern each.
//
// # Client Usage
//
// To run the client side of a handshake:
//
//	import (
//	    "context"
//
//	    parley "github.com/parleyproto/parley-go"
//	)
//
//	func main() {
//	    clientEnd, serverEnd := parley.Pipe()
//	    _ = serverEnd // hand this to the server side
//
//	    client := parley.NewClient(clientEnd)
//
//	    ctx := context.Background()
//	    go client.Serve(ctx)
//
//	    if err := client.Initialize(ctx); err != nil {
//	        // Handle error
//	    }
//	    defer client.Close()
//	}
//
// # Server Implementation
//
// To run the server side:
//
//	import (
//	    "context"
//
//	    parley "github.com/parleyproto/parley-go"
//	)
//
//	func main() {
//	    clientEnd, serverEnd := parley.Pipe()
//	    _ = clientEnd // hand this to the client side
//
//	    server := parley.NewServer(serverEnd)
//
//	    // Serve blocks until the context is canceled
//	    ctx := context.Background()
//	    if err := server.Serve(ctx); err != nil {
//	        // Handle error
//	    }
//	}
//
// # Sub-packages
//
// The Parley SDK consists of several sub-packages:
//
//   - session: The session engine; lifecycle stages, handshake, dispatch
//   - protocol: Message envelopes, classification, revisions, capabilities
//   - transport: Frame transports and middleware
//   - dispatch: Correlation of outbound requests with their responses
//   - capability: The declared-capability registry and method gating
//   - config: Configuration state, required-key checks, schema validation
//   - errors: The protocol error taxonomy shared by every layer
//   - logging: Structured logging used throughout the SDK
//   - observability: Prometheus metrics and OpenTelemetry tracing
package pkg
