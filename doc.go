// Package parley provides a complete implementation of the Parley handshake protocol.
//
// Parley is a JSON-RPC 2.0 based protocol that takes two peers from a cold
// connection to an operating session: the client initializes, the peers
// negotiate a protocol revision and exchange capability declarations, the
// server optionally demands a configuration payload, and only then does
// application traffic flow. This package is the root of the Parley SDK for
// Go, providing convenient exports of the core components from the
// sub-packages.
//
// # Overview
//
// The Parley SDK consists of several sub-packages:
//
//   - pkg/session: The session engine; lifecycle stages, handshake, dispatch
//   - pkg/protocol: Message envelopes, classification, revisions, capabilities
//   - pkg/transport: Frame transports (in-process pipe, newline streams) and middleware
//   - pkg/dispatch: Correlation of outbound requests with their responses
//   - pkg/capability: The declared-capability registry and method gating
//   - pkg/config: Configuration state, required-key checks, schema validation
//   - pkg/errors: The protocol error taxonomy shared by every layer
//   - pkg/logging: Structured logging used throughout the SDK
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Creating a Client
//
// To create a client session and run the handshake:
//
//	import (
//	    "context"
//
//	    parley "github.com/parleyproto/parley-go"
//	    "github.com/parleyproto/parley-go/pkg/protocol"
//	)
//
//	func main() {
//	    clientEnd, serverEnd := parley.Pipe()
//	    _ = serverEnd // hand this to the server side
//
//	    client := parley.NewClient(clientEnd,
//	        parley.WithImplementation(protocol.Implementation{Name: "MyClient", Version: "1.0.0"}),
//	        parley.WithClientCapabilities(protocol.ClientCapabilities{
//	            Sampling: &protocol.SamplingCapability{},
//	        }),
//	    )
//
//	    ctx := context.Background()
//	    go client.Serve(ctx)
//
//	    if err := client.Initialize(ctx); err != nil {
//	        // Handle error
//	    }
//	    defer client.Close()
//
//	    // Issue requests once the session is operating...
//	}
//
// # Creating a Server
//
// To create the server side of a session:
//
//	import (
//	    "context"
//	    "encoding/json"
//
//	    parley "github.com/parleyproto/parley-go"
//	    "github.com/parleyproto/parley-go/pkg/protocol"
//	)
//
//	func main() {
//	    clientEnd, serverEnd := parley.Pipe()
//	    _ = clientEnd // hand this to the client side
//
//	    server := parley.NewServer(serverEnd,
//	        parley.WithImplementation(protocol.Implementation{Name: "MyServer", Version: "1.0.0"}),
//	        parley.WithServerCapabilities(protocol.ServerCapabilities{
//	            Tools: &protocol.ToolsCapability{},
//	        }),
//	    )
//
//	    server.OnRequest("tools/list", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
//	        return map[string]interface{}{"tools": []string{"echo"}}, nil
//	    })
//
//	    // Serve blocks until the context is canceled or the session ends
//	    ctx := context.Background()
//	    if err := server.Serve(ctx); err != nil {
//	        // Handle error
//	    }
//	}
//
// # Examples
//
// The SDK includes runnable examples in the examples directory:
//
//   - pipe-session: Two sessions handshaking over an in-process pipe
//   - configured-server: A server that requires a validated configuration payload
package parley
