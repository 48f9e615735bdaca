// Package protocol defines the wire types and pure logic of the Parley
// protocol: the JSON-RPC 2.0 message model, the handshake payload shapes,
// protocol-version negotiation, and the mapping from wire methods to the
// capability features that gate them.
//
// # Message Model
//
// Every payload is exactly one of three JSON-RPC 2.0 shapes: a Request
// (id, method, params), a Response (id, result or error), or a Notification
// (method, params, no id). Classify inspects a raw payload and reports its
// kind without side effects; anything else is malformed. Correlation ids are
// scoped to the sender: both directions of a session maintain independent id
// spaces.
//
// # Capabilities
//
// Optional features are declared once during initialization and are immutable
// for the session. A feature is represented by the presence of its field; a
// nil capability means the feature must not be invoked against that peer:
//
//	caps := protocol.ServerCapabilities{
//	    Tools:     &protocol.ToolsCapability{},
//	    Resources: &protocol.ResourcesCapability{Subscribe: true},
//	}
//
// FeatureForMethod maps a wire method such as "tools/list" to the feature
// that gates it and the peer that must have declared it.
//
// # Version Negotiation
//
// Protocol revisions are YYYY-MM-DD strings compared byte-wise; the
// fixed-width form makes lexicographic order match chronological order.
// VersionNegotiator selects the revision for a session deterministically and
// reports whether its choice differed from the request.
//
// # Lifecycle
//
// A session always opens the same way:
//
//  1. The client sends an initialize request declaring its capabilities
//  2. The server answers with the negotiated version, its capabilities, and its identity
//  3. The client confirms with a notifications/initialized notification
//  4. When the server requires configuration, the client follows with configuration/set
//  5. From then on both peers exchange traffic gated by the declared capabilities
//
// # Wire Examples
//
// An initialize request:
//
//	{
//	  "jsonrpc": "2.0",
//	  "id": 7,
//	  "method": "initialize",
//	  "params": {
//	    "protocolVersion": "2024-10-07",
//	    "capabilities": {"sampling": {}},
//	    "clientInfo": {"name": "ExampleClient", "version": "1.0.0"}
//	  }
//	}
//
// and the matching response:
//
//	{
//	  "jsonrpc": "2.0",
//	  "id": 7,
//	  "result": {
//	    "protocolVersion": "2024-10-07",
//	    "capabilities": {"tools": {}, "resources": {"subscribe": true}},
//	    "serverInfo": {"name": "ExampleServer", "version": "1.0.0"}
//	  }
//	}
package protocol
