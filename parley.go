// Package parley provides a Golang implementation of the Parley handshake protocol (2025-03-26)
package parley

import (
	"github.com/parleyproto/parley-go/pkg/protocol"
	"github.com/parleyproto/parley-go/pkg/session"
	"github.com/parleyproto/parley-go/pkg/transport"
)

// Version represents the current version of the SDK
const Version = "0.1.0"

// These exports provide direct access to the core SDK components
var (
	// NewClient creates a session that plays the client side of the handshake
	NewClient = session.NewClient

	// NewServer creates a session that plays the server side of the handshake
	NewServer = session.NewServer

	// Pipe creates a connected in-process transport pair
	Pipe = transport.Pipe

	// NewStreamTransport frames messages over a reader and writer pair
	NewStreamTransport = transport.NewStreamTransport

	// NewStdioTransport frames messages over this process's stdin and stdout
	NewStdioTransport = transport.NewStdioTransport
)

// Protocol revisions
const (
	// LatestRevision is the newest protocol revision this SDK implements
	LatestRevision = protocol.LatestRevision

	Revision20241007 = protocol.Revision20241007
	Revision20241105 = protocol.Revision20241105
	Revision20250326 = protocol.Revision20250326
)

// Session options
var (
	WithLogger             = session.WithLogger
	WithImplementation     = session.WithImplementation
	WithClientCapabilities = session.WithClientCapabilities
	WithServerCapabilities = session.WithServerCapabilities
	WithSupportedVersions  = session.WithSupportedVersions
	WithDefaultTimeout     = session.WithDefaultTimeout
	WithCancelRetention    = session.WithCancelRetention
	WithEarlyRequests      = session.WithEarlyRequests
	WithAbortOnViolation   = session.WithAbortOnViolation
	WithMetrics            = session.WithMetrics
	WithTracer             = session.WithTracer
	WithOnReady            = session.WithOnReady
	WithValidator          = session.WithValidator
)

// Transport middleware
var (
	ChainMiddleware      = transport.ChainMiddleware
	NewLoggingMiddleware = transport.NewLoggingMiddleware
)
