// Package transport moves discrete message frames between two peers.
//
// A Transport carries opaque byte frames; it knows nothing about the
// messages inside them. Sessions classify and route frames, transports
// only deliver them. The package ships two implementations: an
// in-process pair from Pipe for tests and embedded peers, and
// StreamTransport for newline-delimited byte streams such as the
// stdin/stdout of a child process.
package transport

import (
	"context"
)

// Transport is a bidirectional, frame-oriented connection to a remote
// peer. Implementations must support concurrent Send calls and at least
// one concurrent Receive loop.
type Transport interface {
	// Send delivers one frame to the peer. It blocks until the frame is
	// handed to the underlying medium, the context ends, or the
	// transport closes.
	Send(ctx context.Context, data []byte) error

	// Receive blocks until the next frame arrives, the context ends, or
	// the transport closes. Frames already delivered by the peer before
	// close are drained before a close error is reported.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down. Blocked Send and Receive calls
	// return a transport-closed error. Close is idempotent.
	Close() error
}
