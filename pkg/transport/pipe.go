package transport

import (
	"context"
	"sync"

	"github.com/parleyproto/parley-go/pkg/errors"
)

// pipeBuffer is the number of frames each direction can hold before
// Send blocks on the peer's Receive.
const pipeBuffer = 16

// Pipe returns a connected in-process transport pair. Frames sent on
// one end arrive at the other in order. Closing either end closes both,
// but frames already in flight can still be received.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEnd{name: "pipe", in: ba, out: ab, done: done, closeOnce: once}
	b := &pipeEnd{name: "pipe", in: ab, out: ba, done: done, closeOnce: once}
	return a, b
}

// pipeEnd is one half of an in-process transport pair.
type pipeEnd struct {
	name      string
	in        <-chan []byte
	out       chan<- []byte
	done      chan struct{}
	closeOnce *sync.Once
}

// Send delivers one frame to the peer end. The frame is copied so the
// caller may reuse its buffer immediately.
func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return errors.TransportClosed(p.name)
	default:
	}

	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case p.out <- frame:
		return nil
	case <-p.done:
		return errors.TransportClosed(p.name)
	case <-ctx.Done():
		return errors.ConvertStandardError(ctx.Err())
	}
}

// Receive returns the next frame from the peer end. Frames buffered
// before close are drained before the close error is reported.
func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}

	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		// Close raced with an in-flight frame. Prefer the frame.
		select {
		case frame := <-p.in:
			return frame, nil
		default:
		}
		return nil, errors.TransportClosed(p.name)
	case <-ctx.Done():
		return nil, errors.ConvertStandardError(ctx.Err())
	}
}

// Close shuts down both ends of the pair.
func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
