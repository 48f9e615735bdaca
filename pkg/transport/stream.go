package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/logging"
)

const (
	// defaultMaxFrameSize bounds a single newline-delimited frame.
	defaultMaxFrameSize = 4 * 1024 * 1024

	// initialScanBuffer is the starting size of the read buffer.
	initialScanBuffer = 64 * 1024

	// streamReceiveBuffer is the number of decoded frames held before
	// the read loop blocks on Receive.
	streamReceiveBuffer = 16
)

// StreamTransport frames messages as newline-delimited text over a byte
// stream, the conventional framing for peers connected through
// stdin/stdout of a child process.
type StreamTransport struct {
	reader    io.Reader
	rawWriter io.Writer

	writeMu sync.Mutex
	writer  *bufio.Writer

	frames  chan []byte
	readErr error // set by the read loop before frames closes

	group *errgroup.Group

	done      chan struct{}
	closeOnce sync.Once

	logger       logging.Logger
	maxFrameSize int
}

// StreamOption configures a StreamTransport.
type StreamOption func(*StreamTransport)

// WithStreamLogger sets the logger used for transport-level events.
func WithStreamLogger(logger logging.Logger) StreamOption {
	return func(t *StreamTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMaxFrameSize bounds the size of a single received frame.
func WithMaxFrameSize(n int) StreamOption {
	return func(t *StreamTransport) {
		if n > 0 {
			t.maxFrameSize = n
		}
	}
}

// NewStreamTransport builds a transport over the given reader and
// writer. The read loop starts immediately; frames arriving before the
// first Receive call are buffered.
func NewStreamTransport(r io.Reader, w io.Writer, opts ...StreamOption) *StreamTransport {
	t := &StreamTransport{
		reader:       r,
		rawWriter:    w,
		writer:       bufio.NewWriter(w),
		frames:       make(chan []byte, streamReceiveBuffer),
		done:         make(chan struct{}),
		logger:       logging.NewNopLogger(),
		maxFrameSize: defaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.group = &errgroup.Group{}
	t.group.Go(t.readLoop)
	return t
}

// NewStdioTransport builds a StreamTransport over the process's
// standard input and output.
func NewStdioTransport(opts ...StreamOption) *StreamTransport {
	return NewStreamTransport(os.Stdin, os.Stdout, opts...)
}

// readLoop scans frames off the reader until the stream ends or the
// transport closes. It is the only writer of frames and readErr.
func (t *StreamTransport) readLoop() error {
	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), t.maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		// Scanner reuses its buffer between calls.
		frame := make([]byte, len(line))
		copy(frame, line)

		select {
		case t.frames <- frame:
		case <-t.done:
			t.finish(errors.TransportClosed("stream"))
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		// Close unblocks a pending read by closing the reader, which
		// surfaces here as a read error rather than a clean EOF.
		select {
		case <-t.done:
			t.finish(errors.TransportClosed("stream"))
			return nil
		default:
		}
		t.logger.WithError(err).Error("Stream read failed")
		t.finish(errors.TransportFailure("stream", "receive", err))
		return err
	}

	// Clean EOF: the peer ended the stream.
	t.logger.Debug("Stream ended by peer")
	t.finish(errors.TransportClosed("stream"))
	return nil
}

func (t *StreamTransport) finish(err error) {
	t.readErr = err
	close(t.frames)
}

// Send writes one frame followed by a newline and flushes. Frames must
// not contain embedded newlines; encoded JSON messages never do.
func (t *StreamTransport) Send(ctx context.Context, data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return errors.ValidationErrorf("frame must not contain embedded newlines")
	}

	select {
	case <-t.done:
		return errors.TransportClosed("stream")
	case <-ctx.Done():
		return errors.ConvertStandardError(ctx.Err())
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(data); err != nil {
		return errors.TransportFailure("stream", "send", err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return errors.TransportFailure("stream", "send", err)
	}
	if err := t.writer.Flush(); err != nil {
		return errors.TransportFailure("stream", "send", err)
	}
	return nil
}

// Receive returns the next frame. Frames decoded before the stream
// ended are drained before the close error is reported.
func (t *StreamTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.frames:
		if !ok {
			return nil, t.readErr
		}
		return frame, nil
	case <-ctx.Done():
		return nil, errors.ConvertStandardError(ctx.Err())
	}
}

// Close flushes pending writes, stops the read loop, and closes the
// underlying reader and writer when they support it.
func (t *StreamTransport) Close() error {
	var flushErr error
	t.closeOnce.Do(func() {
		close(t.done)

		// Unblock a Scan pending on the reader.
		if c, ok := t.reader.(io.Closer); ok {
			_ = c.Close()
		}

		t.writeMu.Lock()
		flushErr = t.writer.Flush()
		t.writeMu.Unlock()

		if c, ok := t.rawWriter.(io.Closer); ok {
			_ = c.Close()
		}

		_ = t.group.Wait()
	})
	return flushErr
}
