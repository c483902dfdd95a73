package transport

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// StreamTransport frames messages as newline-delimited JSON over an
// arbitrary reader/writer pair. This is the transport used for stdio-style
// deployments where client and server are connected via pipes.
type StreamTransport struct {
	reader io.Reader
	writer *bufio.Writer

	config Config

	recv chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	started   sync.Once
	group     *errgroup.Group
}

// NewStreamTransport creates a newline-delimited JSON transport over the
// given reader and writer.
func NewStreamTransport(r io.Reader, w io.Writer, config Config) *StreamTransport {
	if config.MaxFrameSize <= 0 {
		config = DefaultConfig()
	}
	return &StreamTransport{
		reader: r,
		writer: bufio.NewWriter(w),
		config: config,
		recv:   make(chan []byte, config.ReceiveBuffer),
		done:   make(chan struct{}),
	}
}

// NewStdioTransport creates a stream transport over the process's standard
// input and output.
func NewStdioTransport() *StreamTransport {
	return NewStreamTransport(os.Stdin, os.Stdout, DefaultConfig())
}

// start launches the reader goroutine on first Receive
func (t *StreamTransport) start() {
	t.started.Do(func() {
		g := &errgroup.Group{}
		t.group = g
		g.Go(func() error {
			defer close(t.recv)
			scanner := bufio.NewScanner(t.reader)
			scanner.Buffer(make([]byte, 64*1024), t.config.MaxFrameSize)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				// Copy: the scanner reuses its buffer on the next Scan.
				data := make([]byte, len(line))
				copy(data, line)
				select {
				case t.recv <- data:
				case <-t.done:
					return nil
				}
			}
			if err := scanner.Err(); err != nil && err != io.EOF {
				return err
			}
			return nil
		})
	})
}

// Receive returns the next complete frame
func (t *StreamTransport) Receive(ctx context.Context) ([]byte, error) {
	t.start()
	select {
	case data, ok := <-t.recv:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one frame followed by a newline and flushes
func (t *StreamTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}
	return t.writer.Flush()
}

// Close tears down the transport and unblocks pending Receives
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if closer, ok := t.reader.(io.Closer); ok {
			_ = closer.Close()
		}
		t.writeMu.Lock()
		_ = t.writer.Flush()
		t.writeMu.Unlock()
	})
	return nil
}
