// Package transport provides the byte-stream contract the engine runs over
// and the framing adapter that turns raw frames into typed protocol
// messages. The engine depends only on the Transport interface; wire-level
// encodings beyond message boundaries live behind it.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Send and Receive after the transport closed
var ErrClosed = errors.New("transport closed")

// Transport is an abstract ordered byte stream with message boundaries.
// Implementations must preserve frame boundaries exactly: one Send on one
// side is one Receive on the other.
type Transport interface {
	// Send writes one complete frame. It fails once the transport closed.
	Send(data []byte) error

	// Receive blocks until the next complete frame arrives, the context is
	// cancelled, or the transport closes (ErrClosed). The sequence of
	// frames is infinite until close and is not restartable.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears down the transport. Safe to call more than once.
	Close() error
}

// Dialer establishes a transport to a target address. The connection pool
// uses it to (re)establish members.
type Dialer interface {
	Dial(ctx context.Context, target string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, target string) (Transport, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, target string) (Transport, error) {
	return f(ctx, target)
}

// Config carries the transport-level tuning knobs
type Config struct {
	// MaxFrameSize bounds a single frame in bytes
	MaxFrameSize int `json:"max_frame_size"`

	// ReceiveBuffer is the number of frames buffered between the reader
	// goroutine and the consumer
	ReceiveBuffer int `json:"receive_buffer"`

	// WriteTimeout bounds a single Send
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultConfig returns a transport configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:  4 << 20,
		ReceiveBuffer: 64,
		WriteTimeout:  30 * time.Second,
	}
}
