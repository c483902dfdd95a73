package transport

import (
	"context"
	"sync"
)

// PipeTransport is an in-memory duplex transport. NewPipe returns the two
// connected ends; frames sent on one end arrive on the other. Used by tests
// and anywhere both peers live in the same process.
type PipeTransport struct {
	send chan<- []byte
	recv <-chan []byte

	closed    chan struct{}
	peerClose chan struct{}
	closeOnce sync.Once
}

// NewPipe creates a connected pair of in-memory transports
func NewPipe() (*PipeTransport, *PipeTransport) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &PipeTransport{send: aToB, recv: bToA, closed: aClosed, peerClose: bClosed}
	b := &PipeTransport{send: bToA, recv: aToB, closed: bClosed, peerClose: aClosed}
	return a, b
}

// Send delivers one frame to the peer
func (t *PipeTransport) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-t.closed:
		return ErrClosed
	case <-t.peerClose:
		return ErrClosed
	case t.send <- buf:
		return nil
	}
}

// Receive returns the next frame from the peer
func (t *PipeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-t.recv:
		return data, nil
	case <-t.peerClose:
		// Drain frames the peer sent before closing.
		select {
		case data := <-t.recv:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Close closes this end; the peer's Receive unblocks with ErrClosed
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}
