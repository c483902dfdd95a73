package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/protocol"
)

func TestPipeDelivery(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))

	ctx := context.Background()
	data, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	data, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeCloseUnblocksPeer(t *testing.T) {
	a, b := NewPipe()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receive never unblocked on peer close")
	}

	assert.ErrorIs(t, b.Send([]byte("x")), ErrClosed)
}

func TestPipeDrainsFramesSentBeforeClose(t *testing.T) {
	a, b := NewPipe()
	defer b.Close()

	require.NoError(t, a.Send([]byte("last words")))
	require.NoError(t, a.Close())

	data, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last words", string(data))

	_, err = b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFramerRoundTrip(t *testing.T) {
	a, b := NewPipe()
	sender := NewFramer(a, nil)
	receiver := NewFramer(b, nil)
	defer sender.Close()
	defer receiver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := receiver.Frames(ctx)

	req, err := protocol.NewRequest(1, "ping", nil)
	require.NoError(t, err)
	require.NoError(t, sender.Send(req))

	select {
	case frame := <-frames:
		require.NoError(t, frame.Err)
		decoded, ok := frame.Msg.(*protocol.Request)
		require.True(t, ok)
		assert.Equal(t, "ping", decoded.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestFramerSurfacesMalformedFrame(t *testing.T) {
	a, b := NewPipe()
	receiver := NewFramer(b, nil)
	defer a.Close()
	defer receiver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := receiver.Frames(ctx)

	require.NoError(t, a.Send([]byte(`{not json`)))

	select {
	case frame := <-frames:
		require.Error(t, frame.Err)
		assert.True(t, wireerrors.IsCode(frame.Err, wireerrors.CodeParseError))
		assert.Nil(t, frame.Msg)
	case <-time.After(2 * time.Second):
		t.Fatal("malformed frame never surfaced")
	}

	// The sequence continues past a malformed frame.
	req, err := protocol.NewRequest(2, "ping", nil)
	require.NoError(t, err)
	framer := NewFramer(a, nil)
	require.NoError(t, framer.Send(req))

	select {
	case frame := <-frames:
		require.NoError(t, frame.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("sequence ended after malformed frame")
	}
}

func TestFramesSequenceEndsOnClose(t *testing.T) {
	a, b := NewPipe()
	receiver := NewFramer(b, nil)

	ctx := context.Background()
	frames := receiver.Frames(ctx)

	require.NoError(t, a.Close())
	require.NoError(t, receiver.Close())

	select {
	case _, open := <-frames:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("frame sequence never ended")
	}
}
