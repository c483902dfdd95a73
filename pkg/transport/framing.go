package transport

import (
	"context"
	"encoding/json"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// Frame is one item of the decoded message sequence. Exactly one of Msg and
// Err is set: a malformed frame yields a parse-error item rather than being
// silently dropped, so the connection can decide whether to tear down.
type Frame struct {
	Msg protocol.Message
	Err error
}

// Framer adapts a byte transport into a lazy sequence of typed messages and
// encodes outgoing messages back into frames.
type Framer struct {
	transport Transport
	logger    logging.Logger
}

// NewFramer creates a framing adapter over a byte transport
func NewFramer(t Transport, logger logging.Logger) *Framer {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Framer{transport: t, logger: logger}
}

// Frames starts decoding and returns the message sequence. The channel
// closes when the transport closes or the context is cancelled; the
// sequence is not restartable.
func (f *Framer) Frames(ctx context.Context) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for {
			data, err := f.transport.Receive(ctx)
			if err != nil {
				// Transport gone; the sequence ends.
				return
			}
			msg, decErr := protocol.DecodeMessage(data)
			if decErr != nil {
				f.logger.Debug("malformed frame",
					logging.ErrorField(decErr),
					logging.Int("bytes", len(data)))
				select {
				case out <- Frame{Err: wireerrors.ParseErrorf("malformed frame: %v", decErr)}:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case out <- Frame{Msg: msg}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Send encodes one message and writes it as a single frame
func (f *Framer) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return wireerrors.InternalError("failed to encode message: " + err.Error())
	}
	if err := f.transport.Send(data); err != nil {
		return wireerrors.TransportError("send", err)
	}
	return nil
}

// Close closes the underlying transport
func (f *Framer) Close() error {
	return f.transport.Close()
}
