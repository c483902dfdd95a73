package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// ToolStream delivers incremental results of a streaming invocation. Chunks
// carry the call id of the originating request and increasing sequence
// numbers; the registry emits the terminal marker.
type ToolStream struct {
	callID string
	emit   func(protocol.ToolStreamChunkParams)

	mu     sync.Mutex
	seq    int
	closed bool
}

// CallID returns the id correlating this stream to its originating call
func (s *ToolStream) CallID() string {
	return s.callID
}

// Send delivers one partial result. Send after the stream closed is an
// error.
func (s *ToolStream) Send(chunk json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wireerrors.InternalError("send on closed tool stream")
	}
	s.seq++
	s.emit(protocol.ToolStreamChunkParams{
		CallID: s.callID,
		Seq:    s.seq,
		Chunk:  chunk,
	})
	return nil
}

// close emits the terminal marker, or an error chunk when err is non-nil
func (s *ToolStream) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.seq++
	params := protocol.ToolStreamChunkParams{CallID: s.callID, Seq: s.seq}
	if err != nil {
		params.Error = wireerrors.ToProtocolError(err)
	} else {
		params.Done = true
	}
	s.emit(params)
}

// validateArgs checks call arguments against the tool's compiled
// inputSchema. A schema violation never reaches the callable.
func (entry *registeredTool) validateArgs(args json.RawMessage) error {
	if entry.schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v interface{}
	if err := json.Unmarshal(args, &v); err != nil {
		return wireerrors.InvalidParamsError(fmt.Sprintf("args are not valid JSON: %v", err))
	}
	if err := entry.schema.Validate(v); err != nil {
		return wireerrors.InvalidParamsError(flattenValidationError(err))
	}
	return nil
}

// ValidateToolArgs checks call arguments against a registered tool's
// inputSchema without invoking it.
func (r *Registry) ValidateToolArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return wireerrors.MethodNotFoundError("tools/call:" + name)
	}
	return entry.validateArgs(args)
}

// Invoke runs a synchronous tool callable. Args are validated against the
// inputSchema first; callable panics and errors are caught here and become
// application errors, never protocol failures.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (result json.RawMessage, err error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, wireerrors.MethodNotFoundError("tools/call:" + name)
	}
	if entry.streaming != nil {
		return nil, wireerrors.InvalidParamsError(
			fmt.Sprintf("tool %q is streaming; invoke it with a stream", name))
	}
	if err := entry.validateArgs(args); err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = wireerrors.ToolError(name, fmt.Errorf("panic: %v", rec))
		}
	}()
	result, callErr := entry.handler(ctx, args)
	if callErr != nil {
		if _, isEngine := wireerrors.AsEngineError(callErr); isEngine {
			return nil, callErr
		}
		return nil, wireerrors.ToolError(name, callErr)
	}
	return result, nil
}

// InvokeStreaming runs a streaming tool callable, delivering chunks through
// emit. The terminal marker or error chunk is always emitted, exactly once,
// including on handler panic. Synchronous tools run with their single result
// delivered as one chunk, so callers see a uniform shape.
func (r *Registry) InvokeStreaming(ctx context.Context, name, callID string, args json.RawMessage, emit func(protocol.ToolStreamChunkParams)) error {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return wireerrors.MethodNotFoundError("tools/call:" + name)
	}
	if err := entry.validateArgs(args); err != nil {
		return err
	}

	stream := &ToolStream{callID: callID, emit: emit}

	if entry.streaming == nil {
		result, err := r.Invoke(ctx, name, args)
		if err != nil {
			stream.close(err)
			return nil
		}
		_ = stream.Send(result)
		stream.close(nil)
		return nil
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				stream.close(wireerrors.ToolError(name, fmt.Errorf("panic: %v", rec)))
			}
		}()
		if err := entry.streaming(ctx, args, stream); err != nil {
			if _, isEngine := wireerrors.AsEngineError(err); isEngine {
				stream.close(err)
			} else {
				stream.close(wireerrors.ToolError(name, err))
			}
			return
		}
		stream.close(nil)
	}()
	return nil
}
