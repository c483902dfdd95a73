package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capwire/capwire-go/pkg/protocol"
)

func TestNewCarriesCodeAndCategory(t *testing.T) {
	err := New(CodeRequestTimeout, "request timed out", CategoryTimeout, SeverityWarning)
	assert.Equal(t, CodeRequestTimeout, err.Code())
	assert.Equal(t, CategoryTimeout, err.Category())
	assert.Equal(t, SeverityWarning, err.Severity())
	assert.Contains(t, err.Error(), "request timed out")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := TransportError("receive", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeConnectionClosed, err.Code())
	assert.Equal(t, CategoryTransport, err.Category())
}

func TestIsCodeThroughWrapping(t *testing.T) {
	err := TimeoutError("req-1")
	wrapped := fmt.Errorf("call failed: %w", err)

	assert.True(t, IsCode(wrapped, CodeRequestTimeout))
	assert.False(t, IsCode(wrapped, CodeRequestCancelled))
	assert.False(t, IsCode(nil, CodeRequestTimeout))
}

func TestIsFatalByCategory(t *testing.T) {
	assert.True(t, IsFatal(ProtocolViolation("bad frame")))
	assert.True(t, IsFatal(TransportError("send", errors.New("broken pipe"))))
	assert.False(t, IsFatal(ToolError("grep", errors.New("exit 1"))))
	assert.False(t, IsFatal(TimeoutError(1)))
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestWithContextAndDetail(t *testing.T) {
	err := MethodNotFoundError("tools/fly").
		WithContext(&Context{ConnectionID: "c-1", Method: "tools/fly"}).
		WithDetail("no such tool")

	require.NotNil(t, err.Context())
	assert.Equal(t, "c-1", err.Context().ConnectionID)
	assert.Equal(t, "no such tool", err.Detail())
}

func TestToProtocolErrorFromEngineError(t *testing.T) {
	protoErr := ToProtocolError(ResourceNotFoundError("res://x"))
	require.NotNil(t, protoErr)
	assert.Equal(t, protocol.ResourceNotFound, protoErr.Code)
	assert.Contains(t, protoErr.Message, "res://x")
}

func TestToProtocolErrorHidesPlainErrors(t *testing.T) {
	// Arbitrary callable errors surface as internal errors on the wire.
	protoErr := ToProtocolError(errors.New("pointer dereference at 0x0"))
	require.NotNil(t, protoErr)
	assert.Equal(t, protocol.InternalError, protoErr.Code)

	assert.Nil(t, ToProtocolError(nil))
}

func TestFromProtocolErrorRestoresCategory(t *testing.T) {
	engErr := FromProtocolError(&protocol.Error{
		Code:    protocol.RequestTimeout,
		Message: "deadline exceeded",
	})
	require.NotNil(t, engErr)
	assert.Equal(t, CodeRequestTimeout, engErr.Code())
	assert.Equal(t, CategoryTimeout, engErr.Category())

	// Unknown codes default to the application category.
	unknown := FromProtocolError(&protocol.Error{Code: -31999, Message: "custom"})
	assert.Equal(t, CategoryApplication, unknown.Category())

	assert.Nil(t, FromProtocolError(nil))
}

func TestProtocolRoundTrip(t *testing.T) {
	orig := DuplicateRequestIDError(7)
	restored := FromProtocolError(ToProtocolError(orig))

	assert.Equal(t, orig.Code(), restored.Code())
	assert.Equal(t, orig.Category(), restored.Category())
}

func TestCodeRegistryCoversEngineRange(t *testing.T) {
	for code := -32010; code <= -32001; code++ {
		info, ok := GetCodeInfo(code)
		require.True(t, ok, "code %d missing from registry", code)
		assert.Equal(t, code, info.Code)
		assert.NotEmpty(t, info.Name)
	}
	assert.True(t, IsEngineCode(-32001))
	assert.False(t, IsEngineCode(-32700))
	assert.True(t, IsStandardJSONRPCCode(-32700))
}
