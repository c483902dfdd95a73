package errors

import (
	"github.com/capwire/capwire-go/pkg/protocol"
)

// ToProtocolError converts any error into the wire error object for an
// error response. Non-engine errors map to an internal error so callable
// failures never leak engine internals onto the wire.
func ToProtocolError(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	if engErr, ok := AsEngineError(err); ok {
		return &protocol.Error{
			Code:    protocol.ErrorCode(engErr.Code()),
			Message: engErr.Message(),
			Data:    engErr.Data(),
		}
	}
	if protoErr, ok := err.(*protocol.Error); ok {
		return protoErr
	}
	return &protocol.Error{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

// FromProtocolError converts a wire error object into a typed EngineError
// so callers get a machine-readable code plus the registered category.
func FromProtocolError(protoErr *protocol.Error) EngineError {
	if protoErr == nil {
		return nil
	}
	code := int(protoErr.Code)
	info, known := codeRegistry[code]
	category := CategoryApplication
	severity := SeverityError
	if known {
		category = info.Category
		severity = info.Severity
	}
	err := New(code, protoErr.Message, category, severity)
	if protoErr.Data != nil {
		err = err.WithData(protoErr.Data)
	}
	return err
}
