package errors

import (
	"fmt"
)

// TransportError wraps a transport-level failure. Fatal to the connection.
func TransportError(operation string, cause error) EngineError {
	return Wrap(cause, CodeConnectionClosed,
		fmt.Sprintf("transport failure during %s", operation),
		CategoryTransport, SeverityError)
}

// ConnectionClosedError is the outcome resolved into every pending call when
// the owning connection closes.
func ConnectionClosedError(connectionID string) EngineError {
	return New(CodeConnectionClosed, "connection closed", CategoryTransport, SeverityError).
		WithContext(&Context{ConnectionID: connectionID, Component: "connection"})
}

// ProtocolViolation marks a violation of the wire contract. Fatal to the
// connection.
func ProtocolViolation(detail string) EngineError {
	return New(CodeInvalidRequest, "protocol violation", CategoryProtocol, SeverityError).
		WithDetail(detail)
}

// ParseErrorf marks a malformed frame
func ParseErrorf(format string, args ...interface{}) EngineError {
	return Newf(CodeParseError, CategoryProtocol, SeverityError, format, args...)
}

// OrphanResponseError marks a response whose id has no pending call
func OrphanResponseError(id interface{}) EngineError {
	return Newf(CodeOrphanResponse, CategoryProtocol, SeverityError,
		"orphan response for id %v", id)
}

// DuplicateRequestIDError marks registration of an id that is still pending
func DuplicateRequestIDError(id interface{}) EngineError {
	return Newf(CodeDuplicateRequestID, CategoryProtocol, SeverityError,
		"request id %v already pending", id)
}

// TimeoutError is the outcome of a pending call past its deadline
func TimeoutError(id interface{}) EngineError {
	return Newf(CodeRequestTimeout, CategoryTimeout, SeverityWarning,
		"request %v timed out", id)
}

// CancelledError is the outcome of a locally cancelled pending call
func CancelledError(id interface{}) EngineError {
	return Newf(CodeRequestCancelled, CategoryCancelled, SeverityInfo,
		"request %v cancelled", id)
}

// MethodNotFoundError marks an unknown or role-inappropriate method
func MethodNotFoundError(method string) EngineError {
	return Newf(CodeMethodNotFound, CategoryApplication, SeverityError,
		"method not found: %s", method)
}

// InvalidParamsError marks a schema or shape violation in request params.
// The callable is never invoked for these.
func InvalidParamsError(detail string) EngineError {
	return New(CodeInvalidParams, "invalid params", CategoryApplication, SeverityError).
		WithDetail(detail)
}

// ToolError wraps a failure inside a tool callable as an application error,
// distinct from protocol errors.
func ToolError(name string, cause error) EngineError {
	return Wrap(cause, CodeToolExecutionError,
		fmt.Sprintf("tool %q failed", name),
		CategoryApplication, SeverityError)
}

// ResourceNotFoundError marks a URI absent from the registry
func ResourceNotFoundError(uri string) EngineError {
	return Newf(CodeResourceNotFound, CategoryApplication, SeverityError,
		"resource not found: %s", uri)
}

// DuplicateNameError marks re-registration without an explicit replace
func DuplicateNameError(kind, name string) EngineError {
	return Newf(CodeDuplicateToolName, CategoryApplication, SeverityError,
		"%s %q already registered", kind, name)
}

// PermissionDeniedError maps an authorization hook denial
func PermissionDeniedError(method, reason string) EngineError {
	err := Newf(CodePermissionDenied, CategoryApplication, SeverityError,
		"permission denied for %s", method)
	if reason != "" {
		err = err.WithDetail(reason)
	}
	return err
}

// NotNegotiatedError marks traffic received before negotiation completed
func NotNegotiatedError(method string) EngineError {
	return Newf(CodeNotNegotiated, CategoryProtocol, SeverityError,
		"method %s received before negotiation completed", method)
}

// InternalError marks an unexpected engine state
func InternalError(detail string) EngineError {
	return New(CodeInternalError, "internal error", CategoryInternal, SeverityCritical).
		WithDetail(detail)
}
