// Package errors provides structured error handling for the capwire engine.
// It defines error types that map to JSON-RPC error codes and classify
// failures into the taxonomy the engine acts on: transport errors are fatal
// to a connection, protocol violations are fatal, application errors surface
// as error responses, and timeouts resolve locally.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category classifies an error for handling policy
type Category string

const (
	// CategoryTransport covers connection loss and write failures. Fatal to
	// the owning connection.
	CategoryTransport Category = "transport"
	// CategoryProtocol covers malformed frames, orphan responses and
	// negotiation violations. Fatal to the owning connection.
	CategoryProtocol Category = "protocol"
	// CategoryApplication covers tool failures, validation failures and
	// unknown methods/resources. Never fatal to the connection.
	CategoryApplication Category = "application"
	// CategoryTimeout covers pending calls past their deadline
	CategoryTimeout Category = "timeout"
	// CategoryCancelled covers locally cancelled calls
	CategoryCancelled Category = "cancelled"
	// CategoryInternal covers engine bugs and unexpected states
	CategoryInternal Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context carries where and when an error occurred
type Context struct {
	ConnectionID string    `json:"connection_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Method       string    `json:"method,omitempty"`
	Component    string    `json:"component,omitempty"`
	Operation    string    `json:"operation,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EngineError is the interface implemented by all engine errors
type EngineError interface {
	error

	// Code returns the JSON-RPC error code
	Code() int

	// Message returns a human-readable error message
	Message() string

	// Detail returns the technical detail for debugging
	Detail() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	// Category returns the error category for handling policy
	Category() Category

	// Severity returns the error severity level
	Severity() Severity

	// Context returns the error context information
	Context() *Context

	// WithContext returns a copy with the provided context
	WithContext(ctx *Context) EngineError

	// WithDetail returns a copy with additional detail
	WithDetail(detail string) EngineError

	// WithData returns a copy with structured data
	WithData(data interface{}) EngineError

	// Unwrap returns the underlying error for error chain traversal
	Unwrap() error
}

type baseError struct {
	code     int
	message  string
	detail   string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("%s: %s", e.message, e.detail)
	}
	return e.message
}

func (e *baseError) Code() int           { return e.code }
func (e *baseError) Message() string     { return e.message }
func (e *baseError) Detail() string      { return e.detail }
func (e *baseError) Data() interface{}   { return e.data }
func (e *baseError) Category() Category  { return e.category }
func (e *baseError) Severity() Severity  { return e.severity }
func (e *baseError) Context() *Context   { return e.context }
func (e *baseError) Unwrap() error       { return e.cause }

// WithContext returns a copy with the provided context
func (e *baseError) WithContext(ctx *Context) EngineError {
	newErr := *e
	if ctx != nil && ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	newErr.context = ctx
	return &newErr
}

// WithDetail returns a copy with additional detail
func (e *baseError) WithDetail(detail string) EngineError {
	newErr := *e
	if newErr.detail != "" {
		newErr.detail = fmt.Sprintf("%s; %s", newErr.detail, detail)
	} else {
		newErr.detail = detail
	}
	return &newErr
}

// WithData returns a copy with structured data
func (e *baseError) WithData(data interface{}) EngineError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// MarshalJSON implements json.Marshaler
func (e *baseError) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"code":     e.code,
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}
	if e.detail != "" {
		out["detail"] = e.detail
	}
	if e.data != nil {
		out["data"] = e.data
	}
	if e.context != nil {
		out["context"] = e.context
	}
	if e.cause != nil {
		out["cause"] = e.cause.Error()
	}
	return json.Marshal(out)
}

// New creates a new EngineError
func New(code int, message string, category Category, severity Severity) EngineError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// Newf creates a new EngineError with a formatted message
func Newf(code int, category Category, severity Severity, format string, args ...interface{}) EngineError {
	return New(code, fmt.Sprintf(format, args...), category, severity)
}

// Wrap wraps an existing error as an EngineError
func Wrap(err error, code int, message string, category Category, severity Severity) EngineError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsEngineError extracts an EngineError from any error
func AsEngineError(err error) (EngineError, bool) {
	if err == nil {
		return nil, false
	}
	if engErr, ok := err.(EngineError); ok {
		return engErr, true
	}
	return nil, false
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Category() == category
	}
	return false
}

// IsCode checks if an error carries a specific JSON-RPC code
func IsCode(err error, code int) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code() == code
	}
	return false
}

// IsFatal reports whether an error must tear down the owning connection.
// Transport errors and protocol violations are fatal; application errors,
// timeouts and cancellations are not.
func IsFatal(err error) bool {
	engErr, ok := AsEngineError(err)
	if !ok {
		return false
	}
	switch engErr.Category() {
	case CategoryTransport, CategoryProtocol:
		return true
	default:
		return false
	}
}
