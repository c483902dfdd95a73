package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// ErrorCode represents standard JSON-RPC 2.0 error codes
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// Engine-specific error codes in the reserved -32000..-32099 range
const (
	// PermissionDenied indicates the authorization hook rejected the call
	PermissionDenied ErrorCode = -32001
	// ResourceNotFound indicates a requested resource was not found
	ResourceNotFound ErrorCode = -32002
	// OrphanResponse indicates a response referenced an id with no pending call
	OrphanResponse ErrorCode = -32003
	// ConnectionClosed indicates the connection closed while a call was in flight
	ConnectionClosed ErrorCode = -32004
	// RequestTimeout indicates a pending call passed its deadline
	RequestTimeout ErrorCode = -32005
	// DuplicateRequestID indicates an id that is already pending on the connection
	DuplicateRequestID ErrorCode = -32006
	// RequestCancelled indicates a call was cancelled before resolution
	RequestCancelled ErrorCode = -32007
	// ToolExecutionError indicates a tool callable failed
	ToolExecutionError ErrorCode = -32008
)

// JSONRPCMessage represents a JSON-RPC 2.0 message
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// Message is the discriminated union over the wire message kinds. It is
// implemented by *Request, *Response, *Notification, *BatchRequest and
// *BatchResponse.
type Message interface {
	message()
}

func (*Request) message()       {}
func (*Response) message()      {}
func (*Notification) message()  {}
func (*BatchRequest) message()  {}
func (*BatchResponse) message() {}

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a new JSON-RPC 2.0 request
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewResponse creates a new JSON-RPC 2.0 success response
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	resultJSON, err := marshalField(result, "result")
	if err != nil {
		return nil, err
	}
	if resultJSON == nil {
		// A success response must carry a result member, even if null.
		resultJSON = json.RawMessage("null")
	}
	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Result:         resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response. A nil id is
// permitted for errors that could not be correlated to a request.
func NewErrorResponse(id interface{}, code ErrorCode, message string, data interface{}) (*Response, error) {
	var dataJSON interface{}
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
		dataJSON = json.RawMessage(dataBytes)
	}
	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}, nil
}

// Notification represents a JSON-RPC 2.0 notification
type Notification struct {
	JSONRPCMessage
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewNotification creates a new JSON-RPC 2.0 notification
func NewNotification(method string, params interface{}) (*Notification, error) {
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}
	return &Notification{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface so protocol errors can travel through
// ordinary Go error returns.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ValidateID checks that an id is a string or an integer, the only id types
// the engine accepts. A nil id is rejected; null ids appear only on error
// responses, which are constructed through NewErrorResponse.
func ValidateID(id interface{}) error {
	switch id.(type) {
	case string, int, int32, int64, float64, json.Number:
		return nil
	case nil:
		return fmt.Errorf("request id must not be null")
	default:
		return fmt.Errorf("request id must be a string or integer, got %T", id)
	}
}

// IDKey normalizes an id for use as a correlation key. Numeric ids decoded
// from JSON arrive as json.Number or float64; both map to the same key as
// their integer literal so a response correlates regardless of decoder.
func IDKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return "s:" + v
	case json.Number:
		return "n:" + v.String()
	case float64:
		return fmt.Sprintf("n:%d", int64(v))
	case int:
		return fmt.Sprintf("n:%d", v)
	case int32:
		return fmt.Sprintf("n:%d", v)
	case int64:
		return fmt.Sprintf("n:%d", v)
	default:
		return fmt.Sprintf("x:%v", v)
	}
}

// rawEnvelope is the permissive shape used to classify incoming messages
// before strict per-kind validation.
type rawEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// DecodeMessage decodes a single frame into a typed message. A top-level JSON
// array decodes as a batch. Validation follows the wire contract strictly:
// a request/notification must carry a method, a response must carry exactly
// one of result or error, and ids must be strings or integers.
func DecodeMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if trimmed[0] == '[' {
		return decodeBatch(trimmed)
	}

	var env rawEnvelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return decodeEnvelope(&env)
}

// decodeEnvelope applies the per-kind validation rules to a classified
// envelope.
func decodeEnvelope(env *rawEnvelope) (Message, error) {
	if env.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", env.JSONRPC)
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))
	hasNullID := bytes.Equal(env.ID, []byte("null"))
	hasResult := len(env.Result) > 0
	hasError := env.Error != nil

	if hasResult || hasError {
		if env.Method != nil {
			return nil, fmt.Errorf("message carries both method and result/error")
		}
		if hasResult && hasError {
			return nil, fmt.Errorf("response carries both result and error")
		}
		var id interface{}
		if hasID {
			var err error
			if id, err = decodeID(env.ID); err != nil {
				return nil, err
			}
		} else if !hasNullID && hasResult {
			return nil, fmt.Errorf("success response missing id")
		}
		return &Response{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: env.JSONRPC},
			ID:             id,
			Result:         env.Result,
			Error:          env.Error,
		}, nil
	}

	if env.Method == nil || *env.Method == "" {
		return nil, fmt.Errorf("message missing method")
	}

	if !hasID {
		if hasNullID {
			return nil, fmt.Errorf("request id must not be null")
		}
		return &Notification{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: env.JSONRPC},
			Method:         *env.Method,
			Params:         env.Params,
		}, nil
	}

	id, err := decodeID(env.ID)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: env.JSONRPC},
		ID:             id,
		Method:         *env.Method,
		Params:         env.Params,
	}, nil
}

// decodeID parses a raw id member, accepting only strings and integers.
func decodeID(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("malformed id: %w", err)
	}
	switch id := v.(type) {
	case string:
		return id, nil
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return nil, fmt.Errorf("request id must be an integer, got %s", id.String())
		}
		return n, nil
	default:
		return nil, fmt.Errorf("request id must be a string or integer, got %T", v)
	}
}

// marshalField marshals an optional structured payload field.
func marshalField(v interface{}, name string) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return data, nil
}

// IsRequest checks if a raw JSON message is a JSON-RPC 2.0 request
func IsRequest(data []byte) bool {
	msg, err := DecodeMessage(data)
	if err != nil {
		return false
	}
	_, ok := msg.(*Request)
	return ok
}

// IsResponse checks if a raw JSON message is a JSON-RPC 2.0 response
func IsResponse(data []byte) bool {
	msg, err := DecodeMessage(data)
	if err != nil {
		return false
	}
	_, ok := msg.(*Response)
	return ok
}

// IsNotification checks if a raw JSON message is a JSON-RPC 2.0 notification
func IsNotification(data []byte) bool {
	msg, err := DecodeMessage(data)
	if err != nil {
		return false
	}
	_, ok := msg.(*Notification)
	return ok
}
