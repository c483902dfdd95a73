package errors

// JSON-RPC 2.0 standard error codes
const (
	// CodeParseError indicates invalid JSON was received
	CodeParseError int = -32700

	// CodeInvalidRequest indicates the JSON sent is not a valid Request object
	CodeInvalidRequest int = -32600

	// CodeMethodNotFound indicates the method does not exist / is not available
	CodeMethodNotFound int = -32601

	// CodeInvalidParams indicates invalid method parameter(s)
	CodeInvalidParams int = -32602

	// CodeInternalError indicates an internal JSON-RPC error
	CodeInternalError int = -32603
)

// Engine-specific error codes in the reserved -32000..-32099 range
const (
	CodePermissionDenied   int = -32001 // Authorization hook denied the call
	CodeResourceNotFound   int = -32002 // Requested resource not registered
	CodeOrphanResponse     int = -32003 // Response with no pending call
	CodeConnectionClosed   int = -32004 // Connection closed with calls in flight
	CodeRequestTimeout     int = -32005 // Pending call passed its deadline
	CodeDuplicateRequestID int = -32006 // Id already pending on the connection
	CodeRequestCancelled   int = -32007 // Call cancelled before resolution
	CodeToolExecutionError int = -32008 // Tool callable failed
	CodeDuplicateToolName  int = -32009 // Tool/resource re-registered without replace
	CodeNotNegotiated      int = -32010 // Traffic before negotiation completed
)

// CodeInfo provides human-readable information about an error code
type CodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var codeRegistry = map[int]CodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request object", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method does not exist", CategoryApplication, SeverityError},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryApplication, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal JSON-RPC error", CategoryInternal, SeverityError},

	CodePermissionDenied:   {CodePermissionDenied, "PermissionDenied", "Authorization hook denied the call", CategoryApplication, SeverityError},
	CodeResourceNotFound:   {CodeResourceNotFound, "ResourceNotFound", "Resource not registered", CategoryApplication, SeverityError},
	CodeOrphanResponse:     {CodeOrphanResponse, "OrphanResponse", "Response with no pending call", CategoryProtocol, SeverityError},
	CodeConnectionClosed:   {CodeConnectionClosed, "ConnectionClosed", "Connection closed", CategoryTransport, SeverityError},
	CodeRequestTimeout:     {CodeRequestTimeout, "RequestTimeout", "Pending call deadline exceeded", CategoryTimeout, SeverityWarning},
	CodeDuplicateRequestID: {CodeDuplicateRequestID, "DuplicateRequestID", "Id already pending", CategoryProtocol, SeverityError},
	CodeRequestCancelled:   {CodeRequestCancelled, "RequestCancelled", "Call cancelled", CategoryCancelled, SeverityInfo},
	CodeToolExecutionError: {CodeToolExecutionError, "ToolExecutionError", "Tool callable failed", CategoryApplication, SeverityError},
	CodeDuplicateToolName:  {CodeDuplicateToolName, "DuplicateToolName", "Name already registered", CategoryApplication, SeverityError},
	CodeNotNegotiated:      {CodeNotNegotiated, "NotNegotiated", "Traffic before negotiation", CategoryProtocol, SeverityError},
}

// GetCodeInfo returns information about an error code
func GetCodeInfo(code int) (CodeInfo, bool) {
	info, exists := codeRegistry[code]
	return info, exists
}

// CodeName returns the registered name of an error code
func CodeName(code int) string {
	if info, exists := codeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// CodeCategory returns the handling category of an error code
func CodeCategory(code int) Category {
	if info, exists := codeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// IsStandardJSONRPCCode checks if a code is in the JSON-RPC reserved range
func IsStandardJSONRPCCode(code int) bool {
	return code >= -32768 && code <= -32000
}

// IsEngineCode checks if a code is in the engine-specific -32000..-32099 range
func IsEngineCode(code int) bool {
	return code >= -32099 && code <= -32000
}
