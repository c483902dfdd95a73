package protocol

import (
	"encoding/json"
)

// Tool describes an invocable capability. Registered once per server
// instance; the descriptor is immutable after registration.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Streaming    bool            `json:"streaming,omitempty"`
}

// ListToolsParams defines parameters for tools/list
type ListToolsParams struct {
	PaginationParams
}

// ListToolsResult defines the response for tools/list
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginationResult
}

// CallToolParams defines parameters for tools/call
type CallToolParams struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CallToolResult defines the response for tools/call
type CallToolResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	// CallID is set for streaming invocations and keys the chunk
	// notifications that follow.
	CallID string `json:"callId,omitempty"`
}

// GetToolSchemaParams defines parameters for tools/get_schema
type GetToolSchemaParams struct {
	Name string `json:"name"`
}

// GetToolSchemaResult returns the registered descriptor for a tool
type GetToolSchemaResult struct {
	Tool Tool `json:"tool"`
}

// ToolStreamChunkParams is the payload of a streaming result notification.
// Chunks for one invocation share the CallID of the originating call and
// carry increasing sequence numbers; Done or Error closes the stream.
type ToolStreamChunkParams struct {
	CallID string          `json:"callId"`
	Seq    int             `json:"seq"`
	Chunk  json.RawMessage `json:"chunk,omitempty"`
	Done   bool            `json:"done,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// ToolsListChangedParams defines the notifications/tools/list_changed payload
type ToolsListChangedParams struct {
	Added   []Tool   `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}
