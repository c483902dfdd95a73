package protocol

const (
	// Current protocol revision
	ProtocolRevision = "2025-08-01"

	// Methods for lifecycle management
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"

	// Methods for liveness
	MethodPing = "ping"
	MethodPong = "pong"

	// Methods for tools
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodGetToolSchema = "tools/get_schema"

	// Methods for resources
	MethodListResources       = "resources/list"
	MethodReadResource        = "resources/read"
	MethodSubscribeResource   = "resources/subscribe"
	MethodUnsubscribeResource = "resources/unsubscribe"

	// Notifications
	MethodResourcesListChanged = "notifications/resources/list_changed"
	MethodResourceUpdated      = "notifications/resources/updated"
	MethodToolsListChanged     = "notifications/tools/list_changed"
	MethodToolStreamChunk      = "notifications/tools/stream"
	MethodCancelled            = "notifications/cancelled"
)

// Capability identifies an optional protocol feature negotiated during
// initialize. The negotiated set is immutable for the connection lifetime.
type Capability string

const (
	// CapabilityTools indicates the peer exposes invocable tools
	CapabilityTools Capability = "tools"

	// CapabilityResources indicates the peer exposes readable resources
	CapabilityResources Capability = "resources"

	// CapabilitySubscriptions indicates support for resource subscriptions
	CapabilitySubscriptions Capability = "subscriptions"

	// CapabilityBatch indicates support for batch requests
	CapabilityBatch Capability = "batch"

	// CapabilityStreaming indicates support for streaming tool results
	CapabilityStreaming Capability = "streaming"

	// CapabilityCancellation indicates support for best-effort cancellation
	// notifications
	CapabilityCancellation Capability = "cancellation"

	// CapabilityPagination indicates support for cursor-paginated listings
	CapabilityPagination Capability = "pagination"
)

// CapabilitySet is the bag of feature flags a peer advertises.
type CapabilitySet map[Capability]bool

// Has reports whether a capability is present and enabled
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// Intersect returns the capabilities enabled on both sides. The result is
// what a connection may actually use.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for c, enabled := range s {
		if enabled && other[c] {
			out[c] = true
		}
	}
	return out
}

// Clone returns a copy so negotiation results stay immutable
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c, enabled := range s {
		out[c] = enabled
	}
	return out
}

// PeerInfo identifies a peer during negotiation
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams defines the parameters for the initialize request
type InitializeParams struct {
	ProtocolRevision string        `json:"protocolRevision"`
	Capabilities     CapabilitySet `json:"capabilities"`
	ClientInfo       *PeerInfo     `json:"clientInfo,omitempty"`
}

// InitializeResult defines the response for the initialize request
type InitializeResult struct {
	ProtocolRevision string        `json:"protocolRevision"`
	Capabilities     CapabilitySet `json:"capabilities"`
	ServerInfo       *PeerInfo     `json:"serverInfo,omitempty"`
}

// InitializedParams is sent as a notification once negotiation completes
type InitializedParams struct{}

// PingParams carries an opaque token echoed back in the pong
type PingParams struct {
	Token string `json:"token,omitempty"`
}

// PongResult echoes the ping token
type PongResult struct {
	Token string `json:"token,omitempty"`
}

// CancelledParams carries the id of a cancelled request. Delivery is
// best-effort; the peer's eventual late response is discarded locally.
type CancelledParams struct {
	ID     interface{} `json:"id"`
	Reason string      `json:"reason,omitempty"`
}

// PaginationParams are the cursor parameters accepted by list operations
type PaginationParams struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// PaginationResult carries the continuation cursor of a list operation
type PaginationResult struct {
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore,omitempty"`
}
