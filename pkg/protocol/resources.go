package protocol

import (
	"encoding/json"
)

// Resource describes a readable resource addressed by URI. The descriptor
// changes only via explicit re-registration; content addressed by the URI
// may change underneath it.
type Resource struct {
	URI         string            `json:"uri"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	MimeType    string            `json:"mimeType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ResourceContents is the content of a resource at read time
type ResourceContents struct {
	URI      string          `json:"uri"`
	MimeType string          `json:"mimeType,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// ListResourcesParams defines parameters for resources/list
type ListResourcesParams struct {
	PaginationParams
}

// ListResourcesResult defines the response for resources/list
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
	PaginationResult
}

// ReadResourceParams defines parameters for resources/read
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult defines the response for resources/read
type ReadResourceResult struct {
	Contents ResourceContents `json:"contents"`
}

// SubscribeResourceParams defines parameters for resources/subscribe
type SubscribeResourceParams struct {
	URI string `json:"uri"`
}

// UnsubscribeResourceParams defines parameters for resources/unsubscribe
type UnsubscribeResourceParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is the notifications/resources/updated payload
type ResourceUpdatedParams struct {
	URI      string            `json:"uri"`
	Contents *ResourceContents `json:"contents,omitempty"`
	Deleted  bool              `json:"deleted,omitempty"`
}

// ResourcesListChangedParams is the notifications/resources/list_changed
// payload
type ResourcesListChangedParams struct {
	Added   []Resource `json:"added,omitempty"`
	Removed []string   `json:"removed,omitempty"`
}
