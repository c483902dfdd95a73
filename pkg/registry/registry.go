// Package registry holds the server-side catalog of invocable tools and
// readable resources. Lookup is O(1) case-sensitive exact match; names and
// URIs are never silently reassigned — re-registration requires an explicit
// replace and triggers a list_changed notification.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// ToolHandler is a synchronous tool callable. It receives args already
// validated against the tool's inputSchema.
type ToolHandler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// StreamingToolHandler produces incremental results through the stream. The
// engine emits the terminal marker when the handler returns, or an error
// chunk when it fails.
type StreamingToolHandler func(ctx context.Context, args json.RawMessage, stream *ToolStream) error

// ResourceReader resolves the current contents of a registered resource
type ResourceReader func(ctx context.Context, uri string) (*protocol.ResourceContents, error)

type registeredTool struct {
	descriptor protocol.Tool
	handler    ToolHandler
	streaming  StreamingToolHandler
	schema     *jsonschema.Schema
}

type registeredResource struct {
	descriptor protocol.Resource
	reader     ResourceReader
}

// Registry is the tool and resource catalog for one server instance.
// Reads dominate; registration and replacement serialize against lookups
// behind the RWMutex.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*registeredTool
	resources map[string]*registeredResource
	logger    logging.Logger

	onToolsChanged     func(protocol.ToolsListChangedParams)
	onResourcesChanged func(protocol.ResourcesListChangedParams)
	onResourceRemoved  func(uri string)
}

// New creates an empty registry
func New(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Registry{
		tools:     make(map[string]*registeredTool),
		resources: make(map[string]*registeredResource),
		logger:    logger,
	}
}

// OnToolsChanged sets the hook fired after tool registration changes
func (r *Registry) OnToolsChanged(fn func(protocol.ToolsListChangedParams)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onToolsChanged = fn
}

// OnResourcesChanged sets the hook fired after resource registration changes
func (r *Registry) OnResourcesChanged(fn func(protocol.ResourcesListChangedParams)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResourcesChanged = fn
}

// OnResourceRemoved sets the hook fired when a URI leaves the registry, so
// subscriptions on it can cascade down.
func (r *Registry) OnResourceRemoved(fn func(uri string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResourceRemoved = fn
}

// RegisterOption configures a registration call
type RegisterOption func(*registerOptions)

type registerOptions struct {
	replace bool
}

// WithReplace allows re-registering an existing name or URI with a new
// descriptor. The replacement fires a list_changed notification.
func WithReplace() RegisterOption {
	return func(o *registerOptions) { o.replace = true }
}

// RegisterTool adds a synchronous tool to the catalog
func (r *Registry) RegisterTool(descriptor protocol.Tool, handler ToolHandler, opts ...RegisterOption) error {
	if handler == nil {
		return wireerrors.InvalidParamsError("tool handler must not be nil")
	}
	return r.registerTool(descriptor, &registeredTool{descriptor: descriptor, handler: handler}, opts)
}

// RegisterStreamingTool adds a streaming tool to the catalog
func (r *Registry) RegisterStreamingTool(descriptor protocol.Tool, handler StreamingToolHandler, opts ...RegisterOption) error {
	if handler == nil {
		return wireerrors.InvalidParamsError("tool handler must not be nil")
	}
	descriptor.Streaming = true
	return r.registerTool(descriptor, &registeredTool{descriptor: descriptor, streaming: handler}, opts)
}

func (r *Registry) registerTool(descriptor protocol.Tool, entry *registeredTool, opts []RegisterOption) error {
	if descriptor.Name == "" {
		return wireerrors.InvalidParamsError("tool name must not be empty")
	}
	var options registerOptions
	for _, opt := range opts {
		opt(&options)
	}

	if len(descriptor.InputSchema) > 0 {
		schema, err := compileSchema(descriptor.Name, descriptor.InputSchema)
		if err != nil {
			return wireerrors.InvalidParamsError(
				fmt.Sprintf("invalid inputSchema for tool %q: %v", descriptor.Name, err))
		}
		entry.schema = schema
	}

	r.mu.Lock()
	existing, exists := r.tools[descriptor.Name]
	if exists && !options.replace {
		r.mu.Unlock()
		if reflect.DeepEqual(existing.descriptor, descriptor) {
			// Same descriptor again is a no-op, not a conflict.
			return nil
		}
		return wireerrors.DuplicateNameError("tool", descriptor.Name)
	}
	r.tools[descriptor.Name] = entry
	notify := r.onToolsChanged
	r.mu.Unlock()

	r.logger.Info("tool registered",
		logging.String("tool", descriptor.Name),
		logging.Bool("replaced", exists))

	if notify != nil {
		change := protocol.ToolsListChangedParams{Added: []protocol.Tool{descriptor}}
		if exists {
			change.Removed = []string{descriptor.Name}
		}
		notify(change)
	}
	return nil
}

// RemoveTool removes a tool from the catalog
func (r *Registry) RemoveTool(name string) bool {
	r.mu.Lock()
	_, exists := r.tools[name]
	if exists {
		delete(r.tools, name)
	}
	notify := r.onToolsChanged
	r.mu.Unlock()

	if exists && notify != nil {
		notify(protocol.ToolsListChangedParams{Removed: []string{name}})
	}
	return exists
}

// Tool returns the descriptor registered under a name
func (r *Registry) Tool(name string) (protocol.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return protocol.Tool{}, false
	}
	return entry.descriptor, true
}

// ListTools returns all registered descriptors, sorted by name
func (r *Registry) ListTools() []protocol.Tool {
	r.mu.RLock()
	tools := make([]protocol.Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		tools = append(tools, entry.descriptor)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// RegisterResource adds a readable resource to the catalog
func (r *Registry) RegisterResource(descriptor protocol.Resource, reader ResourceReader, opts ...RegisterOption) error {
	if descriptor.URI == "" {
		return wireerrors.InvalidParamsError("resource uri must not be empty")
	}
	if reader == nil {
		return wireerrors.InvalidParamsError("resource reader must not be nil")
	}
	var options registerOptions
	for _, opt := range opts {
		opt(&options)
	}

	r.mu.Lock()
	existing, exists := r.resources[descriptor.URI]
	if exists && !options.replace {
		r.mu.Unlock()
		if reflect.DeepEqual(existing.descriptor, descriptor) {
			return nil
		}
		return wireerrors.DuplicateNameError("resource", descriptor.URI)
	}
	r.resources[descriptor.URI] = &registeredResource{descriptor: descriptor, reader: reader}
	notify := r.onResourcesChanged
	r.mu.Unlock()

	r.logger.Info("resource registered",
		logging.String("uri", descriptor.URI),
		logging.Bool("replaced", exists))

	if notify != nil {
		change := protocol.ResourcesListChangedParams{Added: []protocol.Resource{descriptor}}
		if exists {
			change.Removed = []string{descriptor.URI}
		}
		notify(change)
	}
	return nil
}

// RemoveResource removes a URI from the catalog. Removal cascades to
// subscription teardown through the OnResourceRemoved hook.
func (r *Registry) RemoveResource(uri string) bool {
	r.mu.Lock()
	_, exists := r.resources[uri]
	if exists {
		delete(r.resources, uri)
	}
	notifyChanged := r.onResourcesChanged
	notifyRemoved := r.onResourceRemoved
	r.mu.Unlock()

	if !exists {
		return false
	}
	if notifyRemoved != nil {
		notifyRemoved(uri)
	}
	if notifyChanged != nil {
		notifyChanged(protocol.ResourcesListChangedParams{Removed: []string{uri}})
	}
	return true
}

// Resource returns the descriptor registered under a URI
func (r *Registry) Resource(uri string) (protocol.Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.resources[uri]
	if !ok {
		return protocol.Resource{}, false
	}
	return entry.descriptor, true
}

// HasResource reports whether a URI is registered
func (r *Registry) HasResource(uri string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resources[uri]
	return ok
}

// ListResources returns all registered descriptors, sorted by URI
func (r *Registry) ListResources() []protocol.Resource {
	r.mu.RLock()
	resources := make([]protocol.Resource, 0, len(r.resources))
	for _, entry := range r.resources {
		resources = append(resources, entry.descriptor)
	}
	r.mu.RUnlock()

	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources
}

// ReadResource resolves the current contents of a registered URI
func (r *Registry) ReadResource(ctx context.Context, uri string) (contents *protocol.ResourceContents, err error) {
	r.mu.RLock()
	entry, ok := r.resources[uri]
	r.mu.RUnlock()
	if !ok {
		return nil, wireerrors.ResourceNotFoundError(uri)
	}

	defer func() {
		if rec := recover(); rec != nil {
			contents = nil
			err = wireerrors.InternalError(fmt.Sprintf("resource reader for %q panicked: %v", uri, rec))
		}
	}()
	contents, err = entry.reader(ctx, uri)
	if err != nil {
		return nil, wireerrors.ToolError(uri, err)
	}
	return contents, nil
}

// compileSchema compiles an inline JSON Schema for argument validation
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "capwire:///tools/" + name + "/inputSchema"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// flattenValidationError renders a validation error as a compact detail
// string for the InvalidParams response.
func flattenValidationError(err error) string {
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		var parts []string
		collectValidationCauses(verr, &parts)
		return strings.Join(parts, "; ")
	}
	return err.Error()
}

func collectValidationCauses(err *jsonschema.ValidationError, parts *[]string) {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*parts = append(*parts, fmt.Sprintf("%s: %s", loc, err.Message))
		return
	}
	for _, cause := range err.Causes {
		collectValidationCauses(cause, parts)
	}
}
