// Package client provides the calling side of the engine: a typed facade
// over one connection for tool invocation, resource reads and
// subscriptions, plus a keyed connection pool.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/capwire/capwire-go/pkg/connection"
	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
	"github.com/capwire/capwire-go/pkg/transport"
)

// ResourceUpdateHandler receives updated notifications for a subscribed URI
type ResourceUpdateHandler func(params protocol.ResourceUpdatedParams)

// ListChangedHandler receives tools or resources list_changed notifications
type ListChangedHandler func(method string, params json.RawMessage)

// Config carries client identity and per-connection tuning
type Config struct {
	// Info identifies this client during negotiation
	Info protocol.PeerInfo

	// Capabilities advertised during negotiation
	Capabilities protocol.CapabilitySet

	// Connection is the tuning template for the underlying connection.
	// Role, Info and Capabilities are overwritten from the fields above.
	Connection connection.Config

	Logger  logging.Logger
	Metrics connection.Metrics
}

// DefaultConfig returns a client configuration advertising the full
// capability surface.
func DefaultConfig(info protocol.PeerInfo) Config {
	return Config{
		Info: info,
		Capabilities: protocol.CapabilitySet{
			protocol.CapabilityTools:         true,
			protocol.CapabilityResources:     true,
			protocol.CapabilitySubscriptions: true,
			protocol.CapabilityBatch:         true,
			protocol.CapabilityStreaming:     true,
			protocol.CapabilityCancellation:  true,
			protocol.CapabilityPagination:    true,
		},
		Connection: connection.DefaultConfig(connection.RoleClient),
	}
}

// Client drives one client-role connection
type Client struct {
	conn   *connection.Connection
	logger logging.Logger

	mu             sync.RWMutex
	updateHandlers map[string]ResourceUpdateHandler
	onListChanged  ListChangedHandler
	streams        map[string]chan protocol.ToolStreamChunkParams
}

// New creates a client over an established transport. Connect must be
// called before any operation.
func New(t transport.Transport, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNoopLogger()
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = DefaultConfig(cfg.Info).Capabilities
	}

	connCfg := cfg.Connection
	connCfg.Role = connection.RoleClient
	connCfg.Info = cfg.Info
	connCfg.Capabilities = cfg.Capabilities
	if connCfg.Logger == nil {
		connCfg.Logger = cfg.Logger
	}
	if connCfg.Metrics == nil {
		connCfg.Metrics = cfg.Metrics
	}

	c := &Client{
		conn:           connection.New(t, connCfg),
		logger:         cfg.Logger,
		updateHandlers: make(map[string]ResourceUpdateHandler),
		streams:        make(map[string]chan protocol.ToolStreamChunkParams),
	}
	c.bindNotifications()
	return c
}

// Connect starts the connection and performs negotiation
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Start(ctx); err != nil {
		return err
	}
	return c.conn.Negotiate(ctx)
}

// Connection exposes the underlying connection
func (c *Client) Connection() *connection.Connection {
	return c.conn
}

// Capabilities returns the negotiated capability set
func (c *Client) Capabilities() protocol.CapabilitySet {
	return c.conn.Capabilities()
}

// Close tears the connection down immediately
func (c *Client) Close() error {
	return c.conn.Close()
}

// Drain lets in-flight calls finish before closing
func (c *Client) Drain(ctx context.Context) error {
	return c.conn.Drain(ctx)
}

// Ping performs one liveness round-trip
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// ListTools fetches one page of the remote tool catalog
func (c *Client) ListTools(ctx context.Context, page protocol.PaginationParams) (*protocol.ListToolsResult, error) {
	resp, err := c.conn.Call(ctx, protocol.MethodListTools,
		protocol.ListToolsParams{PaginationParams: page})
	if err != nil {
		return nil, err
	}
	var result protocol.ListToolsResult
	if err := unmarshalResult(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListAllTools walks the cursor chain until the catalog is exhausted
func (c *Client) ListAllTools(ctx context.Context) ([]protocol.Tool, error) {
	var tools []protocol.Tool
	var cursor string
	for {
		result, err := c.ListTools(ctx, protocol.PaginationParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if !result.HasMore {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// GetToolSchema fetches the registered descriptor for one tool
func (c *Client) GetToolSchema(ctx context.Context, name string) (*protocol.Tool, error) {
	resp, err := c.conn.Call(ctx, protocol.MethodGetToolSchema,
		protocol.GetToolSchemaParams{Name: name})
	if err != nil {
		return nil, err
	}
	var result protocol.GetToolSchemaResult
	if err := unmarshalResult(resp, &result); err != nil {
		return nil, err
	}
	return &result.Tool, nil
}

// CallTool invokes a remote tool and returns its result
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (json.RawMessage, error) {
	return c.callTool(ctx, name, args, 0)
}

// CallToolWithTimeout invokes a remote tool with an explicit deadline.
// On timeout the pending call retires locally; a result the peer produces
// afterwards is discarded.
func (c *Client) CallToolWithTimeout(ctx context.Context, name string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	return c.callTool(ctx, name, args, timeout)
}

func (c *Client) callTool(ctx context.Context, name string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	rawArgs, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	params := protocol.CallToolParams{Name: name, Args: rawArgs}

	var resp *protocol.Response
	if timeout > 0 {
		resp, err = c.conn.CallWithTimeout(ctx, protocol.MethodCallTool, params, timeout)
	} else {
		resp, err = c.conn.Call(ctx, protocol.MethodCallTool, params)
	}
	if err != nil {
		return nil, err
	}
	var result protocol.CallToolResult
	if err := unmarshalResult(resp, &result); err != nil {
		return nil, err
	}
	return result.Result, nil
}

// CallToolStreaming invokes a streaming tool. The returned channel delivers
// chunks in sequence order and closes after the terminal marker; a terminal
// error chunk carries the failure.
func (c *Client) CallToolStreaming(ctx context.Context, name string, args interface{}) (<-chan protocol.ToolStreamChunkParams, error) {
	if !c.conn.Capabilities().Has(protocol.CapabilityStreaming) {
		return nil, wireerrors.NotNegotiatedError(string(protocol.CapabilityStreaming))
	}
	rawArgs, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}

	resp, err := c.conn.Call(ctx, protocol.MethodCallTool,
		protocol.CallToolParams{Name: name, Args: rawArgs})
	if err != nil {
		return nil, err
	}
	var result protocol.CallToolResult
	if err := unmarshalResult(resp, &result); err != nil {
		return nil, err
	}
	if result.CallID == "" {
		// The tool was not streaming after all; deliver the single result
		// as one chunk so callers see a uniform shape.
		ch := make(chan protocol.ToolStreamChunkParams, 2)
		ch <- protocol.ToolStreamChunkParams{CallID: "", Seq: 1, Chunk: result.Result}
		ch <- protocol.ToolStreamChunkParams{Seq: 2, Done: true}
		close(ch)
		return ch, nil
	}

	ch := make(chan protocol.ToolStreamChunkParams, 64)
	c.mu.Lock()
	c.streams[result.CallID] = ch
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.conn.Done():
		}
		c.closeStream(result.CallID)
	}()
	return ch, nil
}

// closeStream unregisters and closes a stream channel exactly once
func (c *Client) closeStream(callID string) {
	c.mu.Lock()
	ch, ok := c.streams[callID]
	if ok {
		delete(c.streams, callID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// ListResources fetches one page of the remote resource catalog
func (c *Client) ListResources(ctx context.Context, page protocol.PaginationParams) (*protocol.ListResourcesResult, error) {
	resp, err := c.conn.Call(ctx, protocol.MethodListResources,
		protocol.ListResourcesParams{PaginationParams: page})
	if err != nil {
		return nil, err
	}
	var result protocol.ListResourcesResult
	if err := unmarshalResult(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource fetches the current contents of a remote resource
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ResourceContents, error) {
	resp, err := c.conn.Call(ctx, protocol.MethodReadResource,
		protocol.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var result protocol.ReadResourceResult
	if err := unmarshalResult(resp, &result); err != nil {
		return nil, err
	}
	return &result.Contents, nil
}

// Subscribe registers for updated notifications on a URI. The handler runs
// on the notification dispatch path and must not block.
func (c *Client) Subscribe(ctx context.Context, uri string, handler ResourceUpdateHandler) error {
	if !c.conn.Capabilities().Has(protocol.CapabilitySubscriptions) {
		return wireerrors.NotNegotiatedError(string(protocol.CapabilitySubscriptions))
	}
	if handler == nil {
		return wireerrors.InvalidParamsError("update handler must not be nil")
	}
	if _, err := c.conn.Call(ctx, protocol.MethodSubscribeResource,
		protocol.SubscribeResourceParams{URI: uri}); err != nil {
		return err
	}
	c.mu.Lock()
	c.updateHandlers[uri] = handler
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription on a URI
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	if _, err := c.conn.Call(ctx, protocol.MethodUnsubscribeResource,
		protocol.UnsubscribeResourceParams{URI: uri}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.updateHandlers, uri)
	c.mu.Unlock()
	return nil
}

// OnListChanged sets the handler for tools and resources list_changed
// notifications.
func (c *Client) OnListChanged(handler ListChangedHandler) {
	c.mu.Lock()
	c.onListChanged = handler
	c.mu.Unlock()
}

// CallBatch sends requests and notifications as one wire-level unit
func (c *Client) CallBatch(ctx context.Context, batch *protocol.BatchRequest) (*protocol.BatchResponse, error) {
	return c.conn.CallBatch(ctx, batch)
}

// bindNotifications routes server-initiated notifications to their
// handlers.
func (c *Client) bindNotifications() {
	c.conn.RegisterNotificationHandler(protocol.MethodResourceUpdated,
		func(_ context.Context, n *protocol.Notification) error {
			var params protocol.ResourceUpdatedParams
			if err := json.Unmarshal(n.Params, &params); err != nil {
				return wireerrors.InvalidParamsError("malformed updated notification: " + err.Error())
			}
			c.mu.RLock()
			handler, ok := c.updateHandlers[params.URI]
			c.mu.RUnlock()
			if ok {
				handler(params)
			}
			return nil
		})

	c.conn.RegisterNotificationHandler(protocol.MethodToolStreamChunk,
		func(_ context.Context, n *protocol.Notification) error {
			var chunk protocol.ToolStreamChunkParams
			if err := json.Unmarshal(n.Params, &chunk); err != nil {
				return wireerrors.InvalidParamsError("malformed stream chunk: " + err.Error())
			}
			c.mu.RLock()
			ch, ok := c.streams[chunk.CallID]
			c.mu.RUnlock()
			if !ok {
				c.logger.Debug("chunk for unknown stream",
					logging.String("call_id", chunk.CallID))
				return nil
			}
			select {
			case ch <- chunk:
			default:
				c.logger.Warn("stream buffer full, dropping chunk",
					logging.String("call_id", chunk.CallID),
					logging.Int("seq", chunk.Seq))
			}
			if chunk.Done || chunk.Error != nil {
				c.closeStream(chunk.CallID)
			}
			return nil
		})

	listChanged := func(_ context.Context, n *protocol.Notification) error {
		c.mu.RLock()
		handler := c.onListChanged
		c.mu.RUnlock()
		if handler != nil {
			handler(n.Method, n.Params)
		}
		return nil
	}
	c.conn.RegisterNotificationHandler(protocol.MethodToolsListChanged, listChanged)
	c.conn.RegisterNotificationHandler(protocol.MethodResourcesListChanged, listChanged)
}

// unmarshalResult decodes a success response's result member
func unmarshalResult(resp *protocol.Response, v interface{}) error {
	if len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, v); err != nil {
		return wireerrors.ProtocolViolation("malformed result: " + err.Error())
	}
	return nil
}

// marshalArgs normalizes tool arguments to raw JSON
func marshalArgs(args interface{}) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, wireerrors.InvalidParamsError("args are not marshalable: " + err.Error())
		}
		return data, nil
	}
}
