package server

import (
	"context"
	"encoding/json"

	"github.com/capwire/capwire-go/pkg/connection"
	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/pagination"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// bindHandlers registers the standard method surface on one connection
func (s *Server) bindHandlers(conn *connection.Connection) {
	conn.RegisterRequestHandler(protocol.MethodListTools, s.handleListTools)
	conn.RegisterRequestHandler(protocol.MethodGetToolSchema, s.handleGetToolSchema)
	conn.RegisterRequestHandler(protocol.MethodCallTool, s.callToolHandler(conn))
	conn.RegisterRequestHandler(protocol.MethodListResources, s.handleListResources)
	conn.RegisterRequestHandler(protocol.MethodReadResource, s.handleReadResource)
	conn.RegisterRequestHandler(protocol.MethodSubscribeResource, s.subscribeHandler(conn))
	conn.RegisterRequestHandler(protocol.MethodUnsubscribeResource, s.unsubscribeHandler(conn))
}

func (s *Server) handleListTools(_ context.Context, req *protocol.Request) (interface{}, error) {
	var params protocol.ListToolsParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}

	page, next, more, err := pagination.Slice(s.registry.ListTools(), params.Limit, params.Cursor)
	if err != nil {
		return nil, wireerrors.InvalidParamsError(err.Error())
	}
	return protocol.ListToolsResult{
		Tools:            page,
		PaginationResult: protocol.PaginationResult{NextCursor: next, HasMore: more},
	}, nil
}

func (s *Server) handleGetToolSchema(_ context.Context, req *protocol.Request) (interface{}, error) {
	var params protocol.GetToolSchemaParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	tool, ok := s.registry.Tool(params.Name)
	if !ok {
		return nil, wireerrors.MethodNotFoundError("tools/get_schema:" + params.Name)
	}
	return protocol.GetToolSchemaResult{Tool: tool}, nil
}

// callToolHandler serves tools/call. Synchronous tools answer with the
// result inline. Streaming tools answer immediately with a call id, then
// chunks flow as notifications until the terminal marker.
func (s *Server) callToolHandler(conn *connection.Connection) connection.RequestHandler {
	return func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		var params protocol.CallToolParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, wireerrors.InvalidParamsError("tool name must not be empty")
		}

		tool, ok := s.registry.Tool(params.Name)
		if !ok {
			return nil, wireerrors.MethodNotFoundError("tools/call:" + params.Name)
		}

		if tool.Streaming && conn.Capabilities().Has(protocol.CapabilityStreaming) {
			// Schema violations answer the call directly; the stream never
			// starts.
			if err := s.registry.ValidateToolArgs(params.Name, params.Args); err != nil {
				return nil, err
			}
			callID := streamCallID(req.ID)
			// Chunks outlive this handler, so the stream context detaches
			// from the request and follows the connection lifetime instead.
			streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			go func() {
				select {
				case <-conn.Done():
					cancel()
				case <-streamCtx.Done():
				}
			}()
			go func() {
				defer cancel()
				err := s.registry.InvokeStreaming(streamCtx, params.Name, callID, params.Args,
					func(chunk protocol.ToolStreamChunkParams) {
						_ = conn.Notify(protocol.MethodToolStreamChunk, chunk)
					})
				if err != nil {
					s.logger.WithError(err).Warn("streaming invocation rejected")
				}
			}()
			return protocol.CallToolResult{CallID: callID}, nil
		}

		result, err := s.registry.Invoke(ctx, params.Name, params.Args)
		if err != nil {
			return nil, err
		}
		return protocol.CallToolResult{Result: result}, nil
	}
}

func (s *Server) handleListResources(_ context.Context, req *protocol.Request) (interface{}, error) {
	var params protocol.ListResourcesParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}

	page, next, more, err := pagination.Slice(s.registry.ListResources(), params.Limit, params.Cursor)
	if err != nil {
		return nil, wireerrors.InvalidParamsError(err.Error())
	}
	return protocol.ListResourcesResult{
		Resources:        page,
		PaginationResult: protocol.PaginationResult{NextCursor: next, HasMore: more},
	}, nil
}

func (s *Server) handleReadResource(ctx context.Context, req *protocol.Request) (interface{}, error) {
	var params protocol.ReadResourceParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, wireerrors.InvalidParamsError("resource uri must not be empty")
	}
	contents, err := s.registry.ReadResource(ctx, params.URI)
	if err != nil {
		return nil, err
	}
	return protocol.ReadResourceResult{Contents: *contents}, nil
}

func (s *Server) subscribeHandler(conn *connection.Connection) connection.RequestHandler {
	return func(_ context.Context, req *protocol.Request) (interface{}, error) {
		if !conn.Capabilities().Has(protocol.CapabilitySubscriptions) {
			return nil, wireerrors.NotNegotiatedError(protocol.MethodSubscribeResource)
		}
		var params protocol.SubscribeResourceParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := s.subs.Subscribe(conn.ID(), params.URI); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}
}

func (s *Server) unsubscribeHandler(conn *connection.Connection) connection.RequestHandler {
	return func(_ context.Context, req *protocol.Request) (interface{}, error) {
		var params protocol.UnsubscribeResourceParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := s.subs.Unsubscribe(conn.ID(), params.URI); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}
}

// unmarshalParams decodes request params, mapping decode failures to
// InvalidParams. Absent params decode as the zero value.
func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return wireerrors.InvalidParamsError("malformed params: " + err.Error())
	}
	return nil
}
