// Package server binds a registry and a subscription manager to incoming
// connections and serves the standard method surface: tool listing and
// invocation, resource reads and subscriptions.
package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/capwire/capwire-go/pkg/connection"
	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
	"github.com/capwire/capwire-go/pkg/registry"
	"github.com/capwire/capwire-go/pkg/subscription"
	"github.com/capwire/capwire-go/pkg/transport"
)

// Config carries server identity and per-connection tuning
type Config struct {
	// Info identifies this server during negotiation
	Info protocol.PeerInfo

	// Capabilities advertised to every connecting peer
	Capabilities protocol.CapabilitySet

	// Connection is the template applied to every accepted connection.
	// Role, Info and Capabilities are overwritten from the fields above.
	Connection connection.Config

	// Authorize, when set, gates every incoming request on every connection
	Authorize connection.AuthorizeFunc

	// Middleware wraps every request handler on every connection
	Middleware []connection.Middleware

	Logger  logging.Logger
	Metrics connection.Metrics
}

// DefaultConfig returns a server configuration advertising the full
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
		Connection: connection.DefaultConfig(connection.RoleServer),
	}
}

// Server is one engine instance: one registry, one subscription table, any
// number of connections.
type Server struct {
	cfg      Config
	registry *registry.Registry
	subs     *subscription.Manager
	logger   logging.Logger

	mu     sync.Mutex
	conns  map[string]*connection.Connection
	closed bool
}

// New creates a server over an empty registry
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNoopLogger()
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = DefaultConfig(cfg.Info).Capabilities
	}

	reg := registry.New(cfg.Logger)
	subs := subscription.NewManager(reg, cfg.Logger)

	s := &Server{
		cfg:      cfg,
		registry: reg,
		subs:     subs,
		logger:   cfg.Logger,
		conns:    make(map[string]*connection.Connection),
	}

	// Registry mutations fan out to connected peers.
	reg.OnToolsChanged(func(params protocol.ToolsListChangedParams) {
		subs.PublishListChanged(protocol.MethodToolsListChanged, params)
	})
	reg.OnResourcesChanged(func(params protocol.ResourcesListChangedParams) {
		subs.PublishListChanged(protocol.MethodResourcesListChanged, params)
	})
	reg.OnResourceRemoved(func(uri string) {
		// Subscribers learn of the deletion before their subscriptions
		// cascade away.
		subs.PublishUpdated(protocol.ResourceUpdatedParams{URI: uri, Deleted: true})
		subs.DropResource(uri)
	})

	return s
}

// Registry exposes the tool and resource catalog
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Subscriptions exposes the subscription table
func (s *Server) Subscriptions() *subscription.Manager {
	return s.subs
}

// RegisterTool adds a synchronous tool to the catalog
func (s *Server) RegisterTool(descriptor protocol.Tool, handler registry.ToolHandler, opts ...registry.RegisterOption) error {
	return s.registry.RegisterTool(descriptor, handler, opts...)
}

// RegisterStreamingTool adds a streaming tool to the catalog
func (s *Server) RegisterStreamingTool(descriptor protocol.Tool, handler registry.StreamingToolHandler, opts ...registry.RegisterOption) error {
	return s.registry.RegisterStreamingTool(descriptor, handler, opts...)
}

// RegisterResource adds a readable resource to the catalog
func (s *Server) RegisterResource(descriptor protocol.Resource, reader registry.ResourceReader, opts ...registry.RegisterOption) error {
	return s.registry.RegisterResource(descriptor, reader, opts...)
}

// PublishResourceUpdate notifies every subscriber of a URI that its content
// changed. Delivery is best-effort and never blocks the caller.
func (s *Server) PublishResourceUpdate(uri string, contents *protocol.ResourceContents) error {
	if !s.registry.HasResource(uri) {
		return wireerrors.ResourceNotFoundError(uri)
	}
	s.subs.PublishUpdated(protocol.ResourceUpdatedParams{URI: uri, Contents: contents})
	return nil
}

// Serve accepts one established transport as a new server-role connection.
// It returns once the connection is started; negotiation and traffic run on
// the connection's own goroutines.
func (s *Server) Serve(ctx context.Context, t transport.Transport) (*connection.Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, wireerrors.ConnectionClosedError("")
	}
	s.mu.Unlock()

	cfg := s.cfg.Connection
	cfg.Role = connection.RoleServer
	cfg.Info = s.cfg.Info
	cfg.Capabilities = s.cfg.Capabilities
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = s.cfg.Metrics
	}
	if cfg.Authorize == nil {
		cfg.Authorize = s.cfg.Authorize
	}
	cfg.Middleware = append(s.cfg.Middleware, cfg.Middleware...)

	conn := connection.New(t, cfg)
	s.bindHandlers(conn)

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()

	s.subs.AddConnection(conn.ID(), func(n *protocol.Notification) {
		_ = conn.Notify(n.Method, n.Params)
	})
	conn.OnClose(func(c *connection.Connection) {
		s.subs.RemoveConnection(c.ID())
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
	})

	if err := conn.Start(ctx); err != nil {
		s.subs.RemoveConnection(conn.ID())
		s.mu.Lock()
		delete(s.conns, conn.ID())
		s.mu.Unlock()
		return nil, err
	}

	s.logger.Info("connection accepted",
		logging.String("connection_id", conn.ID()))
	return conn, nil
}

// Connections returns the currently open connections
func (s *Server) Connections() []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown drains every connection and tears the server down. Connections
// that do not drain within their grace period are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			return conn.Drain(gctx)
		})
	}
	err := g.Wait()

	s.subs.Close()
	s.logger.Info("server shut down", logging.Int("connections", len(conns)))
	return err
}

// streamCallID derives the stream correlation id for a tools/call request
func streamCallID(reqID interface{}) string {
	return "call-" + protocol.IDKey(reqID) + "-" + time.Now().Format("150405.000")
}
