// Package capwire implements a bidirectional request/notification engine
// over JSON-RPC 2.0 framing: capability negotiation, request correlation,
// tool and resource registries, resource subscriptions and keyed connection
// pooling.
package capwire

import (
	"github.com/capwire/capwire-go/pkg/client"
	"github.com/capwire/capwire-go/pkg/protocol"
	"github.com/capwire/capwire-go/pkg/server"
	"github.com/capwire/capwire-go/pkg/transport"
)

// Version is the current engine version
const Version = "1.0.0"

// These exports provide direct access to the core components
var (
	// NewClient creates a client over an established transport
	NewClient = client.New

	// NewServer creates a server over an empty registry
	NewServer = server.New

	// NewPool creates a keyed connection pool over a dialer
	NewPool = client.NewPool

	// NewStdioTransport frames messages over stdin/stdout
	NewStdioTransport = transport.NewStdioTransport

	// NewStreamTransport frames messages over an arbitrary reader/writer pair
	NewStreamTransport = transport.NewStreamTransport

	// NewPipe creates a connected in-memory transport pair
	NewPipe = transport.NewPipe
)

// Default configurations
var (
	DefaultClientConfig = client.DefaultConfig
	DefaultServerConfig = server.DefaultConfig
	DefaultPoolConfig   = client.DefaultPoolConfig
)

// Negotiable capabilities
const (
	CapabilityTools         = protocol.CapabilityTools
	CapabilityResources     = protocol.CapabilityResources
	CapabilitySubscriptions = protocol.CapabilitySubscriptions
	CapabilityBatch         = protocol.CapabilityBatch
	CapabilityStreaming     = protocol.CapabilityStreaming
	CapabilityCancellation  = protocol.CapabilityCancellation
	CapabilityPagination    = protocol.CapabilityPagination
)
