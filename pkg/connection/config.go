package connection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// RequestHandler serves one incoming request. The returned value marshals
// into the result member; a returned error becomes the error member.
type RequestHandler func(ctx context.Context, req *protocol.Request) (interface{}, error)

// NotificationHandler serves one incoming notification
type NotificationHandler func(ctx context.Context, n *protocol.Notification) error

// Middleware wraps a request handler. Applied outermost-first at
// registration time.
type Middleware func(method string, next RequestHandler) RequestHandler

// AuthorizeFunc is consulted before dispatching an incoming request. A
// returned error denies the call and maps to a permission-denied response;
// the engine never validates credentials itself.
type AuthorizeFunc func(connectionID, method string, params json.RawMessage) error

// Metrics is the narrow instrumentation surface the connection records
// into. The observability package provides a Prometheus implementation.
type Metrics interface {
	RecordRequest(method, status string, duration time.Duration)
	RecordIncomingRequest(method, status string, duration time.Duration)
	RecordNotification(method string, incoming bool)
	RecordConnectionState(state string)
	RecordPendingCalls(delta int)
}

// Config carries the connection tuning knobs
type Config struct {
	// Role selects client or server behavior during negotiation
	Role Role

	// Info identifies this peer during negotiation
	Info protocol.PeerInfo

	// Capabilities advertised during negotiation. The negotiated set is
	// the intersection with the peer's.
	Capabilities protocol.CapabilitySet

	// DefaultTimeout bounds outbound calls with no caller deadline
	DefaultTimeout time.Duration

	// SweepInterval is the cadence of the correlation expiry sweep
	SweepInterval time.Duration

	// PingInterval is the cadence of the liveness check; zero disables it
	PingInterval time.Duration

	// MaxMissedPings closes the connection after this many consecutive
	// missed replies
	MaxMissedPings int

	// DrainGrace bounds how long Drain waits for in-flight calls
	DrainGrace time.Duration

	// WorkerLimit bounds concurrent incoming request dispatches. Tool
	// calls never run inline on the dispatch loop.
	WorkerLimit int64

	// RetiredTTL is how long retired ids are remembered so late responses
	// after local timeout/cancel are discarded silently
	RetiredTTL time.Duration

	// Authorize, when set, gates every incoming request
	Authorize AuthorizeFunc

	// Middleware wraps every registered request handler
	Middleware []Middleware

	Logger  logging.Logger
	Metrics Metrics
}

// DefaultConfig returns a connection configuration with sensible defaults
func DefaultConfig(role Role) Config {
	return Config{
		Role:           role,
		Capabilities:   protocol.CapabilitySet{},
		DefaultTimeout: 30 * time.Second,
		SweepInterval:  250 * time.Millisecond,
		PingInterval:   30 * time.Second,
		MaxMissedPings: 3,
		DrainGrace:     10 * time.Second,
		WorkerLimit:    64,
		RetiredTTL:     time.Minute,
	}
}

func (c *Config) withDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 250 * time.Millisecond
	}
	if c.MaxMissedPings <= 0 {
		c.MaxMissedPings = 3
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 10 * time.Second
	}
	if c.WorkerLimit <= 0 {
		c.WorkerLimit = 64
	}
	if c.RetiredTTL <= 0 {
		c.RetiredTTL = time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.NewNoopLogger()
	}
	if c.Capabilities == nil {
		c.Capabilities = protocol.CapabilitySet{}
	}
}
