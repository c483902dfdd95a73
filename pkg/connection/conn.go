package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/capwire/capwire-go/pkg/correlation"
	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
	"github.com/capwire/capwire-go/pkg/transport"
)

// Connection owns one transport instance, one correlation table and one
// negotiated capability set. It is created on transport establishment and
// destroyed on transport close, explicit shutdown or fatal protocol
// violation.
type Connection struct {
	id     string
	cfg    Config
	framer *transport.Framer
	table  *correlation.Table
	logger logging.Logger

	state atomic.Int32

	mu            sync.RWMutex
	negotiated    protocol.CapabilitySet
	remote        *protocol.PeerInfo
	handlers      map[string]RequestHandler
	notifHandlers map[string]NotificationHandler
	inflight      map[string]context.CancelFunc
	retired       map[string]time.Time
	onClose       []func(*Connection)

	workers *semaphore.Weighted
	idSeq   atomic.Int64

	missedPings atomic.Int32

	readyCh   chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New creates a connection over an established transport. Start must be
// called before any traffic flows.
func New(t transport.Transport, cfg Config) *Connection {
	cfg.withDefaults()
	id := uuid.NewString()
	logger := cfg.Logger.WithFields(
		logging.String("connection_id", id),
		logging.String("role", cfg.Role.String()))

	return &Connection{
		id:            id,
		cfg:           cfg,
		framer:        transport.NewFramer(t, logger),
		table:         correlation.NewTable(),
		logger:        logger,
		handlers:      make(map[string]RequestHandler),
		notifHandlers: make(map[string]NotificationHandler),
		inflight:      make(map[string]context.CancelFunc),
		retired:       make(map[string]time.Time),
		workers:       semaphore.NewWeighted(cfg.WorkerLimit),
		readyCh:       make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// ID returns the connection's unique identifier
func (c *Connection) ID() string { return c.id }

// Role returns the configured role
func (c *Connection) Role() Role { return c.cfg.Role }

// State returns the current lifecycle state
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Ready returns a channel closed once negotiation completes
func (c *Connection) Ready() <-chan struct{} { return c.readyCh }

// Done returns a channel closed when the connection reaches Closed
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the close reason once the connection closed
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Capabilities returns the negotiated capability set. Empty until
// negotiation completes; immutable afterwards.
func (c *Connection) Capabilities() protocol.CapabilitySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.negotiated == nil {
		return protocol.CapabilitySet{}
	}
	return c.negotiated.Clone()
}

// RemotePeer returns the peer info learned during negotiation
func (c *Connection) RemotePeer() *protocol.PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// RegisterRequestHandler registers a handler for incoming requests on a
// method. Configured middleware wraps the handler here.
func (c *Connection) RegisterRequestHandler(method string, handler RequestHandler) {
	for i := len(c.cfg.Middleware) - 1; i >= 0; i-- {
		handler = c.cfg.Middleware[i](method, handler)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

// RegisterNotificationHandler registers a handler for incoming
// notifications on a method
func (c *Connection) RegisterNotificationHandler(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifHandlers[method] = handler
}

// OnClose registers a hook invoked once when the connection closes
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Start transitions to Negotiating and launches the dispatch, sweep and
// liveness loops. It does not block; use Negotiate (client role) or Ready
// to await the handshake.
func (c *Connection) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateNegotiating)) {
		return wireerrors.InternalError(fmt.Sprintf("start in state %s", c.State()))
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.loopCancel = cancel

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordConnectionState("open")
	}

	c.loopWG.Add(2)
	go c.dispatchLoop(loopCtx)
	go c.sweepLoop(loopCtx)
	if c.cfg.PingInterval > 0 {
		c.loopWG.Add(1)
		go c.pingLoop(loopCtx)
	}
	return nil
}

// Negotiate performs the client side of the initialize exchange. Exactly
// one exchange is permitted; the resulting capability set is fixed for the
// connection's lifetime.
func (c *Connection) Negotiate(ctx context.Context) error {
	if c.cfg.Role != RoleClient {
		return wireerrors.InternalError("negotiate called on server-role connection")
	}
	if c.State() != StateNegotiating {
		return wireerrors.ProtocolViolation(
			fmt.Sprintf("negotiate in state %s", c.State()))
	}

	params := protocol.InitializeParams{
		ProtocolRevision: protocol.ProtocolRevision,
		Capabilities:     c.cfg.Capabilities,
		ClientInfo:       &c.cfg.Info,
	}
	resp, err := c.call(ctx, protocol.MethodInitialize, params, c.cfg.DefaultTimeout, true)
	if err != nil {
		c.closeWithReason(wireerrors.Wrap(err, wireerrors.CodeConnectionClosed,
			"negotiation failed", wireerrors.CategoryProtocol, wireerrors.SeverityError))
		return err
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		violation := wireerrors.ProtocolViolation("malformed initialize result: " + err.Error())
		c.closeWithReason(violation)
		return violation
	}
	if result.ProtocolRevision == "" {
		violation := wireerrors.ProtocolViolation("initialize result missing protocolRevision")
		c.closeWithReason(violation)
		return violation
	}

	c.mu.Lock()
	c.negotiated = c.cfg.Capabilities.Intersect(result.Capabilities)
	c.remote = result.ServerInfo
	c.mu.Unlock()

	if err := c.Notify(protocol.MethodInitialized, protocol.InitializedParams{}); err != nil {
		return err
	}

	c.becomeReady()
	c.logger.Info("negotiation complete",
		logging.String("revision", result.ProtocolRevision),
		logging.Int("capabilities", len(c.Capabilities())))
	return nil
}

// becomeReady transitions Negotiating -> Ready exactly once
func (c *Connection) becomeReady() {
	if c.state.CompareAndSwap(int32(StateNegotiating), int32(StateReady)) {
		c.readyOnce.Do(func() { close(c.readyCh) })
	}
}

// Drain stops accepting new outbound requests, lets in-flight calls finish
// up to the grace deadline, then closes.
func (c *Connection) Drain(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateDraining)) {
		return c.Close()
	}
	c.logger.Info("draining", logging.Int("in_flight", c.table.Len()))

	deadline := time.NewTimer(c.cfg.DrainGrace)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for c.table.Len() > 0 {
		select {
		case <-ctx.Done():
			c.closeWithReason(wireerrors.ConnectionClosedError(c.id))
			return ctx.Err()
		case <-deadline.C:
			c.logger.Warn("drain grace expired", logging.Int("in_flight", c.table.Len()))
			c.closeWithReason(wireerrors.ConnectionClosedError(c.id))
			return nil
		case <-c.done:
			return nil
		case <-tick.C:
		}
	}
	c.closeWithReason(nil)
	return nil
}

// Close tears the connection down immediately. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeWithReason(nil)
	return nil
}

// closeWithReason is the single path to Closed. All pending calls resolve
// with ConnectionClosed and registered close hooks fire exactly once.
func (c *Connection) closeWithReason(reason error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = reason

		if reason != nil {
			c.logger.WithError(reason).Warn("connection closed")
		} else {
			c.logger.Info("connection closed")
		}

		c.table.CloseAll(c.id)
		_ = c.framer.Close()
		if c.loopCancel != nil {
			c.loopCancel()
		}

		// Cancel contexts of inbound requests still executing.
		c.mu.Lock()
		for _, cancel := range c.inflight {
			cancel()
		}
		c.inflight = make(map[string]context.CancelFunc)
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		// Unblock negotiation waiters.
		c.readyOnce.Do(func() { close(c.readyCh) })
		close(c.done)

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordConnectionState("closed")
		}
		for _, hook := range hooks {
			hook(c)
		}
	})
}

// fatal closes the connection on a protocol violation or transport error
func (c *Connection) fatal(err error) {
	c.closeWithReason(err)
}

// nextID generates a request id unique among this connection's pending
// requests
func (c *Connection) nextID() string {
	return fmt.Sprintf("%s-%d", c.id[:8], c.idSeq.Add(1))
}

// markRetired remembers an id whose pending call was retired locally, so
// the peer's eventual late response is discarded silently instead of being
// treated as an orphan.
func (c *Connection) markRetired(id interface{}) {
	c.mu.Lock()
	c.retired[protocol.IDKey(id)] = time.Now().Add(c.cfg.RetiredTTL)
	c.mu.Unlock()
}

func (c *Connection) isRetired(id interface{}) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.retired[protocol.IDKey(id)]
	return ok
}

// pruneRetired drops retired entries past their TTL. Called from the sweep
// loop.
func (c *Connection) pruneRetired(now time.Time) {
	c.mu.Lock()
	for key, expiry := range c.retired {
		if expiry.Before(now) {
			delete(c.retired, key)
		}
	}
	c.mu.Unlock()
}
