// Package connection implements one negotiated session over one transport
// instance: the lifecycle state machine, capability negotiation, the
// dispatch loop, liveness checking and graceful drain.
package connection

// State is the lifecycle state of a connection. Transitions:
// Connecting -> Negotiating -> Ready -> Draining -> Closed, with a direct
// jump to Closed from Negotiating or Ready on fatal error.
type State int32

const (
	// StateConnecting means the transport is established but no messages
	// have been exchanged
	StateConnecting State = iota
	// StateNegotiating means the initialize exchange is in progress; any
	// other method in this state is a protocol violation
	StateNegotiating
	// StateReady means full bidirectional traffic is permitted
	StateReady
	// StateDraining means no new outbound requests are accepted; in-flight
	// ones may complete up to the grace deadline
	StateDraining
	// StateClosed is terminal: all pending calls resolved with
	// ConnectionClosed, all subscriptions removed
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role determines which method categories a connection serves
type Role int

const (
	// RoleClient initiates negotiation and invokes remote capabilities
	RoleClient Role = iota
	// RoleServer accepts negotiation and serves its local registry
	RoleServer
)

// String returns the role name
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}
