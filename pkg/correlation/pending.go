// Package correlation tracks in-flight requests by id and matches responses
// to them. Each connection owns one Table; pending calls retire on matching
// response, timeout, cancellation or connection close.
package correlation

import (
	"context"
	"time"

	"github.com/capwire/capwire-go/pkg/protocol"
)

// OutcomeKind classifies how a pending call resolved
type OutcomeKind int

const (
	// OutcomeResult means a matching response arrived
	OutcomeResult OutcomeKind = iota
	// OutcomeTimeout means the call passed its deadline
	OutcomeTimeout
	// OutcomeCancelled means the caller cancelled before resolution
	OutcomeCancelled
	// OutcomeClosed means the owning connection closed
	OutcomeClosed
)

// String returns the outcome kind name
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResult:
		return "result"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is the resolution of a pending call. Response is set only for
// OutcomeResult; Err carries the typed failure otherwise.
type Outcome struct {
	Kind     OutcomeKind
	Response *protocol.Response
	Err      error
}

// PendingCall is the bookkeeping entry for one outstanding request. It is
// owned exclusively by the Table that registered it.
type PendingCall struct {
	ID       interface{}
	IssuedAt time.Time
	Deadline time.Time

	key       string
	done      chan Outcome
	heapIndex int
}

// Done returns the channel the outcome is delivered on. It receives exactly
// one value.
func (p *PendingCall) Done() <-chan Outcome {
	return p.done
}

// Wait blocks until the call resolves or the context is cancelled. A context
// cancellation does not retire the table entry; callers that give up should
// also call Table.Cancel.
func (p *PendingCall) Wait(ctx context.Context) (Outcome, error) {
	select {
	case outcome := <-p.done:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// resolve delivers the outcome. The buffered channel makes delivery
// non-blocking; a call resolves at most once.
func (p *PendingCall) resolve(outcome Outcome) {
	p.done <- outcome
}
