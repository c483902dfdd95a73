package correlation

import (
	"container/heap"
	"sync"
	"time"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// Table is a per-connection correlation table. Registration, resolution and
// the expiry sweep are safe to run concurrently; the mutex is held only for
// the duration of a single lookup or mutation.
type Table struct {
	mu      sync.Mutex
	entries map[string]*PendingCall
	byDue   deadlineHeap
	closed  bool
}

// NewTable creates an empty correlation table
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*PendingCall),
	}
}

// Register creates a pending call for an id. A zero deadline means the call
// never expires by sweep. Registering an id that is still pending is
// rejected; ids may be reused only after the prior call retired.
func (t *Table) Register(id interface{}, deadline time.Time) (*PendingCall, error) {
	if err := protocol.ValidateID(id); err != nil {
		return nil, wireerrors.InvalidParamsError(err.Error())
	}
	key := protocol.IDKey(id)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, wireerrors.ConnectionClosedError("")
	}
	if _, exists := t.entries[key]; exists {
		return nil, wireerrors.DuplicateRequestIDError(id)
	}

	call := &PendingCall{
		ID:        id,
		IssuedAt:  time.Now(),
		Deadline:  deadline,
		key:       key,
		done:      make(chan Outcome, 1),
		heapIndex: -1,
	}
	t.entries[key] = call
	if !deadline.IsZero() {
		heap.Push(&t.byDue, call)
	}
	return call, nil
}

// Resolve matches a response to its pending call. A response with no
// matching entry is a protocol violation, surfaced as OrphanResponse.
func (t *Table) Resolve(response *protocol.Response) error {
	if response.ID == nil {
		return wireerrors.OrphanResponseError(nil)
	}
	key := protocol.IDKey(response.ID)

	t.mu.Lock()
	call, ok := t.entries[key]
	if ok {
		t.remove(call)
	}
	t.mu.Unlock()

	if !ok {
		return wireerrors.OrphanResponseError(response.ID)
	}
	call.resolve(Outcome{Kind: OutcomeResult, Response: response})
	return nil
}

// Cancel retires a pending call immediately. The peer's eventual late
// response for this id is discarded by the caller as already retired.
// Returns false when no such call is pending.
func (t *Table) Cancel(id interface{}) bool {
	key := protocol.IDKey(id)

	t.mu.Lock()
	call, ok := t.entries[key]
	if ok {
		t.remove(call)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	call.resolve(Outcome{Kind: OutcomeCancelled, Err: wireerrors.CancelledError(id)})
	return true
}

// Expire sweeps entries whose deadline passed and resolves them with a
// timeout outcome. Cost is O(number of entries past due): the sweep pops a
// deadline-ordered heap and never scans live entries.
func (t *Table) Expire(now time.Time) []*PendingCall {
	var expired []*PendingCall

	t.mu.Lock()
	for t.byDue.Len() > 0 {
		next := t.byDue[0]
		if next.Deadline.After(now) {
			break
		}
		t.remove(next)
		expired = append(expired, next)
	}
	t.mu.Unlock()

	for _, call := range expired {
		call.resolve(Outcome{Kind: OutcomeTimeout, Err: wireerrors.TimeoutError(call.ID)})
	}
	return expired
}

// NextDeadline returns the earliest pending deadline, for sweep scheduling
func (t *Table) NextDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byDue.Len() == 0 {
		return time.Time{}, false
	}
	return t.byDue[0].Deadline, true
}

// CloseAll resolves every pending call with a ConnectionClosed outcome so no
// caller blocks forever, and rejects future registrations.
func (t *Table) CloseAll(connectionID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	remaining := make([]*PendingCall, 0, len(t.entries))
	for _, call := range t.entries {
		remaining = append(remaining, call)
	}
	t.entries = make(map[string]*PendingCall)
	t.byDue = nil
	t.mu.Unlock()

	for _, call := range remaining {
		call.resolve(Outcome{Kind: OutcomeClosed, Err: wireerrors.ConnectionClosedError(connectionID)})
	}
}

// Len returns the number of pending calls
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Pending reports whether an id currently has a pending call
func (t *Table) Pending(id interface{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[protocol.IDKey(id)]
	return ok
}

// remove unlinks an entry from both indexes. Callers hold t.mu.
func (t *Table) remove(call *PendingCall) {
	delete(t.entries, call.key)
	if call.heapIndex >= 0 {
		heap.Remove(&t.byDue, call.heapIndex)
	}
}

// deadlineHeap is a min-heap of pending calls ordered by deadline
type deadlineHeap []*PendingCall

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *deadlineHeap) Push(x interface{}) {
	call := x.(*PendingCall)
	call.heapIndex = len(*h)
	*h = append(*h, call)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	call := old[n-1]
	old[n-1] = nil
	call.heapIndex = -1
	*h = old[:n-1]
	return call
}
