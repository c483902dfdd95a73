package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/protocol"
)

func TestRegisterAndResolve(t *testing.T) {
	table := NewTable()
	call, err := table.Register("req-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	resp, err := protocol.NewResponse("req-1", map[string]bool{"ok": true})
	require.NoError(t, err)
	require.NoError(t, table.Resolve(resp))
	assert.Equal(t, 0, table.Len())

	outcome := <-call.Done()
	assert.Equal(t, OutcomeResult, outcome.Kind)
	require.NotNil(t, outcome.Response)
	assert.Equal(t, "req-1", outcome.Response.ID)
}

func TestRegisterDuplicateIDRejected(t *testing.T) {
	table := NewTable()
	_, err := table.Register("dup", time.Time{})
	require.NoError(t, err)

	_, err = table.Register("dup", time.Time{})
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeDuplicateRequestID))
}

func TestIDReusableAfterRetirement(t *testing.T) {
	table := NewTable()
	_, err := table.Register("r", time.Time{})
	require.NoError(t, err)
	require.True(t, table.Cancel("r"))

	_, err = table.Register("r", time.Time{})
	assert.NoError(t, err)
}

func TestResolveNumericIDAcrossDecoderTypes(t *testing.T) {
	table := NewTable()
	call, err := table.Register(int64(42), time.Time{})
	require.NoError(t, err)

	// A response decoded from the wire carries the id as a different
	// numeric type; it must still correlate.
	resp, err := protocol.NewResponse(float64(42), nil)
	require.NoError(t, err)
	require.NoError(t, table.Resolve(resp))

	outcome := <-call.Done()
	assert.Equal(t, OutcomeResult, outcome.Kind)
}

func TestResolveOrphanResponse(t *testing.T) {
	table := NewTable()
	resp, err := protocol.NewResponse("never-sent", nil)
	require.NoError(t, err)

	err = table.Resolve(resp)
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeOrphanResponse))
}

func TestCancelResolvesWithCancelledOutcome(t *testing.T) {
	table := NewTable()
	call, err := table.Register("c1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.True(t, table.Cancel("c1"))
	assert.False(t, table.Cancel("c1"))

	outcome := <-call.Done()
	assert.Equal(t, OutcomeCancelled, outcome.Kind)
	assert.True(t, wireerrors.IsCode(outcome.Err, wireerrors.CodeRequestCancelled))
}

func TestExpireSweepsOnlyOverdue(t *testing.T) {
	table := NewTable()
	now := time.Now()

	overdue1, err := table.Register("o1", now.Add(-time.Second))
	require.NoError(t, err)
	overdue2, err := table.Register("o2", now.Add(-time.Millisecond))
	require.NoError(t, err)
	_, err = table.Register("live", now.Add(time.Hour))
	require.NoError(t, err)
	_, err = table.Register("forever", time.Time{})
	require.NoError(t, err)

	expired := table.Expire(now)
	assert.Len(t, expired, 2)
	assert.Equal(t, 2, table.Len())

	for _, call := range []*PendingCall{overdue1, overdue2} {
		outcome := <-call.Done()
		assert.Equal(t, OutcomeTimeout, outcome.Kind)
		assert.True(t, wireerrors.IsCode(outcome.Err, wireerrors.CodeRequestTimeout))
	}

	// Zero-deadline entries never expire by sweep.
	assert.Empty(t, table.Expire(now.Add(time.Hour)))
	assert.True(t, table.Pending("forever"))
}

func TestNextDeadline(t *testing.T) {
	table := NewTable()
	_, ok := table.NextDeadline()
	assert.False(t, ok)

	late := time.Now().Add(time.Hour)
	early := time.Now().Add(time.Minute)
	_, err := table.Register("late", late)
	require.NoError(t, err)
	_, err = table.Register("early", early)
	require.NoError(t, err)

	deadline, ok := table.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, early, deadline)
}

func TestCloseAllResolvesEverything(t *testing.T) {
	table := NewTable()
	calls := make([]*PendingCall, 0, 5)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		call, err := table.Register(id, time.Now().Add(time.Hour))
		require.NoError(t, err)
		calls = append(calls, call)
	}

	table.CloseAll("conn-1")
	for _, call := range calls {
		outcome := <-call.Done()
		assert.Equal(t, OutcomeClosed, outcome.Kind)
		assert.True(t, wireerrors.IsCode(outcome.Err, wireerrors.CodeConnectionClosed))
	}

	// A closed table rejects new registrations.
	_, err := table.Register("after", time.Time{})
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeConnectionClosed))
}

func TestWaitHonorsContext(t *testing.T) {
	table := NewTable()
	call, err := table.Register("w", time.Time{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = call.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The entry is still pending; giving up requires an explicit cancel.
	assert.True(t, table.Pending("w"))
}
