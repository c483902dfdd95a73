package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capwire/capwire-go/pkg/correlation"
	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// Call issues a request and blocks until a matching response, timeout,
// cancellation or connection close. The timeout is the configured default
// unless the context carries an earlier deadline.
func (c *Connection) Call(ctx context.Context, method string, params interface{}) (*protocol.Response, error) {
	return c.call(ctx, method, params, c.cfg.DefaultTimeout, false)
}

// CallWithTimeout issues a request with an explicit per-call timeout
func (c *Connection) CallWithTimeout(ctx context.Context, method string, params interface{}, timeout time.Duration) (*protocol.Response, error) {
	return c.call(ctx, method, params, timeout, false)
}

func (c *Connection) call(ctx context.Context, method string, params interface{}, timeout time.Duration, negotiating bool) (*protocol.Response, error) {
	state := c.State()
	switch {
	case negotiating && state == StateNegotiating:
	case !negotiating && state == StateReady:
	case state == StateClosed:
		return nil, wireerrors.ConnectionClosedError(c.id)
	default:
		return nil, wireerrors.ConnectionClosedError(c.id).
			WithDetail("no new requests in state " + state.String())
	}

	id := c.nextID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, wireerrors.InvalidParamsError(err.Error())
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	call, err := c.table.Register(id, deadline)
	if err != nil {
		return nil, err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordPendingCalls(1)
	}

	start := time.Now()
	if err := c.framer.Send(req); err != nil {
		c.table.Cancel(id)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordPendingCalls(-1)
		}
		return nil, err
	}

	resp, err := c.await(ctx, call, method)
	if c.cfg.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.cfg.Metrics.RecordRequest(method, status, time.Since(start))
	}
	return resp, err
}

// await blocks on a pending call's outcome. Giving up locally retires the
// id so the peer's eventual late response is discarded silently, and tells
// the peer via a best-effort cancelled notification.
func (c *Connection) await(ctx context.Context, call *correlation.PendingCall, method string) (*protocol.Response, error) {
	select {
	case outcome := <-call.Done():
		switch outcome.Kind {
		case correlation.OutcomeResult:
			if outcome.Response.Error != nil {
				return nil, wireerrors.FromProtocolError(outcome.Response.Error).
					WithContext(&wireerrors.Context{
						ConnectionID: c.id,
						RequestID:    fmt.Sprintf("%v", call.ID),
						Method:       method,
					})
			}
			return outcome.Response, nil
		case correlation.OutcomeTimeout:
			c.logger.Debug("call timed out",
				logging.String("method", method),
				logging.Any("id", call.ID))
			return nil, outcome.Err
		default:
			return nil, outcome.Err
		}
	case <-ctx.Done():
		if c.table.Cancel(call.ID) {
			c.markRetired(call.ID)
			c.sendCancelled(call.ID, "caller cancelled")
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordPendingCalls(-1)
			}
		}
		return nil, wireerrors.CancelledError(call.ID)
	}
}

// Notify sends a fire-and-forget notification. No correlation entry is
// created and no response is ever expected.
func (c *Connection) Notify(method string, params interface{}) error {
	switch c.State() {
	case StateNegotiating, StateReady, StateDraining:
	default:
		return wireerrors.ConnectionClosedError(c.id)
	}

	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return wireerrors.InvalidParamsError(err.Error())
	}
	if err := c.framer.Send(n); err != nil {
		return err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordNotification(method, false)
	}
	return nil
}

// Cancel abandons a pending outbound call. The entry retires immediately
// with a cancelled outcome; the peer's eventual response for the id is
// discarded silently.
func (c *Connection) Cancel(id interface{}, reason string) bool {
	if !c.table.Cancel(id) {
		return false
	}
	c.markRetired(id)
	c.sendCancelled(id, reason)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordPendingCalls(-1)
	}
	return true
}

// Ping performs one liveness round-trip, verifying the echoed token
func (c *Connection) Ping(ctx context.Context) error {
	token := uuid.NewString()
	resp, err := c.Call(ctx, protocol.MethodPing, protocol.PingParams{Token: token})
	if err != nil {
		return err
	}
	var pong protocol.PongResult
	if err := unmarshalResult(resp, &pong); err != nil {
		return wireerrors.ProtocolViolation("malformed pong: " + err.Error())
	}
	if pong.Token != token {
		return wireerrors.ProtocolViolation("pong token mismatch")
	}
	return nil
}

// CallBatch sends requests and notifications as one wire-level unit and
// blocks until every request resolved. The returned batch response carries
// one entry per request, matched by id, in no guaranteed order; requests
// that timed out or were abandoned contribute synthesized error entries.
func (c *Connection) CallBatch(ctx context.Context, batch *protocol.BatchRequest) (*protocol.BatchResponse, error) {
	if c.State() != StateReady {
		return nil, wireerrors.ConnectionClosedError(c.id)
	}
	if !c.Capabilities().Has(protocol.CapabilityBatch) {
		return nil, wireerrors.NotNegotiatedError(string(protocol.CapabilityBatch))
	}
	if batch.Len() == 0 {
		return nil, wireerrors.InvalidParamsError("batch must contain at least one item")
	}

	deadline := time.Now().Add(c.cfg.DefaultTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	requests := batch.Requests()
	pending := make([]*correlation.PendingCall, 0, len(requests))
	for _, req := range requests {
		call, err := c.table.Register(req.ID, deadline)
		if err != nil {
			for _, p := range pending {
				c.table.Cancel(p.ID)
			}
			return nil, err
		}
		pending = append(pending, call)
	}
	if c.cfg.Metrics != nil && len(pending) > 0 {
		c.cfg.Metrics.RecordPendingCalls(len(pending))
	}

	if err := c.framer.Send(batch); err != nil {
		for _, p := range pending {
			c.table.Cancel(p.ID)
		}
		if c.cfg.Metrics != nil && len(pending) > 0 {
			c.cfg.Metrics.RecordPendingCalls(-len(pending))
		}
		return nil, err
	}

	responses := make([]*protocol.Response, 0, len(pending))
	for _, call := range pending {
		resp, err := c.await(ctx, call, "batch")
		if err != nil {
			protoErr := wireerrors.ToProtocolError(err)
			synth, encErr := protocol.NewErrorResponse(call.ID, protoErr.Code, protoErr.Message, protoErr.Data)
			if encErr == nil {
				responses = append(responses, synth)
			}
			continue
		}
		responses = append(responses, resp)
	}
	return protocol.NewBatchResponse(responses...), nil
}

// unmarshalResult decodes a success response's result member
func unmarshalResult(resp *protocol.Response, v interface{}) error {
	if len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, v)
}
