package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
	"github.com/capwire/capwire-go/pkg/transport"
)

// dispatchLoop is the single reader of the framed message sequence. Frame
// classification and response correlation run inline; request handlers run
// on the worker pool so a slow tool never stalls correlation.
func (c *Connection) dispatchLoop(ctx context.Context) {
	defer c.loopWG.Done()

	for frame := range c.framer.Frames(ctx) {
		c.handleFrame(ctx, frame)
		if c.State() == StateClosed {
			return
		}
	}

	// Sequence ended: the transport is gone.
	if c.State() != StateClosed {
		c.closeWithReason(wireerrors.TransportError("receive", transport.ErrClosed))
	}
}

func (c *Connection) handleFrame(ctx context.Context, frame transport.Frame) {
	if frame.Err != nil {
		c.handleMalformed(frame.Err)
		return
	}

	switch msg := frame.Msg.(type) {
	case *protocol.Request:
		c.handleRequest(ctx, msg)
	case *protocol.Notification:
		c.handleNotification(ctx, msg)
	case *protocol.Response:
		c.handleResponse(msg)
	case *protocol.BatchRequest:
		c.handleBatch(ctx, msg)
	case *protocol.BatchResponse:
		for _, resp := range *msg {
			c.handleResponse(resp)
		}
	}
}

// handleMalformed answers a parse-error response with a null id. During
// negotiation a malformed frame is fatal instead: the peer failed the
// handshake.
func (c *Connection) handleMalformed(err error) {
	if c.State() == StateNegotiating {
		c.fatal(wireerrors.ProtocolViolation("malformed frame during negotiation: " + err.Error()))
		return
	}
	c.logger.WithError(err).Warn("malformed frame")
	resp, encErr := protocol.NewErrorResponse(nil, protocol.ParseError, "parse error", nil)
	if encErr == nil {
		c.send(resp)
	}
}

// handleResponse correlates one response. A response for a retired id is a
// late arrival after local timeout or cancel and is discarded silently; a
// response for an id never pending is an orphan, logged as a protocol
// violation but never fatal.
func (c *Connection) handleResponse(resp *protocol.Response) {
	err := c.table.Resolve(resp)
	if err == nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordPendingCalls(-1)
		}
		return
	}
	if resp.ID != nil && c.isRetired(resp.ID) {
		c.logger.Debug("late response discarded",
			logging.Any("id", resp.ID))
		return
	}
	c.logger.WithError(err).Warn("orphan response",
		logging.Any("id", resp.ID))
}

func (c *Connection) handleRequest(ctx context.Context, req *protocol.Request) {
	switch c.State() {
	case StateNegotiating:
		if req.Method == protocol.MethodInitialize && c.cfg.Role == RoleServer {
			c.handleInitialize(req)
			return
		}
		c.fatal(wireerrors.ProtocolViolation(
			fmt.Sprintf("method %q before negotiation completed", req.Method)))
		return
	case StateReady:
		if req.Method == protocol.MethodInitialize {
			c.fatal(wireerrors.ProtocolViolation("duplicate initialize"))
			return
		}
	case StateDraining:
		c.sendError(req.ID, protocol.ConnectionClosed, "connection is draining", nil)
		return
	default:
		return
	}

	if req.Method == protocol.MethodPing {
		c.handlePing(req)
		return
	}

	if c.cfg.Authorize != nil {
		if err := c.cfg.Authorize(c.id, req.Method, req.Params); err != nil {
			c.logger.Info("request denied",
				logging.String("method", req.Method),
				logging.ErrorField(err))
			c.sendError(req.ID, protocol.PermissionDenied, err.Error(), nil)
			return
		}
	}

	// Reject an id the peer already has in flight on this connection.
	key := protocol.IDKey(req.ID)
	reqCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, dup := c.inflight[key]; dup {
		c.mu.Unlock()
		cancel()
		c.sendError(req.ID, protocol.DuplicateRequestID,
			fmt.Sprintf("request id %v already in flight", req.ID), nil)
		return
	}
	c.inflight[key] = cancel
	c.mu.Unlock()

	// Handlers never run inline on the dispatch loop.
	if err := c.workers.Acquire(ctx, 1); err != nil {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		cancel()
		return
	}
	go func() {
		defer c.workers.Release(1)
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			cancel()
		}()
		c.serveRequest(reqCtx, req)
	}()
}

// serveRequest runs the registered handler and writes exactly one response.
// A handler panic is isolated to the request: it answers an internal error
// instead of tearing the connection down.
func (c *Connection) serveRequest(ctx context.Context, req *protocol.Request) {
	start := time.Now()
	status := "ok"

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("handler panic",
				logging.String("method", req.Method),
				logging.Any("panic", rec))
			c.sendError(req.ID, protocol.InternalError,
				fmt.Sprintf("internal error in %s", req.Method), nil)
			status = "panic"
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordIncomingRequest(req.Method, status, time.Since(start))
		}
	}()

	c.mu.RLock()
	handler, ok := c.handlers[req.Method]
	c.mu.RUnlock()
	if !ok {
		status = "method_not_found"
		c.sendError(req.ID, protocol.MethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil)
		return
	}

	result, err := handler(ctx, req)
	if ctx.Err() != nil {
		// Peer cancelled or the connection closed; no response is owed.
		status = "cancelled"
		return
	}
	if err != nil {
		status = "error"
		protoErr := wireerrors.ToProtocolError(err)
		c.sendError(req.ID, protoErr.Code, protoErr.Message, protoErr.Data)
		return
	}

	resp, encErr := protocol.NewResponse(req.ID, result)
	if encErr != nil {
		status = "error"
		c.sendError(req.ID, protocol.InternalError, "failed to encode result", nil)
		return
	}
	c.send(resp)
}

// handleInitialize serves the server side of the handshake. The connection
// stays Negotiating until the peer's initialized notification arrives.
func (c *Connection) handleInitialize(req *protocol.Request) {
	var params protocol.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.fatal(wireerrors.ProtocolViolation("malformed initialize params: " + err.Error()))
			return
		}
	}
	if params.ProtocolRevision == "" {
		c.fatal(wireerrors.ProtocolViolation("initialize missing protocolRevision"))
		return
	}

	c.mu.Lock()
	c.negotiated = c.cfg.Capabilities.Intersect(params.Capabilities)
	c.remote = params.ClientInfo
	c.mu.Unlock()

	result := protocol.InitializeResult{
		ProtocolRevision: protocol.ProtocolRevision,
		Capabilities:     c.cfg.Capabilities,
		ServerInfo:       &c.cfg.Info,
	}
	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		c.fatal(wireerrors.InternalError("failed to encode initialize result"))
		return
	}
	c.send(resp)
	c.logger.Info("initialize served",
		logging.String("revision", params.ProtocolRevision),
		logging.Int("capabilities", len(c.Capabilities())))
}

func (c *Connection) handlePing(req *protocol.Request) {
	var params protocol.PingParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	resp, err := protocol.NewResponse(req.ID, protocol.PongResult{Token: params.Token})
	if err == nil {
		c.send(resp)
	}
}

func (c *Connection) handleNotification(ctx context.Context, n *protocol.Notification) {
	switch n.Method {
	case protocol.MethodInitialized:
		if c.cfg.Role == RoleServer && c.State() == StateNegotiating {
			c.becomeReady()
			c.logger.Info("negotiation complete")
			return
		}
		c.fatal(wireerrors.ProtocolViolation("unexpected initialized notification"))
		return
	case protocol.MethodCancelled:
		c.handleCancelled(n)
		return
	}

	if c.State() != StateReady {
		// Notifications outside Ready are dropped, never answered.
		return
	}

	c.mu.RLock()
	handler, ok := c.notifHandlers[n.Method]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("unhandled notification", logging.String("method", n.Method))
		return
	}

	if err := c.workers.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer c.workers.Release(1)
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error("notification handler panic",
					logging.String("method", n.Method),
					logging.Any("panic", rec))
			}
		}()
		if err := handler(ctx, n); err != nil {
			c.logger.WithError(err).Warn("notification handler failed",
				logging.String("method", n.Method))
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordNotification(n.Method, true)
		}
	}()
}

// handleCancelled cancels the context of an in-flight inbound request. The
// cancellation is best-effort: an id already finished is ignored.
func (c *Connection) handleCancelled(n *protocol.Notification) {
	var params protocol.CancelledParams
	if err := json.Unmarshal(n.Params, &params); err != nil || params.ID == nil {
		c.logger.Debug("malformed cancelled notification")
		return
	}
	c.mu.RLock()
	cancel, ok := c.inflight[protocol.IDKey(params.ID)]
	c.mu.RUnlock()
	if ok {
		c.logger.Debug("peer cancelled request", logging.Any("id", params.ID))
		cancel()
	}
}

// handleBatch serves one inbound batch. Items process independently and
// concurrently; decode errors contribute per-item error responses; the
// single batch response carries one entry per request, none for
// notifications, in no guaranteed order.
func (c *Connection) handleBatch(ctx context.Context, batch *protocol.BatchRequest) {
	switch c.State() {
	case StateReady:
	case StateDraining:
		var resps []*protocol.Response
		for _, req := range batch.Requests() {
			if r, err := protocol.NewErrorResponse(req.ID, protocol.ConnectionClosed, "connection is draining", nil); err == nil {
				resps = append(resps, r)
			}
		}
		resps = append(resps, batch.DecodeErrors()...)
		if len(resps) > 0 {
			c.send(protocol.NewBatchResponse(resps...))
		}
		return
	case StateNegotiating:
		c.fatal(wireerrors.ProtocolViolation("batch before negotiation completed"))
		return
	default:
		return
	}

	if err := c.workers.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer c.workers.Release(1)

		var (
			mu    sync.Mutex
			resps = batch.DecodeErrors()
			wg    sync.WaitGroup
		)

		for _, req := range batch.Requests() {
			wg.Add(1)
			go func(req *protocol.Request) {
				defer wg.Done()
				resp := c.serveBatchItem(ctx, req)
				if resp != nil {
					mu.Lock()
					resps = append(resps, resp)
					mu.Unlock()
				}
			}(req)
		}
		for _, n := range batch.Notifications() {
			c.handleNotification(ctx, n)
		}
		wg.Wait()

		// A batch of only notifications gets no response at all.
		if len(resps) > 0 {
			c.send(protocol.NewBatchResponse(resps...))
		}
	}()
}

// serveBatchItem runs one batch request and returns its response instead of
// sending it, so the batch response goes out as one frame.
func (c *Connection) serveBatchItem(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("handler panic",
				logging.String("method", req.Method),
				logging.Any("panic", rec))
			resp, _ = protocol.NewErrorResponse(req.ID, protocol.InternalError,
				fmt.Sprintf("internal error in %s", req.Method), nil)
		}
	}()

	if c.cfg.Authorize != nil {
		if err := c.cfg.Authorize(c.id, req.Method, req.Params); err != nil {
			resp, _ = protocol.NewErrorResponse(req.ID, protocol.PermissionDenied, err.Error(), nil)
			return resp
		}
	}

	c.mu.RLock()
	handler, ok := c.handlers[req.Method]
	c.mu.RUnlock()
	if !ok {
		resp, _ = protocol.NewErrorResponse(req.ID, protocol.MethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil)
		return resp
	}

	result, err := handler(ctx, req)
	if err != nil {
		protoErr := wireerrors.ToProtocolError(err)
		resp, _ = protocol.NewErrorResponse(req.ID, protoErr.Code, protoErr.Message, protoErr.Data)
		return resp
	}
	resp, encErr := protocol.NewResponse(req.ID, result)
	if encErr != nil {
		resp, _ = protocol.NewErrorResponse(req.ID, protocol.InternalError, "failed to encode result", nil)
	}
	return resp
}

// sweepLoop retires pending calls past their deadline and prunes the
// retired-id set. Sweep cost is proportional to the number of overdue
// entries, not the table size.
func (c *Connection) sweepLoop(ctx context.Context) {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case now := <-ticker.C:
			expired := c.table.Expire(now)
			for _, call := range expired {
				c.markRetired(call.ID)
				c.sendCancelled(call.ID, "deadline exceeded")
				c.logger.Debug("pending call timed out",
					logging.Any("id", call.ID),
					logging.Duration("age", now.Sub(call.IssuedAt)))
			}
			if len(expired) > 0 && c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordPendingCalls(-len(expired))
			}
			c.pruneRetired(now)
		}
	}
}

// pingLoop checks peer liveness once the connection is ready. Consecutive
// missed pongs close the connection as a transport failure.
func (c *Connection) pingLoop(ctx context.Context) {
	defer c.loopWG.Done()

	select {
	case <-c.readyCh:
	case <-ctx.Done():
		return
	case <-c.done:
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if c.State() != StateReady {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := c.Ping(pingCtx)
			cancel()
			if err == nil {
				c.missedPings.Store(0)
				continue
			}
			missed := c.missedPings.Add(1)
			c.logger.Warn("ping missed",
				logging.Int("consecutive", int(missed)),
				logging.ErrorField(err))
			if int(missed) >= c.cfg.MaxMissedPings {
				c.fatal(wireerrors.TransportError("ping",
					fmt.Errorf("%d consecutive pings missed", missed)))
				return
			}
		}
	}
}

// send writes one message, logging failures. Send errors on a closing
// connection are expected and not fatal here; the dispatch loop observes
// the transport failure itself.
func (c *Connection) send(msg protocol.Message) {
	if err := c.framer.Send(msg); err != nil {
		if c.State() != StateClosed {
			c.logger.WithError(err).Warn("send failed")
		}
	}
}

func (c *Connection) sendError(id interface{}, code protocol.ErrorCode, message string, data interface{}) {
	resp, err := protocol.NewErrorResponse(id, code, message, data)
	if err != nil {
		c.logger.WithError(err).Error("failed to encode error response")
		return
	}
	c.send(resp)
}

// sendCancelled tells the peer a request was abandoned locally. Best-effort
// and only when the peer negotiated cancellation.
func (c *Connection) sendCancelled(id interface{}, reason string) {
	if !c.Capabilities().Has(protocol.CapabilityCancellation) {
		return
	}
	if c.State() != StateReady && c.State() != StateDraining {
		return
	}
	n, err := protocol.NewNotification(protocol.MethodCancelled,
		protocol.CancelledParams{ID: id, Reason: reason})
	if err == nil {
		c.send(n)
	}
}
