package connection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capwire/capwire-go/internal/testutil"
	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/protocol"
	"github.com/capwire/capwire-go/pkg/transport"
)

func fullCaps() protocol.CapabilitySet {
	return protocol.CapabilitySet{
		protocol.CapabilityTools:         true,
		protocol.CapabilityResources:     true,
		protocol.CapabilitySubscriptions: true,
		protocol.CapabilityBatch:         true,
		protocol.CapabilityStreaming:     true,
		protocol.CapabilityCancellation:  true,
		protocol.CapabilityPagination:    true,
	}
}

func testConfig(role Role) Config {
	cfg := DefaultConfig(role)
	cfg.Info = protocol.PeerInfo{Name: "test-" + role.String(), Version: "0.0.0"}
	cfg.Capabilities = fullCaps()
	cfg.DefaultTimeout = 2 * time.Second
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.PingInterval = 0
	cfg.DrainGrace = time.Second
	return cfg
}

// startPair wires a client and a server connection over an in-memory pipe.
// Handlers are registered on the returned connections before negotiate.
func startPair(t *testing.T, clientCfg, serverCfg Config) (*Connection, *Connection) {
	t.Helper()
	a, b := transport.NewPipe()
	client := New(a, clientCfg)
	server := New(b, serverCfg)
	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func negotiate(t *testing.T, client, server *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Negotiate(ctx))
	select {
	case <-server.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	require.Equal(t, StateReady, server.State())
}

// raw-frame helpers for driving one end of a pipe without a Connection

func sendFrame(t *testing.T, tr transport.Transport, msg protocol.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, tr.Send(data))
}

func recvFrame(t *testing.T, tr transport.Transport) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := tr.Receive(ctx)
	require.NoError(t, err)
	msg, err := protocol.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

// rawHandshake performs the client side of the initialize exchange over a
// bare transport.
func rawHandshake(t *testing.T, tr transport.Transport) {
	t.Helper()
	req, err := protocol.NewRequest(100, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolRevision: protocol.ProtocolRevision,
		Capabilities:     fullCaps(),
		ClientInfo:       &protocol.PeerInfo{Name: "raw", Version: "0"},
	})
	require.NoError(t, err)
	sendFrame(t, tr, req)

	resp, ok := recvFrame(t, tr).(*protocol.Response)
	require.True(t, ok)
	require.Nil(t, resp.Error)

	n, err := protocol.NewNotification(protocol.MethodInitialized, protocol.InitializedParams{})
	require.NoError(t, err)
	sendFrame(t, tr, n)
}

func TestNegotiateAndCall(t *testing.T) {
	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	server.RegisterRequestHandler("echo", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		return json.RawMessage(req.Params), nil
	})
	negotiate(t, client, server)

	assert.Equal(t, StateReady, client.State())
	assert.True(t, client.Capabilities().Has(protocol.CapabilityTools))
	require.NotNil(t, client.RemotePeer())
	assert.Equal(t, "test-server", client.RemotePeer().Name)
	require.NotNil(t, server.RemotePeer())
	assert.Equal(t, "test-client", server.RemotePeer().Name)

	resp, err := client.Call(context.Background(), "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Result))
}

func TestNegotiationIntersectsCapabilities(t *testing.T) {
	clientCfg := testConfig(RoleClient)
	clientCfg.Capabilities = protocol.CapabilitySet{
		protocol.CapabilityTools: true,
		protocol.CapabilityBatch: true,
	}
	serverCfg := testConfig(RoleServer)
	serverCfg.Capabilities = protocol.CapabilitySet{
		protocol.CapabilityTools:     true,
		protocol.CapabilityResources: true,
	}

	client, server := startPair(t, clientCfg, serverCfg)
	negotiate(t, client, server)

	for _, conn := range []*Connection{client, server} {
		caps := conn.Capabilities()
		assert.True(t, caps.Has(protocol.CapabilityTools))
		assert.False(t, caps.Has(protocol.CapabilityBatch))
		assert.False(t, caps.Has(protocol.CapabilityResources))
	}
}

func TestCallUnknownMethod(t *testing.T) {
	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	negotiate(t, client, server)

	_, err := client.Call(context.Background(), "no/such/method", nil)
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeMethodNotFound))
	assert.Equal(t, StateReady, client.State())
}

func TestCallTimeoutThenLateResponseDiscarded(t *testing.T) {
	// Without the cancellation capability the server finishes the slow
	// handler and sends a response the client already gave up on.
	clientCfg := testConfig(RoleClient)
	serverCfg := testConfig(RoleServer)
	clientCfg.Capabilities = protocol.CapabilitySet{protocol.CapabilityTools: true}
	serverCfg.Capabilities = protocol.CapabilitySet{protocol.CapabilityTools: true}

	client, server := startPair(t, clientCfg, serverCfg)
	server.RegisterRequestHandler("slow", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		time.Sleep(300 * time.Millisecond)
		return map[string]bool{"done": true}, nil
	})
	server.RegisterRequestHandler("fast", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		return map[string]bool{"done": true}, nil
	})
	negotiate(t, client, server)

	_, err := client.CallWithTimeout(context.Background(), "slow", nil, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeRequestTimeout))

	// Let the late response arrive; it must be discarded silently.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateReady, client.State())

	resp, err := client.Call(context.Background(), "fast", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true}`, string(resp.Result))
}

func TestCallerCancellationReachesPeer(t *testing.T) {
	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	observed := make(chan struct{})
	server.RegisterRequestHandler("wait", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		<-ctx.Done()
		close(observed)
		return nil, ctx.Err()
	})
	negotiate(t, client, server)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := client.Call(ctx, "wait", nil)
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeRequestCancelled))

	// The cancelled notification must cancel the handler's context.
	select {
	case <-observed:
	case <-time.After(2 * time.Second):
		t.Fatal("peer handler never saw cancellation")
	}
	assert.Equal(t, StateReady, client.State())
	assert.Equal(t, StateReady, server.State())
}

func TestCallBatch(t *testing.T) {
	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	server.RegisterRequestHandler("double", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		var in struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(req.Params, &in); err != nil {
			return nil, wireerrors.InvalidParamsError(err.Error())
		}
		return map[string]int{"n": in.N * 2}, nil
	})
	noted := make(chan string, 1)
	server.RegisterNotificationHandler("note/test", func(ctx context.Context, n *protocol.Notification) error {
		noted <- n.Method
		return nil
	})
	negotiate(t, client, server)

	req1, err := protocol.NewRequest(1, "double", map[string]int{"n": 3})
	require.NoError(t, err)
	req2, err := protocol.NewRequest(2, "nope", nil)
	require.NoError(t, err)
	note, err := protocol.NewNotification("note/test", nil)
	require.NoError(t, err)
	batch, err := protocol.NewBatchRequest(req1, req2, note)
	require.NoError(t, err)

	result, err := client.CallBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 2, result.Len())

	resp, ok := result.ByID(1)
	require.True(t, ok)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"n":6}`, string(resp.Result))

	resp, ok = result.ByID(2)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)

	select {
	case method := <-noted:
		assert.Equal(t, "note/test", method)
	case <-time.After(2 * time.Second):
		t.Fatal("batch notification never dispatched")
	}
}

func TestCallBatchRequiresNegotiatedCapability(t *testing.T) {
	clientCfg := testConfig(RoleClient)
	serverCfg := testConfig(RoleServer)
	serverCfg.Capabilities = protocol.CapabilitySet{protocol.CapabilityTools: true}

	client, server := startPair(t, clientCfg, serverCfg)
	negotiate(t, client, server)

	req, err := protocol.NewRequest(1, "ping", nil)
	require.NoError(t, err)
	batch, err := protocol.NewBatchRequest(req)
	require.NoError(t, err)

	_, err = client.CallBatch(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeNotNegotiated))
}

func TestPing(t *testing.T) {
	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	negotiate(t, client, server)
	assert.NoError(t, client.Ping(context.Background()))
	assert.NoError(t, server.Ping(context.Background()))
}

func TestAuthorizeDeniesRequest(t *testing.T) {
	serverCfg := testConfig(RoleServer)
	serverCfg.Authorize = func(connectionID, method string, params json.RawMessage) error {
		if method == "secret" {
			return wireerrors.PermissionDeniedError(method, "not on the allowlist")
		}
		return nil
	}

	client, server := startPair(t, testConfig(RoleClient), serverCfg)
	server.RegisterRequestHandler("secret", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		t.Error("denied handler must not run")
		return nil, nil
	})
	negotiate(t, client, server)

	_, err := client.Call(context.Background(), "secret", nil)
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodePermissionDenied))
}

func TestMiddlewareWrapsHandlers(t *testing.T) {
	var order []string
	serverCfg := testConfig(RoleServer)
	serverCfg.Middleware = []Middleware{
		func(method string, next RequestHandler) RequestHandler {
			return func(ctx context.Context, req *protocol.Request) (interface{}, error) {
				order = append(order, "outer")
				return next(ctx, req)
			}
		},
		func(method string, next RequestHandler) RequestHandler {
			return func(ctx context.Context, req *protocol.Request) (interface{}, error) {
				order = append(order, "inner")
				return next(ctx, req)
			}
		},
	}

	client, server := startPair(t, testConfig(RoleClient), serverCfg)
	server.RegisterRequestHandler("traced", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		order = append(order, "handler")
		return nil, nil
	})
	negotiate(t, client, server)

	_, err := client.Call(context.Background(), "traced", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestHandlerPanicIsolated(t *testing.T) {
	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	server.RegisterRequestHandler("boom", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		panic("handler exploded")
	})
	negotiate(t, client, server)

	_, err := client.Call(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeInternalError))

	// The connection survives the panic.
	assert.NoError(t, client.Ping(context.Background()))
}

func TestCloseResolvesPendingCalls(t *testing.T) {
	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	server.RegisterRequestHandler("hang", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	negotiate(t, client, server)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, wireerrors.IsCode(err, wireerrors.CodeConnectionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never resolved after close")
	}
}

func TestDrainWithNothingInFlight(t *testing.T) {
	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	negotiate(t, client, server)

	require.NoError(t, client.Drain(context.Background()))
	assert.Equal(t, StateClosed, client.State())
	assert.NoError(t, client.Err())

	_, err := client.Call(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.True(t, wireerrors.IsCode(err, wireerrors.CodeConnectionClosed))
}

func TestDuplicateInboundRequestID(t *testing.T) {
	a, b := transport.NewPipe()
	server := New(b, testConfig(RoleServer))
	release := make(chan struct{})
	server.RegisterRequestHandler("slow", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		<-release
		return map[string]bool{"ok": true}, nil
	})
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		close(release)
		_ = server.Close()
		_ = a.Close()
	})

	rawHandshake(t, a)

	req, err := protocol.NewRequest(1, "slow", nil)
	require.NoError(t, err)
	sendFrame(t, a, req)
	sendFrame(t, a, req)

	// The second use of the id is rejected while the first is in flight.
	resp, ok := recvFrame(t, a).(*protocol.Response)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.DuplicateRequestID, resp.Error.Code)
}

func TestRequestBeforeNegotiationIsFatal(t *testing.T) {
	a, b := transport.NewPipe()
	server := New(b, testConfig(RoleServer))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		_ = server.Close()
		_ = a.Close()
	})

	req, err := protocol.NewRequest(1, protocol.MethodListTools, nil)
	require.NoError(t, err)
	sendFrame(t, a, req)

	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived a pre-negotiation request")
	}
	require.Error(t, server.Err())
	assert.True(t, wireerrors.IsFatal(server.Err()))
}

func TestMalformedFrameDuringNegotiationIsFatal(t *testing.T) {
	a, b := transport.NewPipe()
	server := New(b, testConfig(RoleServer))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		_ = server.Close()
		_ = a.Close()
	})

	require.NoError(t, a.Send([]byte(`{nope`)))

	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived a malformed handshake frame")
	}
	assert.True(t, wireerrors.IsFatal(server.Err()))
}

func TestMalformedFrameWhenReadyAnswersParseError(t *testing.T) {
	a, b := transport.NewPipe()
	server := New(b, testConfig(RoleServer))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		_ = server.Close()
		_ = a.Close()
	})

	rawHandshake(t, a)
	require.NoError(t, a.Send([]byte(`{nope`)))

	resp, ok := recvFrame(t, a).(*protocol.Response)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ParseError, resp.Error.Code)
	assert.Nil(t, resp.ID)
	assert.Equal(t, StateReady, server.State())
}

func TestOrphanResponseIsNotFatal(t *testing.T) {
	a, b := transport.NewPipe()
	server := New(b, testConfig(RoleServer))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		_ = server.Close()
		_ = a.Close()
	})

	rawHandshake(t, a)

	orphan, err := protocol.NewResponse("never-sent", nil)
	require.NoError(t, err)
	sendFrame(t, a, orphan)

	// The connection logs the orphan and keeps serving.
	ping, err := protocol.NewRequest(2, protocol.MethodPing, protocol.PingParams{Token: "tok"})
	require.NoError(t, err)
	sendFrame(t, a, ping)

	resp, ok := recvFrame(t, a).(*protocol.Response)
	require.True(t, ok)
	require.Nil(t, resp.Error)
	var pong protocol.PongResult
	require.NoError(t, json.Unmarshal(resp.Result, &pong))
	assert.Equal(t, "tok", pong.Token)
	assert.Equal(t, StateReady, server.State())
}

func TestLifecycleLeavesNoGoroutines(t *testing.T) {
	detector := testutil.NewGoroutineLeakDetector(t)
	detector.Start()

	client, server := startPair(t, testConfig(RoleClient), testConfig(RoleServer))
	server.RegisterRequestHandler("echo", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		return json.RawMessage(req.Params), nil
	})
	negotiate(t, client, server)

	_, err := client.Call(context.Background(), "echo", map[string]int{"n": 1})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
	<-client.Done()
	<-server.Done()

	detector.Check()
}
