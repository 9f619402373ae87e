package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walta-ai/walta/pkg/gateway"
	"github.com/walta-ai/walta/pkg/identity"
	"github.com/walta-ai/walta/pkg/inbox"
	"github.com/walta-ai/walta/pkg/ledger"
	"github.com/walta-ai/walta/pkg/ledger/local"
	"github.com/walta-ai/walta/pkg/session"
)

type stack struct {
	url     string
	adapter *ledger.Adapter
}

func newStack(t *testing.T) *stack {
	t.Helper()

	logger := zerolog.Nop()
	adapter, err := ledger.NewAdapter(ledger.AdapterConfig{Backend: local.New(), Logger: logger})
	require.NoError(t, err)

	var server *gateway.Server
	queue := inbox.NewQueue(logger, inbox.WithEnqueueHook(func(msg inbox.Message) {
		server.NotifyMessage(msg)
	}))
	registry, err := identity.NewRegistry(identity.Config{Provisioner: adapter, Inboxes: queue, Logger: logger})
	require.NoError(t, err)
	adapter.SetIdentityLookup(registry)
	queue.SetIdentityChecker(registry)

	server, err = gateway.NewServer(gateway.Config{
		Identities: registry,
		Messages:   queue,
		Payments:   adapter,
		Sessions:   session.NewManager(logger),
		Logger:     logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &stack{
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		adapter: adapter,
	}
}

func dial(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()

	c, err := Dial(context.Background(), url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// rawServer accepts one websocket and hands every request frame to respond
func rawServer(t *testing.T, respond func(conn *websocket.Conn, req gateway.RPCRequest)) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req gateway.RPCRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			respond(conn, req)
		}
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

func TestClient_EndToEnd(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	alice := dial(t, st.url)
	bob := dial(t, st.url)

	aliceDID, err := alice.Register(ctx, "alice")
	require.NoError(t, err)
	bobDID, err := bob.Register(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, aliceDID, alice.DID())

	_, err = st.adapter.Fund(ctx, aliceDID, 100)
	require.NoError(t, err)
	_, err = st.adapter.Fund(ctx, bobDID, 100)
	require.NoError(t, err)

	verification, err := alice.VerifyIdentity(ctx, bobDID)
	require.NoError(t, err)
	assert.True(t, verification.Verified)
	require.NotNil(t, verification.Identity)
	assert.Equal(t, "bob", verification.Identity.Name)

	pushed := make(chan inbox.Message, 1)
	bob.OnMessage(func(msg inbox.Message) { pushed <- msg })

	requested, err := alice.RequestService(ctx, bobDID, "data_analysis", 25)
	require.NoError(t, err)
	assert.True(t, requested)

	select {
	case msg := <-pushed:
		assert.Equal(t, aliceDID, msg.From)
		assert.Equal(t, "data_analysis", msg.Payload["service_name"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message notification")
	}

	messages, err := bob.GetMessages(ctx, inbox.MessageTypeServiceRequest)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	payment, err := bob.AcceptService(ctx, aliceDID, "data_analysis", 25, WithIdempotencyKey("pay-1"))
	require.NoError(t, err)
	assert.True(t, payment.Processed)

	// replayed, not charged twice
	_, err = bob.AcceptService(ctx, aliceDID, "data_analysis", 25, WithIdempotencyKey("pay-1"))
	require.NoError(t, err)

	balance, err := bob.GetBalance(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 125.0, balance.USDC)

	balance, err = bob.GetBalance(ctx, aliceDID)
	require.NoError(t, err)
	assert.Equal(t, 75.0, balance.USDC)

	cleared, err := bob.ClearMessages(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
}

func TestClient_RPCError(t *testing.T) {
	st := newStack(t)
	c := dial(t, st.url)

	_, err := c.Call(context.Background(), "foo", nil)
	require.Error(t, err)

	var rpcErr *gateway.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, gateway.MethodNotFound, rpcErr.Code)
	assert.Equal(t, "Method not found: foo", rpcErr.Message)
}

func TestClient_HelpersRequireRegistration(t *testing.T) {
	st := newStack(t)
	c := dial(t, st.url)
	ctx := context.Background()

	_, err := c.GetBalance(ctx, "")
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = c.GetMessages(ctx, "")
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = c.ClearMessages(ctx, "")
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = c.AcceptService(ctx, "did:walta:x", "x", 1)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestClient_ConcurrentCalls(t *testing.T) {
	st := newStack(t)
	c := dial(t, st.url)

	var wg sync.WaitGroup
	dids := make([]string, 10)
	for i := range dids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.Call(context.Background(), "register", map[string]interface{}{"agent_name": "agent"})
			if assert.NoError(t, err) {
				dids[i], _ = result["agent_did"].(string)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, did := range dids {
		assert.NotEmpty(t, did)
		assert.False(t, seen[did])
		seen[did] = true
	}
}

func TestClient_Timeout(t *testing.T) {
	url := rawServer(t, func(*websocket.Conn, gateway.RPCRequest) {})
	c := dial(t, url, WithTimeout(50*time.Millisecond))

	_, err := c.Call(context.Background(), "register", nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestClient_LateResponseDropped(t *testing.T) {
	delay := make(chan struct{})
	url := rawServer(t, func(conn *websocket.Conn, req gateway.RPCRequest) {
		if req.Method == "slow" {
			<-delay
		}
		_ = conn.WriteJSON(gateway.RPCResponse{JSONRPC: gateway.JSONRPCVersion, ID: req.ID, Result: map[string]interface{}{"method": req.Method}})
	})
	c := dial(t, url, WithTimeout(50*time.Millisecond))

	_, err := c.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	close(delay)

	result, err := c.Call(context.Background(), "fast", nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", result["method"])
}

func TestClient_UnknownResponseIDIgnored(t *testing.T) {
	url := rawServer(t, func(conn *websocket.Conn, req gateway.RPCRequest) {
		_ = conn.WriteJSON(gateway.RPCResponse{JSONRPC: gateway.JSONRPCVersion, ID: gateway.StringID("not-mine"), Result: "x"})
		_ = conn.WriteJSON(gateway.RPCResponse{JSONRPC: gateway.JSONRPCVersion, ID: req.ID, Result: map[string]interface{}{"ok": true}})
	})
	c := dial(t, url)

	result, err := c.Call(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}

func TestClient_NotificationHandler(t *testing.T) {
	url := rawServer(t, func(conn *websocket.Conn, req gateway.RPCRequest) {
		_ = conn.WriteJSON(gateway.RPCNotification{JSONRPC: gateway.JSONRPCVersion, Method: "walta.ping", Params: map[string]interface{}{"n": 1}})
		_ = conn.WriteJSON(gateway.RPCResponse{JSONRPC: gateway.JSONRPCVersion, ID: req.ID, Result: map[string]interface{}{}})
	})
	c := dial(t, url)

	got := make(chan string, 1)
	c.Handle("walta.ping", func(params json.RawMessage) { got <- string(params) })

	_, err := c.Call(context.Background(), "anything", nil)
	require.NoError(t, err)

	select {
	case params := <-got:
		assert.JSONEq(t, `{"n":1}`, params)
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler not invoked")
	}
}

func TestClient_CloseFailsPending(t *testing.T) {
	received := make(chan struct{}, 1)
	url := rawServer(t, func(*websocket.Conn, gateway.RPCRequest) {
		received <- struct{}{}
	})
	c, err := Dial(context.Background(), url)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "never", nil)
		errCh <- err
	}()

	<-received
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on close")
	}

	_, err = c.Call(context.Background(), "after", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
