package gateway

import (
	"bytes"
	"context"
	"encoding/json"
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

	"github.com/walta-ai/walta/internal/metrics"
	"github.com/walta-ai/walta/pkg/identity"
	"github.com/walta-ai/walta/pkg/inbox"
	"github.com/walta-ai/walta/pkg/ledger"
	"github.com/walta-ai/walta/pkg/ledger/local"
	"github.com/walta-ai/walta/pkg/session"
)

type testStack struct {
	server   *Server
	http     *httptest.Server
	adapter  *ledger.Adapter
	queue    *inbox.Queue
	sessions *session.Manager
	metrics  *metrics.Metrics
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	logger := zerolog.Nop()
	m := metrics.NewMetrics()

	adapter, err := ledger.NewAdapter(ledger.AdapterConfig{
		Backend:  local.New(),
		Observer: m.ObserveLedgerCall,
		Logger:   logger,
	})
	require.NoError(t, err)

	st := &testStack{adapter: adapter, metrics: m}
	st.queue = inbox.NewQueue(logger, inbox.WithEnqueueHook(func(msg inbox.Message) {
		st.server.NotifyMessage(msg)
	}))

	registry, err := identity.NewRegistry(identity.Config{
		Provisioner: adapter,
		Inboxes:     st.queue,
		Logger:      logger,
	})
	require.NoError(t, err)
	adapter.SetIdentityLookup(registry)
	st.queue.SetIdentityChecker(registry)

	st.sessions = session.NewManager(logger)

	st.server, err = NewServer(Config{
		Identities: registry,
		Messages:   st.queue,
		Payments:   adapter,
		Sessions:   st.sessions,
		Metrics:    m,
		Logger:     logger,
	})
	require.NoError(t, err)

	st.http = httptest.NewServer(st.server.Handler())
	t.Cleanup(st.http.Close)
	return st
}

func (st *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(st.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	ID     RequestID       `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// readResponse reads frames until a response arrives, skipping notifications
func readResponse(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Method == "" {
			return f
		}
	}
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params map[string]interface{}) frame {
	t.Helper()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}))
	resp := readResponse(t, conn)
	require.Equal(t, StringID(id), resp.ID)
	return resp
}

func decode(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func register(t *testing.T, conn *websocket.Conn, name string) string {
	t.Helper()

	resp := call(t, conn, "reg-"+name, "walta.register", map[string]interface{}{"agent_name": name})
	require.Nil(t, resp.Error)
	result := decode(t, resp.Result)
	assert.Equal(t, "registered", result["status"])
	did := result["agent_did"].(string)
	require.True(t, strings.HasPrefix(did, identity.DIDPrefix))
	return did
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: -1})
	assert.Error(t, err)
}

func TestServer_Methods(t *testing.T) {
	st := newTestStack(t)

	assert.Equal(t, []string{
		MethodAcceptService,
		MethodClearMessages,
		MethodGetBalance,
		MethodGetMessages,
		MethodRegister,
		MethodRequestService,
		MethodVerifyIdentity,
	}, st.server.Methods())
}

func TestServer_RegisterAndVerify(t *testing.T) {
	st := newTestStack(t)
	conn := st.dial(t)

	did := register(t, conn, "alice")

	resp := call(t, conn, "2", "verify_identity", map[string]interface{}{"target_did": did})
	require.Nil(t, resp.Error)
	result := decode(t, resp.Result)
	assert.Equal(t, true, result["verified"])
	snapshot := result["identity"].(map[string]interface{})
	assert.Equal(t, "alice", snapshot["name"])
	assert.Equal(t, did, snapshot["did"])

	resp = call(t, conn, "3", "verify_identity", map[string]interface{}{"target_did": "did:walta:unknown"})
	require.Nil(t, resp.Error)
	result = decode(t, resp.Result)
	assert.Equal(t, false, result["verified"])
	assert.Nil(t, result["identity"])

	peers := st.server.GetConnectedPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, did, peers[0].DID)
}

func TestServer_ServiceFlow(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()

	requesterConn := st.dial(t)
	providerConn := st.dial(t)

	requester := register(t, requesterConn, "alice")
	provider := register(t, providerConn, "bob")

	_, err := st.adapter.Fund(ctx, requester, 100)
	require.NoError(t, err)
	_, err = st.adapter.Fund(ctx, provider, 100)
	require.NoError(t, err)

	resp := call(t, requesterConn, "1", "request_service", map[string]interface{}{
		"provider_did":   provider,
		"service_name":   "data_analysis",
		"offered_amount": 25,
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, true, decode(t, resp.Result)["service_requested"])

	// provider receives a push before it asks
	require.NoError(t, providerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var push frame
	require.NoError(t, providerConn.ReadJSON(&push))
	assert.Equal(t, NotificationMessage, push.Method)
	pushed := decode(t, push.Params)
	assert.Equal(t, requester, pushed["from_did"])

	resp = call(t, providerConn, "2", "get_messages", map[string]interface{}{"agent_did": provider})
	require.Nil(t, resp.Error)
	result := decode(t, resp.Result)
	assert.Equal(t, float64(1), result["count"])
	msg := result["messages"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, requester, msg["from_did"])
	assert.Equal(t, inbox.MessageTypeServiceRequest, msg["type"])
	payload := msg["payload"].(map[string]interface{})
	assert.Equal(t, "data_analysis", payload["service_name"])
	assert.Equal(t, float64(25), payload["offered_amount"])

	resp = call(t, providerConn, "3", "accept_service", map[string]interface{}{
		"provider_did":  provider,
		"requester_did": requester,
		"service_name":  "data_analysis",
		"amount":        25,
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, true, decode(t, resp.Result)["payment_processed"])

	resp = call(t, providerConn, "4", "get_balance", map[string]interface{}{"agent_did": provider})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{"usdc": float64(125)}, decode(t, resp.Result)["balance"])

	resp = call(t, requesterConn, "5", "get_balance", map[string]interface{}{"agent_did": requester})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{"usdc": float64(75)}, decode(t, resp.Result)["balance"])

	resp = call(t, providerConn, "6", "clear_messages", map[string]interface{}{"agent_did": provider})
	require.Nil(t, resp.Error)
	assert.Equal(t, float64(1), decode(t, resp.Result)["cleared"])

	resp = call(t, providerConn, "7", "get_messages", map[string]interface{}{"agent_did": provider})
	assert.Equal(t, float64(0), decode(t, resp.Result)["count"])
}

func TestServer_AcceptServiceInsufficientFunds(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	conn := st.dial(t)

	requester := register(t, conn, "alice")
	provider := register(t, conn, "bob")
	_, err := st.adapter.Fund(ctx, requester, 10)
	require.NoError(t, err)

	resp := call(t, conn, "1", "accept_service", map[string]interface{}{
		"provider_did":  provider,
		"requester_did": requester,
		"service_name":  "x",
		"amount":        50,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)
	assert.True(t, strings.HasPrefix(resp.Error.Message, "Payment failed:"))

	balance, err := st.adapter.Balance(ctx, requester)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.USDC)
}

func TestServer_RequestServiceUnboundConnection(t *testing.T) {
	st := newTestStack(t)
	conn := st.dial(t)
	other := st.dial(t)

	provider := register(t, other, "bob")

	resp := call(t, conn, "1", "request_service", map[string]interface{}{
		"provider_did":   provider,
		"service_name":   "x",
		"offered_amount": 5,
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, false, decode(t, resp.Result)["service_requested"])
	assert.Zero(t, st.queue.Len(provider))
}

func TestServer_ProtocolErrors(t *testing.T) {
	st := newTestStack(t)
	conn := st.dial(t)

	t.Run("parse error keeps connection open", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
		resp := readResponse(t, conn)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
		assert.Equal(t, "Parse error", resp.Error.Message)
		assert.Empty(t, resp.ID)

		register(t, conn, "still-open")
	})

	t.Run("numeric id echoed unchanged", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":42,"method":"register","params":{"agent_name":"numeric"}}`)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"id":42`)

		var resp frame
		require.NoError(t, json.Unmarshal(raw, &resp))
		assert.Nil(t, resp.Error)
		assert.Equal(t, NumberID(42), resp.ID)
	})

	t.Run("non-object params is an invalid request", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":"13","method":"register","params":["x"]}`)))
		resp := readResponse(t, conn)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
		assert.Equal(t, StringID("13"), resp.ID)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := call(t, conn, "9", "foo", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
		assert.Equal(t, "Method not found: foo", resp.Error.Message)
	})

	t.Run("missing params", func(t *testing.T) {
		resp := call(t, conn, "10", "get_balance", map[string]interface{}{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
		assert.Equal(t, "Missing agent_did", resp.Error.Message)
	})

	t.Run("balance of unknown identity", func(t *testing.T) {
		resp := call(t, conn, "11", "get_balance", map[string]interface{}{"agent_did": "did:walta:nobody"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.True(t, strings.HasPrefix(resp.Error.Message, "Balance query failed:"))
	})

	t.Run("handler panic", func(t *testing.T) {
		require.NoError(t, st.server.RegisterMethod("explode", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		}))
		defer st.server.UnregisterMethod("explode")

		resp := call(t, conn, "12", "explode", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "kaboom")

		register(t, conn, "after-panic")
	})
}

func TestServer_ResponsesInOrder(t *testing.T) {
	st := newTestStack(t)
	conn := st.dial(t)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id":     name,
			"method": "register",
			"params": map[string]interface{}{"agent_name": name},
		}))
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		resp := readResponse(t, conn)
		assert.Equal(t, StringID(name), resp.ID)
	}
}

func TestServer_UnbindOnClose(t *testing.T) {
	st := newTestStack(t)
	conn := st.dial(t)

	did := register(t, conn, "alice")
	assert.True(t, st.sessions.Connected(did))

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return !st.sessions.Connected(did) && len(st.server.GetConnectedPeers()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_HTTPRPC(t *testing.T) {
	st := newTestStack(t)

	post := func(body string) (*http.Response, frame) {
		resp, err := http.Post(st.http.URL+"/rpc", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		var f frame
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
		return resp, f
	}

	resp, f := post(`{"jsonrpc":"2.0","id":"1","method":"register","params":{"agent_name":"http-agent"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, f.Error)
	assert.Equal(t, "registered", decode(t, f.Result)["status"])

	resp, f = post(`{oops`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, f.Error)
	assert.Equal(t, ParseError, f.Error.Code)

	getResp, err := http.Get(st.http.URL + "/rpc")
	require.NoError(t, err)
	_ = getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	st := newTestStack(t)
	conn := st.dial(t)
	register(t, conn, "alice")

	resp, err := http.Get(st.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get(st.http.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `walta_rpc_requests_total{method="register",status="ok"} 1`)
	assert.Contains(t, buf.String(), "walta_ledger_calls_total")
	assert.Contains(t, buf.String(), "walta_identities_registered_total 1")
}

func TestServer_StartStop(t *testing.T) {
	st := newTestStack(t)
	srv, err := NewServer(Config{
		Host:       "127.0.0.1",
		Port:       0,
		Identities: st.server.identities,
		Messages:   st.queue,
		Payments:   st.adapter,
		Sessions:   st.sessions,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	assert.Empty(t, srv.Addr())
	require.NoError(t, srv.Start())
	require.NotEmpty(t, srv.Addr())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return len(srv.GetConnectedPeers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, NotificationShutdown, f.Method)

	t.Run("connections after stop are refused", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		srv.handleWebSocket(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		done := make(chan struct{})
		go func() {
			srv.connWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("refused connection left the drain group waiting")
		}
	})
}

func TestServer_StopDrainsRacingConnections(t *testing.T) {
	st := newTestStack(t)
	wsURL := "ws" + strings.TrimPrefix(st.http.URL, "http") + "/ws"

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err == nil {
				_ = conn.Close()
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, st.server.Stop(ctx))
	wg.Wait()

	assert.NoError(t, ctx.Err(), "stop waited for its full timeout")
	assert.Eventually(t, func() bool { return len(st.server.GetConnectedPeers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
