package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/walta-ai/walta/internal/metrics"
	"github.com/walta-ai/walta/internal/observability"
	"github.com/walta-ai/walta/internal/tracing"
	"github.com/walta-ai/walta/pkg/identity"
	"github.com/walta-ai/walta/pkg/inbox"
	"github.com/walta-ai/walta/pkg/ledger"
)

// IdentityStore registers and resolves agent identities
type IdentityStore interface {
	Register(ctx context.Context, name string) (identity.Identity, error)
	Lookup(did string) (identity.Identity, bool)
	Exists(did string) bool
}

// MessageStore is the per-identity inbox
type MessageStore interface {
	Send(from, to, msgType string, payload map[string]interface{}) bool
	Receive(did, msgType string) []inbox.Message
	Clear(did, msgType string) int
}

// Payments moves value between registered identities
type Payments interface {
	Transfer(ctx context.Context, fromDID, toDID string, amount float64, memo string) (ledger.Result, error)
	Balance(ctx context.Context, did string) (ledger.Balance, error)
}

// Sessions binds connections to identities
type Sessions interface {
	Bind(connID, did string)
	Resolve(connID string) (string, bool)
	Unbind(connID string)
	Connection(did string) (string, bool)
}

// Server is the agent gateway: JSON-RPC over websocket plus a single-shot HTTP endpoint
type Server struct {
	host           string
	port           int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	conns          *ConnRegistry
	router         *RPCRouter
	notifier       *Notifier
	identities     IdentityStore
	messages       MessageStore
	payments       Payments
	sessions       Sessions
	metrics        *metrics.Metrics
	audit          *observability.AuditLogger
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	Identities     IdentityStore
	Messages       MessageStore
	Payments       Payments
	Sessions       Sessions
	Cache          ResponseCache
	IdempotencyTTL time.Duration
	Metrics        *metrics.Metrics
	Audit          *observability.AuditLogger // optional
	Logger         zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Identities == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if cfg.Messages == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if cfg.Payments == nil {
		return nil, fmt.Errorf("payments are required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	validator, err := NewParamValidator(MethodSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to compile param schemas: %w", err)
	}

	conns := NewConnRegistry()
	router := NewRPCRouter(
		WithParamValidator(validator),
		WithResponseCache(cfg.Cache, cfg.IdempotencyTTL),
		WithRouterLogger(cfg.Logger),
	)

	s := &Server{
		host:       cfg.Host,
		port:       cfg.Port,
		conns:      conns,
		router:     router,
		notifier:   NewNotifier(conns, cfg.Sessions, cfg.Logger),
		identities: cfg.Identities,
		messages:   cfg.Messages,
		payments:   cfg.Payments,
		sessions:   cfg.Sessions,
		metrics:    cfg.Metrics,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP handler serving every gateway endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"connections": s.conns.Count(),
		})
	})
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Walta gateway")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gateway server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Walta gateway")

	s.notifier.Broadcast(NotificationShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	for _, conn := range s.conns.GetAll() {
		_ = conn.Conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All connections drained")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Walta gateway stopped")
	return nil
}

// handleWebSocket upgrades the connection and runs its read loop
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	// counted under the read lock so Stop cannot start waiting before this connection is tracked
	s.connWG.Add(1)
	s.shutdownMu.RUnlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connWG.Done()
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, _ := gonanoid.New()
	conn := &Conn{
		ID:           connID,
		Conn:         ws,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
	}

	s.conns.Add(conn)
	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
	}

	s.logger.Info().
		Str("connId", connID).
		Str("ip", r.RemoteAddr).
		Msg("Agent connected")

	// Stop may have swept the registry before this connection was added
	s.shutdownMu.RLock()
	closing := s.isShuttingDown
	s.shutdownMu.RUnlock()
	if closing {
		_ = ws.Close()
	}

	go s.handleConn(conn)
}

// handleConn reads frames until the transport closes. Requests on one
// connection are handled strictly in arrival order.
func (s *Server) handleConn(conn *Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = tracing.WithConnID(ctx, conn.ID)

	defer func() {
		cancel()
		_ = conn.Conn.Close()
		s.sessions.Unbind(conn.ID)
		s.conns.Remove(conn.ID)
		if s.metrics != nil {
			s.metrics.ConnectionsActive.Dec()
		}
		s.logger.Info().Str("connId", conn.ID).Msg("Agent disconnected")
		s.connWG.Done()
	}()

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("connId", conn.ID).Msg("WebSocket error")
			}
			return
		}

		s.conns.UpdateActivity(conn.ID)
		s.handleMessage(ctx, conn, message)
	}
}

// parseFailure builds the reply to a frame ParseRequest rejected, echoing the
// id when one could be read
func parseFailure(req *RPCRequest, err error) *RPCResponse {
	rpcErr, ok := err.(*RPCError)
	if !ok {
		rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
	}
	var id RequestID
	if req != nil {
		id = req.ID
	}
	return errorResponse(id, rpcErr)
}

// handleMessage handles a single frame from a peer
func (s *Server) handleMessage(ctx context.Context, conn *Conn, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		response := parseFailure(req, err)
		if response.Error.Code == ParseError && s.metrics != nil {
			s.metrics.ParseErrorsTotal.Inc()
		}
		s.send(conn, response)
		return
	}

	if did, ok := s.sessions.Resolve(conn.ID); ok {
		ctx = tracing.WithAgentDID(ctx, did)
	}

	s.send(conn, s.dispatch(ctx, req))
}

// dispatch routes one request with tracing and metrics
func (s *Server) dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	method := CanonicalMethod(req.Method)

	ctx = tracing.WithRequestID(ctx, req.ID.String())
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx, span := tracing.StartSpan(ctx, "rpc."+method,
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
	)
	defer span.End()

	start := time.Now()
	resp := s.router.RouteRequest(ctx, req)
	duration := time.Since(start)

	status := "ok"
	if resp.Error != nil {
		status = errorCodeName(resp.Error.Code)
		span.SetStatus(codes.Error, resp.Error.Message)
	}
	s.metrics.ObserveRPC(method, status, duration)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("method", method).
		Str("status", status).
		Dur("duration", duration).
		Msg("RPC request handled")

	return resp
}

func (s *Server) send(conn *Conn, response *RPCResponse) {
	if err := conn.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("connId", conn.ID).
			Str("requestId", response.ID.String()).
			Msg("Failed to send response")
	}
}

// handleRPC handles single-shot HTTP JSON-RPC requests. There is no session,
// so methods that need a bound identity behave as for an unbound connection.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(parseFailure(req, err))
		return
	}

	ctx := r.Context()
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}

	resp := s.dispatch(ctx, req)

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// NotifyMessage counts a newly enqueued message and pushes it to its
// recipient, if connected
func (s *Server) NotifyMessage(msg inbox.Message) bool {
	if s.metrics != nil {
		s.metrics.MessagesEnqueuedTotal.WithLabelValues(msg.Type).Inc()
	}
	return s.notifier.Notify(msg.To, NotificationMessage, msg)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// Methods returns the registered method names
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedPeers returns information about all open connections
func (s *Server) GetConnectedPeers() []ConnInfo {
	return s.conns.Snapshot(s.sessions.Resolve)
}

func errorCodeName(code int) string {
	switch code {
	case ParseError:
		return "parse_error"
	case InvalidRequest:
		return "invalid_request"
	case MethodNotFound:
		return "method_not_found"
	case InvalidParams:
		return "invalid_params"
	case InternalError:
		return "internal_error"
	default:
		return "error"
	}
}
