// Package client is the requesting side of the agent gateway protocol. A Client
// multiplexes concurrent calls over one websocket, correlating responses by id,
// and dispatches server notifications to registered handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/walta-ai/walta/pkg/gateway"
)

// DefaultTimeout bounds a call that receives no response
const DefaultTimeout = 30 * time.Second

var (
	// ErrRequestTimeout is returned when no response arrives within the call timeout
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed is returned for calls pending or issued after the connection closed
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotRegistered is returned by helpers that need the client's own identity before Register
	ErrNotRegistered = errors.New("client is not registered")
)

// NotificationHandler receives the params of a server notification. It runs on
// the read goroutine, so it must not block on a call over the same client.
type NotificationHandler func(params json.RawMessage)

// frame is any message received from the server
type frame struct {
	ID     gateway.RequestID `json:"id"`
	Method string            `json:"method"`
	Params json.RawMessage   `json:"params"`
	Result json.RawMessage   `json:"result"`
	Error  *gateway.RPCError `json:"error"`
}

type outcome struct {
	frame frame
	err   error
}

// Client is a JSON-RPC client over a websocket connection
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan outcome
	closed  bool

	handlersMu sync.RWMutex
	handlers   map[string]NotificationHandler

	didMu sync.RWMutex
	did   string

	timeout time.Duration
	logger  zerolog.Logger
	done    chan struct{}
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-call response timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// CallOption configures a single call
type CallOption func(*gateway.RPCRequest)

// WithIdempotencyKey makes the server replay its first response for repeated calls with key
func WithIdempotencyKey(key string) CallOption {
	return func(req *gateway.RPCRequest) {
		req.IdempotencyKey = key
	}
}

// Dial connects to a gateway websocket endpoint, e.g. ws://localhost:8765/ws
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		pending:  make(map[string]chan outcome),
		handlers: make(map[string]NotificationHandler),
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debug().Str("url", url).Msg("Connected to gateway")

	go c.readLoop()
	return c, nil
}

// Close closes the connection and fails every pending call with ErrConnectionClosed
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the read loop has exited
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Handle registers fn for notifications with the given method, replacing any previous handler
func (c *Client) Handle(method string, fn NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if fn == nil {
		delete(c.handlers, method)
		return
	}
	c.handlers[method] = fn
}

// DID returns the identity obtained by Register, or "" before that
func (c *Client) DID() string {
	c.didMu.RLock()
	defer c.didMu.RUnlock()
	return c.did
}

// Call sends a request and waits for its response. RPC failures are returned as *gateway.RPCError.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, opts ...CallOption) (map[string]interface{}, error) {
	var result map[string]interface{}
	if err := c.CallInto(ctx, method, params, &result, opts...); err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	return result, nil
}

// CallInto is Call with the result decoded into out
func (c *Client) CallInto(ctx context.Context, method string, params map[string]interface{}, out interface{}, opts ...CallOption) error {
	if params == nil {
		params = map[string]interface{}{}
	}

	id := uuid.New().String()
	req := gateway.RPCRequest{
		JSONRPC: gateway.JSONRPCVersion,
		ID:      gateway.StringID(id),
		Method:  method,
		Params:  params,
	}
	for _, opt := range opts {
		opt(&req)
	}

	ch := make(chan outcome, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.frame.Error != nil {
			return res.frame.Error
		}
		if out == nil || len(res.frame.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.frame.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.failPending()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("Gateway connection lost")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}

		if f.ID.IsZero() && f.Method != "" {
			c.dispatchNotification(f)
			continue
		}
		c.resolve(f)
	}
}

// resolve hands a response to its waiting call. Responses whose call already
// timed out, and responses with unknown ids, are dropped.
func (c *Client) resolve(f frame) {
	id := f.ID.String()

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("id", id).Msg("Dropping response with no pending call")
		return
	}
	ch <- outcome{frame: f}
}

func (c *Client) dispatchNotification(f frame) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[f.Method]
	c.handlersMu.RUnlock()

	if !ok {
		c.logger.Debug().Str("method", f.Method).Msg("Unhandled notification")
		return
	}
	handler(f.Params)
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, ch := range c.pending {
		ch <- outcome{err: ErrConnectionClosed}
		delete(c.pending, id)
	}
}
