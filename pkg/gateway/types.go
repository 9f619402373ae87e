package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// JSONRPCVersion is the protocol version tag carried by every frame
const JSONRPCVersion = "2.0"

// RequestID is a JSON-RPC id kept as raw JSON, so string and number ids are
// echoed back exactly as the caller sent them. The zero value encodes as null.
type RequestID []byte

// StringID returns the id for a string value
func StringID(s string) RequestID {
	raw, _ := json.Marshal(s)
	return RequestID(raw)
}

// NumberID returns the id for an integer value
func NumberID(n int64) RequestID {
	return RequestID(strconv.FormatInt(n, 10))
}

// MarshalJSON implements json.Marshaler
func (id RequestID) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return id, nil
}

// UnmarshalJSON implements json.Unmarshaler. A null id decodes to the zero value.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = nil
		return nil
	}
	*id = append((*id)[:0], data...)
	return nil
}

// IsZero reports whether the id is absent or null
func (id RequestID) IsZero() bool {
	return len(id) == 0
}

// String returns a string id unquoted and a number id as written
func (id RequestID) String() string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// valid accepts non-empty strings and numbers
func (id RequestID) valid() bool {
	if id.IsZero() {
		return false
	}
	switch c := id[0]; {
	case c == '"':
		var s string
		return json.Unmarshal(id, &s) == nil && s != ""
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(id, &n) == nil
	}
	return false
}

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             RequestID              `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type RPCResponse struct {
	ID      RequestID   `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCNotification is a server-initiated frame without an id
type RPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// RequestInProgress refuses a request whose idempotency key is held by a running request
	RequestInProgress = -32000
)

// NewInvalidParams returns an InvalidParams error
func NewInvalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError returns an InternalError error
func NewInternalError(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InternalError, Message: fmt.Sprintf(format, args...)}
}

// RequestHandler is a function that handles RPC requests. Returning an *RPCError
// selects the error code; any other error is reported as InternalError.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ConnInfo represents information about a connected peer
type ConnInfo struct {
	ID           string    `json:"id"`
	DID          string    `json:"did,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Conn represents a connected WebSocket peer
type Conn struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

// WriteJSON serializes v onto the socket. Responses and notifications may race,
// so writes are serialized per connection.
func (c *Conn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
