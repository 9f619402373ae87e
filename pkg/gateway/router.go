package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MethodPrefix is the optional namespace accepted in front of method names
const MethodPrefix = "walta."

// RPCRouter handles RPC method registration and request routing
type RPCRouter struct {
	mu             sync.RWMutex
	methods        map[string]RequestHandler
	validator      *ParamValidator
	cache          ResponseCache
	idempotencyTTL time.Duration
	logger         zerolog.Logger
}

// RouterOption configures an RPCRouter
type RouterOption func(*RPCRouter)

// WithResponseCache replaces the in-memory idempotency cache
func WithResponseCache(cache ResponseCache, ttl time.Duration) RouterOption {
	return func(r *RPCRouter) {
		if cache != nil {
			r.cache = cache
		}
		if ttl > 0 {
			r.idempotencyTTL = ttl
		}
	}
}

// WithParamValidator checks params against per-method schemas before dispatch
func WithParamValidator(v *ParamValidator) RouterOption {
	return func(r *RPCRouter) {
		r.validator = v
	}
}

// WithRouterLogger sets the router logger
func WithRouterLogger(logger zerolog.Logger) RouterOption {
	return func(r *RPCRouter) {
		r.logger = logger
	}
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter(opts ...RouterOption) *RPCRouter {
	r := &RPCRouter{
		methods:        make(map[string]RequestHandler),
		cache:          NewMemoryCache(),
		idempotencyTTL: DefaultIdempotencyTTL,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanonicalMethod strips the optional namespace prefix
func CanonicalMethod(name string) string {
	return strings.TrimPrefix(name, MethodPrefix)
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[CanonicalMethod(name)] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.methods, CanonicalMethod(name))
}

// ParseRequest parses and validates a JSON-RPC request. Malformed JSON is a
// ParseError; well-formed JSON of the wrong shape is an InvalidRequest. When an
// InvalidRequest still carries a usable id, the partially decoded request is
// returned alongside the error so the reply can echo that id.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	if !json.Valid(data) {
		return nil, &RPCError{
			Code:    ParseError,
			Message: "Parse error",
		}
	}

	var req RPCRequest
	decodeErr := json.Unmarshal(data, &req)

	if req.ID.IsZero() {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: missing id field",
		}
	}

	if !req.ID.valid() {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: id must be a string or number",
		}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = JSONRPCVersion
	}

	if decodeErr != nil {
		return &req, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request",
			Data:    decodeErr.Error(),
		}
	}

	if req.Method == "" {
		return &req, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: missing method field",
		}
	}

	return &req, nil
}

// RouteRequest routes a request to the appropriate handler. It always returns a
// response; handler panics are reported as InternalError. A request carrying an
// idempotency key runs its handler at most once per key and TTL: later requests
// replay the stored response, and requests racing the first one are refused.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse(nil, &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	method := CanonicalMethod(req.Method)

	cacheKey := idempotencyCacheKey(method, req.IdempotencyKey)
	if cacheKey != "" {
		if replayed := r.replay(ctx, method, cacheKey, req.ID); replayed != nil {
			return replayed
		}
	}

	r.mu.RLock()
	handler, exists := r.methods[method]
	r.mu.RUnlock()

	if !exists {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	if r.validator != nil {
		if rpcErr := r.validator.Validate(method, req.Params); rpcErr != nil {
			return errorResponse(req.ID, rpcErr)
		}
	}

	if cacheKey != "" {
		reserved, err := r.cache.Reserve(ctx, cacheKey, r.idempotencyTTL)
		if err != nil {
			r.logger.Warn().Err(err).Str("method", method).Msg("Idempotency reservation failed")
			return errorResponse(req.ID, NewInternalError("Idempotency store unavailable"))
		}
		if !reserved {
			if replayed := r.replay(ctx, method, cacheKey, req.ID); replayed != nil {
				return replayed
			}
			return errorResponse(req.ID, newRequestInProgress())
		}
	}

	result, err := r.invoke(ctx, method, handler, req.Params)
	var response *RPCResponse
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = NewInternalError("Internal error: %v", err)
		}
		response = errorResponse(req.ID, rpcErr)
	} else {
		response = &RPCResponse{
			ID:      req.ID,
			JSONRPC: JSONRPCVersion,
			Result:  result,
		}
	}

	if cacheKey != "" {
		if err := r.cache.Set(ctx, cacheKey, *response, r.idempotencyTTL); err != nil {
			r.logger.Warn().Err(err).Str("method", method).Msg("Failed to cache idempotent response")
			if err := r.cache.Release(ctx, cacheKey); err != nil {
				r.logger.Warn().Err(err).Str("method", method).Msg("Failed to release idempotency key")
			}
		}
	}

	return response
}

// replay returns the stored outcome for key, or nil when the key is free
func (r *RPCRouter) replay(ctx context.Context, method, key string, id RequestID) *RPCResponse {
	cached, ok, err := r.cache.Get(ctx, key)
	switch {
	case errors.Is(err, ErrRequestInProgress):
		return errorResponse(id, newRequestInProgress())
	case err != nil:
		r.logger.Warn().Err(err).Str("method", method).Msg("Idempotency cache lookup failed")
		return errorResponse(id, NewInternalError("Idempotency store unavailable"))
	case ok:
		cached.ID = id
		return &cached
	}
	return nil
}

func newRequestInProgress() *RPCError {
	return &RPCError{Code: RequestInProgress, Message: "Duplicate request currently processing"}
}

func (r *RPCRouter) invoke(ctx context.Context, method string, handler RequestHandler, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error().
				Str("method", method).
				Interface("panic", recovered).
				Str("stack", string(debug.Stack())).
				Msg("RPC handler panicked")
			result = nil
			err = NewInternalError("Internal error: %v", recovered)
		}
	}()

	if params == nil {
		params = map[string]interface{}{}
	}
	return handler(ctx, params)
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.methods[CanonicalMethod(name)]
	return exists
}

// GetMethods returns all registered method names, sorted
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func errorResponse(id RequestID, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{
		ID:      id,
		JSONRPC: JSONRPCVersion,
		Error:   rpcErr,
	}
}

func idempotencyCacheKey(method string, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + ":" + idempotencyKey
}
