// Package rpcdispatch implements a method-keyed router for the
// client-facing RPC surface ({correlationId, method, params} ->
// {correlationId, result|error, isFinal}). Handlers live in a
// name -> handler map behind a RWMutex, dispatched by string key.
// The same Dispatcher type is wired twice: the desktop
// binary registers handlers that touch the local filesystem/terminal
// directly, and the server binary registers a single forwarding handler
// that relays every call through the relay hub to the owning device.
package rpcdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Request is one client-facing RPC call.
type Request struct {
	CorrelationID string          `json:"correlationId"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// Response is returned for a Request. Exactly one of Result or Error is set.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	IsFinal       bool            `json:"isFinal"`
}

// ErrorInfo is the wire representation of a dispatch failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler executes one RPC method. Handlers receiving params should
// unmarshal into their own parameter type; returning a non-nil error
// becomes an ErrorInfo in the Response.
type Handler func(ctx context.Context, params json.RawMessage) (result any, err error)

type methodCtxKey struct{}

// MethodFromContext returns the method name Dispatch is currently
// routing, for a fallback handler (e.g. NewRelayForwardHandler) that
// needs to know which method to forward since Handler's signature only
// carries params.
func MethodFromContext(ctx context.Context) (string, bool) {
	method, ok := ctx.Value(methodCtxKey{}).(string)
	return method, ok
}

// Dispatcher routes by method name to a registered Handler, optionally
// consulting a Cache for read-only methods registered via RegisterCached.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	cached   map[string]*Cache
	fallback Handler

	// group collapses concurrent cache misses for the same method+params
	// key into a single in-flight handler call, so a burst of identical
	// files.search/plans.list calls arriving before the first one fills
	// the cache doesn't fan out into duplicate expensive work.
	group singleflight.Group
}

// SetFallback registers a handler invoked for any method with no direct
// registration. The server binary uses this to forward every relayed
// method it doesn't handle locally straight through to the owning
// device via the relay hub, rather than registering one entry per fs./files./
// plans./terminal. method name twice.
func (d *Dispatcher) SetFallback(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = handler
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		cached:   make(map[string]*Cache),
	}
}

// Register adds a handler for method. Registering the same method twice
// replaces the previous handler.
func (d *Dispatcher) Register(method string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// RegisterCached adds a handler for a read-only method and fronts it with
// a bounded LRU+TTL cache keyed by the method's normalized params.
func (d *Dispatcher) RegisterCached(method string, handler Handler, capacity int, ttl, cacheTTL int64) {
	d.Register(method, handler)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached[method] = NewCache(capacity, cacheTTL)
}

// Dispatch looks up the handler for req.Method and invokes it, wrapping
// the result (or error) into a Response. Unknown methods return a
// not-found ErrorInfo rather than panicking, so a single bad relayed call
// can't take down the dispatch loop.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	ctx = context.WithValue(ctx, methodCtxKey{}, req.Method)

	d.mu.RLock()
	handler, ok := d.handlers[req.Method]
	cache, cacheOK := d.cached[req.Method]
	fallback := d.fallback
	d.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return errorResponse(req.CorrelationID, "method_not_found", fmt.Sprintf("no handler registered for method %q", req.Method))
		}
		result, err := fallback(ctx, req.Params)
		if err != nil {
			return errorResponse(req.CorrelationID, "handler_error", err.Error())
		}
		raw, ok := result.(json.RawMessage)
		if !ok {
			if raw, err = json.Marshal(result); err != nil {
				return errorResponse(req.CorrelationID, "encode_error", err.Error())
			}
		}
		return Response{CorrelationID: req.CorrelationID, Result: raw, IsFinal: true}
	}

	if cacheOK {
		key := cacheKey(req.Method, req.Params)
		if cached, hit := cache.Get(key); hit {
			return Response{CorrelationID: req.CorrelationID, Result: cached, IsFinal: true}
		}

		raw, err, _ := d.group.Do(key, func() (any, error) {
			if cached, hit := cache.Get(key); hit {
				return []byte(cached), nil
			}
			result, err := handler(ctx, req.Params)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return nil, err
			}
			cache.Put(key, raw)
			return raw, nil
		})
		if err != nil {
			return errorResponse(req.CorrelationID, "handler_error", err.Error())
		}
		return Response{CorrelationID: req.CorrelationID, Result: raw.([]byte), IsFinal: true}
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		return errorResponse(req.CorrelationID, "handler_error", err.Error())
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.CorrelationID, "encode_error", err.Error())
	}
	return Response{CorrelationID: req.CorrelationID, Result: raw, IsFinal: true}
}

func errorResponse(correlationID, code, message string) Response {
	return Response{
		CorrelationID: correlationID,
		Error:         &ErrorInfo{Code: code, Message: message},
		IsFinal:       true,
	}
}

func cacheKey(method string, params json.RawMessage) string {
	// params arrives as whatever byte-for-byte JSON the client sent;
	// re-marshaling isn't necessary for a cache key since callers are
	// expected to serialize param objects with consistent key order, and
	// a spurious miss on non-normalized input is a correctness no-op, not
	// a bug, for a cache.
	return method + ":" + string(params)
}
