// Package rpcserver dispatches decoded JSON-RPC calls to registered handlers
// through a middleware chain, and implements the built-in rpc.* surface
// (subscribe, unsubscribe, and their persistent/batch variants).
package rpcserver

import (
	"context"
	"sync"

	"github.com/adred-codev/jrow/internal/jsonrpc"
)

// Handler handles one method call. Params is the raw JSON params value
// (nil when the caller sent no params or an explicit null: Route maps a
// literal null to nil, so handlers cannot tell the two apart).
type Handler func(ctx context.Context, rctx *Context, params []byte) (any, error)

// Router maps method names to handlers and executes a middleware chain
// around every dispatch.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
	chain  *Chain
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler), chain: NewChain()}
}

// Register binds a handler to a method name, overwriting any prior handler.
func (r *Router) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[method] = h
}

// Use appends middleware to the chain every dispatch runs through.
func (r *Router) Use(m Middleware) {
	r.chain.Use(m)
}

// HasMethod reports whether method has a registered handler.
func (r *Router) HasMethod(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[method]
	return ok
}

// Methods returns a snapshot of registered method names.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for m := range r.routes {
		out = append(out, m)
	}
	return out
}

// Route looks up and dispatches rctx.Method through the middleware chain,
// returning jsonrpc.MethodNotFound when no handler is registered.
func (r *Router) Route(ctx context.Context, rctx *Context) (any, error) {
	r.mu.RLock()
	handler, ok := r.routes[rctx.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, jsonrpc.NewMethodNotFoundErr(rctx.Method)
	}

	return r.chain.Execute(rctx, func(c *Context) (any, error) {
		params := c.Params
		if string(params) == "null" {
			params = nil
		}
		return handler(ctx, c, params)
	})
}
