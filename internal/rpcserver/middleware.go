package rpcserver

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adred-codev/jrow/internal/jsonrpc"
	"github.com/adred-codev/jrow/internal/pubsub"
)

// Action tells the chain what to do after a middleware's pre-hook runs.
type Action struct {
	shortCircuit bool
	result       any
}

// Continue lets the chain proceed to the next middleware, then the handler.
var Continue = Action{}

// ShortCircuit skips remaining pre-hooks and the handler, returning result
// directly as the method's success result.
func ShortCircuit(result any) Action {
	return Action{shortCircuit: true, result: result}
}

// Context is the per-call state threaded through the chain. Metadata lets
// one middleware hand data to another, or to post-hooks, without a bespoke
// field for every use case.
type Context struct {
	ctx       context.Context
	Method    string
	Params    []byte
	Conn      pubsub.ConnID
	RequestID jsonrpc.ID
	Metadata  map[string]any
}

func NewContext(ctx context.Context, method string, params []byte, conn pubsub.ConnID, id jsonrpc.ID) *Context {
	return &Context{ctx: ctx, Method: method, Params: params, Conn: conn, RequestID: id, Metadata: make(map[string]any)}
}

func (c *Context) Context() context.Context { return c.ctx }

// Middleware observes and can short-circuit every dispatched call.
type Middleware interface {
	PreHandle(ctx *Context) (Action, error)
	PostHandle(ctx *Context, result any, err error)
}

// Chain runs registered middleware pre-hooks in registration order and
// post-hooks in reverse order, matching the request/response pipeline
// semantics of a classic onion middleware stack.
type Chain struct {
	middlewares []Middleware
}

func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

func (c *Chain) Use(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

// Execute runs the chain around handler. A pre-hook error or short-circuit
// returns immediately: neither the handler nor any post-hook runs. A
// post-hook panic is recovered and logged so every middleware's post-hook
// gets a chance to run.
func (c *Chain) Execute(ctx *Context, handler func(*Context) (any, error)) (any, error) {
	ran := make([]Middleware, 0, len(c.middlewares))

	for _, m := range c.middlewares {
		action, err := m.PreHandle(ctx)
		ran = append(ran, m)
		if err != nil {
			return nil, err
		}
		if action.shortCircuit {
			return action.result, nil
		}
	}

	result, err := handler(ctx)

	for i := len(ran) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("method", ctx.Method).Msg("middleware post-hook panicked")
				}
			}()
			ran[i].PostHandle(ctx, result, err)
		}()
	}

	return result, err
}

// LoggingMiddleware logs every dispatched call at debug level.
type LoggingMiddleware struct {
	Logger zerolog.Logger
}

func (m LoggingMiddleware) PreHandle(ctx *Context) (Action, error) {
	m.Logger.Debug().Str("method", ctx.Method).Uint64("conn_id", uint64(ctx.Conn)).Msg("dispatching")
	return Continue, nil
}

func (m LoggingMiddleware) PostHandle(ctx *Context, result any, err error) {
	ev := m.Logger.Debug().Str("method", ctx.Method)
	if err != nil {
		ev.Err(err).Msg("dispatch failed")
		return
	}
	ev.Msg("dispatch succeeded")
}

// TimingMiddleware records dispatch duration into the context metadata under
// "duration", read back by instrumentation-aware post-hooks.
type TimingMiddleware struct{}

func (TimingMiddleware) PreHandle(ctx *Context) (Action, error) {
	ctx.Metadata["start_time"] = time.Now()
	return Continue, nil
}

func (TimingMiddleware) PostHandle(ctx *Context, result any, err error) {
	start, ok := ctx.Metadata["start_time"].(time.Time)
	if !ok {
		return
	}
	ctx.Metadata["duration"] = time.Since(start)
}
