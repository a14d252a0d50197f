// Package batch implements JSON-RPC batch dispatch: decoding a batch array,
// enforcing a size limit, and running its elements either concurrently or in
// order.
package batch

import (
	"context"
	"strconv"
	"sync"

	"github.com/adred-codev/jrow/internal/jsonrpc"
	"github.com/adred-codev/jrow/internal/workerpool"
)

// pool is the subset of internal/workerpool.Pool that Processor needs. A
// *workerpool.Pool satisfies it directly; tests substitute lighter fakes.
type pool interface {
	Submit(task workerpool.Task) bool
}

// Mode selects how a batch's elements are dispatched relative to each other.
type Mode int

const (
	// Parallel dispatches every element concurrently. The default: highest
	// throughput, no ordering guarantee between elements' side effects.
	Parallel Mode = iota
	// Sequential dispatches elements one at a time, in array order. Use when
	// later elements depend on earlier ones having completed.
	Sequential
)

// Dispatcher routes one decoded method call and returns its result or error.
// internal/rpcserver.Router satisfies this via a thin adapter in the server
// wiring layer.
type Dispatcher func(ctx context.Context, method string, params []byte, id jsonrpc.ID) (jsonrpc.Response, bool)

// Processor processes JSON-RPC batch arrays.
type Processor struct {
	mode    Mode
	maxSize int // 0 means unlimited
	pool    pool
}

// NewProcessor builds a Processor. p bounds parallel-mode fanout -- the same
// worker pool used for publish fanout (internal/workerpool.Pool); a nil p
// falls back to one goroutine per element, still bounded by maxSize.
func NewProcessor(mode Mode, maxSize int, p pool) *Processor {
	return &Processor{mode: mode, maxSize: maxSize, pool: p}
}

// Process decodes and dispatches every element of elements. It returns the
// responses to send back, in the same relative order as their originating
// requests; notifications contribute no response. An oversized batch short-
// circuits to a single -32600 response with a null id, per the batch-size
// contract.
func (p *Processor) Process(ctx context.Context, elements [][]byte, dispatch Dispatcher) []jsonrpc.Response {
	if p.maxSize > 0 && len(elements) > p.maxSize {
		return []jsonrpc.Response{
			jsonrpc.NewErrorResponse(jsonrpc.NullID, jsonrpc.InvalidRequest(
				"batch size limit exceeded: max "+strconv.Itoa(p.maxSize)+", got "+strconv.Itoa(len(elements)))),
		}
	}

	switch p.mode {
	case Sequential:
		return p.processSequential(ctx, elements, dispatch)
	default:
		return p.processParallel(ctx, elements, dispatch)
	}
}

func (p *Processor) processSequential(ctx context.Context, elements [][]byte, dispatch Dispatcher) []jsonrpc.Response {
	var out []jsonrpc.Response
	for _, raw := range elements {
		if resp, ok := processSingle(ctx, raw, dispatch); ok {
			out = append(out, resp)
		}
	}
	return out
}

func (p *Processor) processParallel(ctx context.Context, elements [][]byte, dispatch Dispatcher) []jsonrpc.Response {
	results := make([]*jsonrpc.Response, len(elements))

	var wg sync.WaitGroup
	wg.Add(len(elements))
	for i, raw := range elements {
		i, raw := i, raw
		run := func() {
			defer wg.Done()
			if resp, ok := processSingle(ctx, raw, dispatch); ok {
				results[i] = &resp
			}
		}
		// Fan out through the shared worker pool so a pathological batch
		// size is bounded by the pool's queue, not by spawning len(elements)
		// raw goroutines. With no pool configured each element gets its own
		// goroutine. A rejected submission (queue full) still must produce
		// its response, so it runs inline rather than being dropped -- batch
		// items owe an independent result regardless of backpressure.
		if p.pool == nil {
			go run()
		} else if !p.pool.Submit(run) {
			run()
		}
	}
	wg.Wait()

	out := make([]jsonrpc.Response, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// processSingle classifies and dispatches one batch element, returning
// (response, true) when a reply is owed, or (zero, false) for notifications
// and responses (which produce none).
func processSingle(ctx context.Context, raw []byte, dispatch Dispatcher) (jsonrpc.Response, bool) {
	decoded, err := jsonrpc.Decode(raw)
	if err != nil {
		return jsonrpc.NewErrorResponse(jsonrpc.NullID, jsonrpc.ToWire(err)), true
	}

	switch decoded.Kind {
	case jsonrpc.KindRequest:
		return dispatch(ctx, decoded.Request.Method, decoded.Request.Params, decoded.Request.ID)

	case jsonrpc.KindNotification:
		dispatch(ctx, decoded.Notification.Method, decoded.Notification.Params, jsonrpc.NullID)
		return jsonrpc.Response{}, false

	case jsonrpc.KindBatch:
		return jsonrpc.NewErrorResponse(jsonrpc.NullID, jsonrpc.InvalidRequest("nested batches are not allowed")), true

	default:
		return jsonrpc.Response{}, false
	}
}
