package client

import (
	"sync"
	"sync/atomic"

	"github.com/adred-codev/jrow/internal/jsonrpc"
)

// requestManager hands out request ids and correlates each with a single-
// shot channel that the receive loop completes once the matching response
// frame arrives.
type requestManager struct {
	next int64 // atomic

	mu      sync.Mutex
	pending map[string]chan jsonrpc.Response
}

func newRequestManager() *requestManager {
	return &requestManager{pending: make(map[string]chan jsonrpc.Response)}
}

// nextID returns a fresh, process-unique request id.
func (r *requestManager) nextID() jsonrpc.ID {
	return jsonrpc.NumberID(atomic.AddInt64(&r.next, 1))
}

// register allocates the single-shot channel for id before the request is
// sent, so a response racing ahead of the registration can never be missed.
func (r *requestManager) register(id jsonrpc.ID) chan jsonrpc.Response {
	ch := make(chan jsonrpc.Response, 1)
	r.mu.Lock()
	r.pending[id.String()] = ch
	r.mu.Unlock()
	return ch
}

// complete delivers resp to the waiter registered under its id, if any.
func (r *requestManager) complete(resp jsonrpc.Response) {
	r.mu.Lock()
	ch, ok := r.pending[resp.ID.String()]
	if ok {
		delete(r.pending, resp.ID.String())
	}
	r.mu.Unlock()

	if ok {
		ch <- resp
	}
}

// failAll completes every pending request with a synthetic connection-closed
// error, unblocking any caller waiting in Request across a connection loss
// that isn't going to be retried.
func (r *requestManager) failAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan jsonrpc.Response)
	r.mu.Unlock()

	for id, ch := range pending {
		ch <- jsonrpc.NewErrorResponse(jsonrpc.StringID(id), jsonrpc.InternalError("connection closed"))
	}
}
