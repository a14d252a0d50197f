package conn

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/jrow/internal/persistent"
	"github.com/adred-codev/jrow/internal/pubsub"
)

// Registry tracks every live connection and runs the ordered cleanup that
// removes a connection from every index that knows about it. The order
// matters: the registry entry goes first so a racing publish can no longer
// find the connection at all, then the subscription indexes, then the
// persistent bindings (which only detach -- durable state survives for
// resume).
type Registry struct {
	mu         sync.RWMutex
	conns      map[ID]*Conn
	nextID     uint64
	queueDepth int
	exact      *pubsub.ExactIndex
	pattern    *pubsub.PatternIndex
	persist    *persistent.Manager
	logger     zerolog.Logger
}

// NewRegistry builds a Registry. queueDepth of 0 falls back to
// DefaultQueueDepth.
func NewRegistry(queueDepth int, exact *pubsub.ExactIndex, pattern *pubsub.PatternIndex, persist *persistent.Manager, logger zerolog.Logger) *Registry {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Registry{
		conns:      make(map[ID]*Conn),
		queueDepth: queueDepth,
		exact:      exact,
		pattern:    pattern,
		persist:    persist,
		logger:     logger,
	}
}

// Register allocates an ID and starts tracking raw as a live connection.
func (r *Registry) Register(raw net.Conn) *Conn {
	id := ID(atomic.AddUint64(&r.nextID, 1))
	c := newConn(id, raw, r.queueDepth)

	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()

	return c
}

// Get looks up a tracked connection by id.
func (r *Registry) Get(id ID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Disconnect runs the full ordered teardown for a connection and closes its
// socket. Safe to call more than once for the same connection.
func (r *Registry) Disconnect(id ID, reason DisconnectReason) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	pid := pubsub.ConnID(id)
	if r.exact != nil {
		r.exact.RemoveConnection(pid)
	}
	if r.pattern != nil {
		r.pattern.RemoveConnection(pid)
	}
	if r.persist != nil {
		r.persist.RemoveConnection(pid)
	}

	c.Close()

	r.logger.Info().
		Uint64("conn_id", uint64(id)).
		Str("reason", string(reason)).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Int64("dropped_messages", c.Dropped()).
		Msg("connection closed")
}

// DisconnectAll tears down every live connection, used during shutdown.
func (r *Registry) DisconnectAll(reason DisconnectReason) {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id, reason)
	}
}
