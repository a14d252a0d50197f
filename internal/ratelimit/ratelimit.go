// Package ratelimit throttles two things jrow exposes to untrusted peers:
// how fast an accepted connection may send messages, and how fast new
// connections may be accepted from a given address.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MessageLimiter hands out a token-bucket rate.Limiter per connection,
// so one noisy connection can't starve the others. Entries are created
// lazily on first use and must be removed by the caller on disconnect.
type MessageLimiter struct {
	mu      sync.RWMutex
	perConn map[uint64]*rate.Limiter
	burst   int
	rps     float64
}

func NewMessageLimiter(rps float64, burst int) *MessageLimiter {
	return &MessageLimiter{
		perConn: make(map[uint64]*rate.Limiter),
		burst:   burst,
		rps:     rps,
	}
}

// Allow reports whether connID may send one more message right now,
// consuming a token if so.
func (m *MessageLimiter) Allow(connID uint64) bool {
	return m.limiterFor(connID).Allow()
}

func (m *MessageLimiter) limiterFor(connID uint64) *rate.Limiter {
	m.mu.RLock()
	l, ok := m.perConn[connID]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.perConn[connID]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(m.rps), m.burst)
	m.perConn[connID] = l
	return l
}

// Remove discards connID's limiter state, called on disconnect so memory
// doesn't grow with connection churn.
func (m *MessageLimiter) Remove(connID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perConn, connID)
}

// TrackedConnections reports how many connections currently have limiter
// state, for diagnostics.
func (m *MessageLimiter) TrackedConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.perConn)
}

// ipEntry pairs a limiter with the last time it was consulted, so stale
// entries can be swept.
type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AcceptLimiterConfig configures ConnectionAcceptLimiter.
type AcceptLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func (c *AcceptLimiterConfig) applyDefaults() {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
}

// ConnectionAcceptLimiter throttles new WebSocket connections by IP and
// system-wide, protecting the accept loop from connection-flood DoS
// without limiting what an already-accepted connection can do.
type ConnectionAcceptLimiter struct {
	mu  sync.RWMutex
	ips map[string]*ipEntry

	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	global *rate.Limiter

	logger      zerolog.Logger
	cleanupStop chan struct{}
	cleanupOnce sync.Once
}

func NewConnectionAcceptLimiter(cfg AcceptLimiterConfig, logger zerolog.Logger) *ConnectionAcceptLimiter {
	cfg.applyDefaults()

	l := &ConnectionAcceptLimiter{
		ips:         make(map[string]*ipEntry),
		ipBurst:     cfg.IPBurst,
		ipRate:      cfg.IPRate,
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:      logger,
		cleanupStop: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip should be accepted,
// checking the global limit before the per-IP limit so one hot IP can't
// mask system-wide exhaustion.
func (l *ConnectionAcceptLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.ipLimiter(ip).Allow()
}

func (l *ConnectionAcceptLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.RLock()
	entry, ok := l.ips[ip]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		entry.lastAccess = time.Now()
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.ips[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst), lastAccess: time.Now()}
	l.ips[ip] = entry
	return entry.limiter
}

func (l *ConnectionAcceptLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.cleanupStop:
			return
		}
	}
}

func (l *ConnectionAcceptLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, entry := range l.ips {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ips, ip)
		}
	}
}

// Stop ends the background cleanup goroutine. Safe to call more than once.
func (l *ConnectionAcceptLimiter) Stop() {
	l.cleanupOnce.Do(func() { close(l.cleanupStop) })
}

// TrackedIPs reports how many IPs currently have limiter state.
func (l *ConnectionAcceptLimiter) TrackedIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ips)
}
