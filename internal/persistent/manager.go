// Package persistent manages durable subscriptions: the active-connection
// binding for each subscription id, exclusivity between connections, and the
// inactivity sweep that reclaims abandoned subscription state.
package persistent

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adred-codev/jrow/internal/pubsub"
	"github.com/adred-codev/jrow/internal/store"
	"github.com/adred-codev/jrow/internal/topic"
)

type activeSub struct {
	id      string
	pattern *topic.Pattern
	conn    pubsub.ConnID
}

// Manager binds durable subscription ids to at most one live connection each,
// while their replay cursors live in store.Store regardless of whether a
// connection currently holds them.
type Manager struct {
	store *store.Store

	mu                sync.RWMutex
	active            map[string]activeSub
	connSubs          map[pubsub.ConnID][]string
	inactivityTimeout time.Duration // zero disables the sweep
}

func NewManager(s *store.Store, inactivityTimeout time.Duration) *Manager {
	return &Manager{
		store:             s,
		active:            make(map[string]activeSub),
		connSubs:          make(map[pubsub.ConnID][]string),
		inactivityTimeout: inactivityTimeout,
	}
}

// Register binds subID to conn, parsing topicPattern and enforcing
// exclusivity: a subID already bound to a different connection is rejected.
// Re-registering the same (subID, conn) pair is idempotent.
func (m *Manager) Register(subID, topicPattern string, conn pubsub.ConnID) (store.SubscriptionState, error) {
	pattern, err := topic.Compile(topicPattern)
	if err != nil {
		return store.SubscriptionState{}, fmt.Errorf("persistent: invalid topic pattern: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.active[subID]; ok && existing.conn != conn {
		m.mu.Unlock()
		return store.SubscriptionState{}, fmt.Errorf("persistent: subscription %q is already active on another connection", subID)
	}
	m.mu.Unlock()

	state, err := m.store.CreateSubscription(subID, topicPattern)
	if err != nil {
		return store.SubscriptionState{}, err
	}

	m.mu.Lock()
	m.active[subID] = activeSub{id: subID, pattern: pattern, conn: conn}
	m.connSubs[conn] = appendUnique(m.connSubs[conn], subID)
	m.mu.Unlock()

	return state, nil
}

// Acknowledge advances subID's replay cursor, provided conn currently holds it.
func (m *Manager) Acknowledge(subID string, seq int64, conn pubsub.ConnID) error {
	m.mu.RLock()
	info, ok := m.active[subID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("persistent: subscription %q is not active", subID)
	}
	if info.conn != conn {
		return fmt.Errorf("persistent: subscription %q is not active on this connection", subID)
	}

	return m.store.UpdateSubscriptionPosition(subID, seq)
}

// Unsubscribe detaches subID from conn, leaving its durable cursor intact for
// a future resume. It reports whether an active binding was removed.
func (m *Manager) Unsubscribe(subID string, conn pubsub.ConnID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.active[subID]
	if !ok {
		return false, nil
	}
	if info.conn != conn {
		return false, fmt.Errorf("persistent: subscription %q belongs to another connection", subID)
	}

	delete(m.active, subID)
	m.connSubs[conn] = removeString(m.connSubs[conn], subID)
	if len(m.connSubs[conn]) == 0 {
		delete(m.connSubs, conn)
	}
	return true, nil
}

// RemoveConnection detaches every subscription bound to conn -- the fourth
// step of connection teardown. Durable cursors are left untouched.
func (m *Manager) RemoveConnection(conn pubsub.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.connSubs[conn]
	if !ok {
		return
	}
	delete(m.connSubs, conn)
	for _, subID := range subs {
		delete(m.active, subID)
	}
}

// IsActive reports whether subID is currently bound to a connection.
func (m *Manager) IsActive(subID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[subID]
	return ok
}

// ConnectionFor returns the connection currently holding subID, if any.
func (m *Manager) ConnectionFor(subID string) (pubsub.ConnID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.active[subID]
	return info.conn, ok
}

// Match is one active subscription whose pattern matched a published topic.
// Topic carries the pattern text exactly as originally subscribed, which is
// what the notification's method name must echo back to the client.
type Match struct {
	SubID string
	Conn  pubsub.ConnID
	Topic string
}

// MatchingSubscriptions returns every active subscription whose pattern
// matches topicName.
func (m *Manager) MatchingSubscriptions(topicName string) []Match {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Match
	for _, info := range m.active {
		if info.pattern.Matches(topicName) {
			out = append(out, Match{SubID: info.id, Conn: info.conn, Topic: info.pattern.String()})
		}
	}
	return out
}

// ActiveCount returns the number of currently bound subscriptions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// CleanupInactive deletes durable state for subscriptions that are not
// currently active and have been inactive longer than the configured
// timeout. Returns the deleted subscription ids. A zero timeout disables
// the sweep entirely.
func (m *Manager) CleanupInactive() ([]string, error) {
	if m.inactivityTimeout <= 0 {
		return nil, nil
	}

	all, err := m.store.AllSubscriptions()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	timeoutSecs := int64(m.inactivityTimeout.Seconds())

	var deleted []string
	for _, sub := range all {
		if m.IsActive(sub.SubscriptionID) {
			continue
		}
		inactiveFor := now - sub.LastActivity
		if inactiveFor <= timeoutSecs {
			continue
		}

		log.Info().Str("subscription_id", sub.SubscriptionID).Int64("inactive_secs", inactiveFor).
			Msg("cleaning up inactive persistent subscription")

		removed, err := m.store.DeleteSubscription(sub.SubscriptionID)
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted = append(deleted, sub.SubscriptionID)
		}
	}
	return deleted, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
