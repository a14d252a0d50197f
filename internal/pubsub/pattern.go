package pubsub

import (
	"sync"

	"github.com/adred-codev/jrow/internal/topic"
)

// patternSub is one connection's subscription to a compiled pattern, keyed
// by a server-assigned subscription id so a connection may hold more than
// one pattern subscription independently.
type patternSub struct {
	id      string
	pattern *topic.Pattern
}

// PatternIndex keeps, for each connection, the list of patterns it has
// subscribed to. Publishing a topic resolves subscribers by scanning each
// connection's pattern list once -- O(connections * patterns-per-connection)
// as described for the pattern resolution path, since compiled patterns
// cannot be indexed by exact key the way literal topics can.
type PatternIndex struct {
	mu     sync.RWMutex
	byConn map[ConnID][]patternSub
}

func NewPatternIndex() *PatternIndex {
	return &PatternIndex{byConn: make(map[ConnID][]patternSub)}
}

// Subscribe compiles pattern and registers it for conn under subID.
func (idx *PatternIndex) Subscribe(conn ConnID, subID, rawPattern string) (*topic.Pattern, error) {
	p, err := topic.Compile(rawPattern)
	if err != nil {
		return nil, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, s := range idx.byConn[conn] {
		if s.id == subID {
			// Re-subscribing under the same id is idempotent: replace the
			// compiled pattern in place rather than storing a duplicate.
			idx.byConn[conn][i] = patternSub{id: subID, pattern: p}
			return p, nil
		}
	}
	idx.byConn[conn] = append(idx.byConn[conn], patternSub{id: subID, pattern: p})
	return p, nil
}

// Unsubscribe removes the pattern subscription subID from conn. It reports
// whether a subscription was found and removed.
func (idx *PatternIndex) Unsubscribe(conn ConnID, subID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	subs, ok := idx.byConn[conn]
	if !ok {
		return false
	}
	for i, s := range subs {
		if s.id == subID {
			idx.byConn[conn] = append(subs[:i], subs[i+1:]...)
			if len(idx.byConn[conn]) == 0 {
				delete(idx.byConn, conn)
			}
			return true
		}
	}
	return false
}

// RemoveConnection drops every pattern subscription belonging to conn.
func (idx *PatternIndex) RemoveConnection(conn ConnID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byConn, conn)
}

// Subscribers returns the connections whose pattern list contains at least
// one pattern matching topicName, deduplicated.
func (idx *PatternIndex) Subscribers(topicName string) []ConnID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []ConnID
	for conn, subs := range idx.byConn {
		for _, s := range subs {
			if s.pattern.Matches(topicName) {
				out = append(out, conn)
				break
			}
		}
	}
	return out
}

// PatternMatch names one (connection, subscribed pattern) pair whose pattern
// matches a published topic.
type PatternMatch struct {
	Conn    ConnID
	Pattern string
}

// MatchingPatterns returns one (connection, pattern) pair per connection
// that holds at least one pattern matching topicName: the first matching
// pattern in that connection's subscription list wins, so a connection
// subscribed under two overlapping patterns (e.g. "a.*" and "*.b", both
// matching "a.b") appears at most once in the result.
func (idx *PatternIndex) MatchingPatterns(topicName string) []PatternMatch {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []PatternMatch
	for conn, subs := range idx.byConn {
		for _, s := range subs {
			if s.pattern.Matches(topicName) {
				out = append(out, PatternMatch{Conn: conn, Pattern: s.pattern.String()})
				break
			}
		}
	}
	return out
}

// MatchingPatternsMulti resolves every topic in topics under a single read
// lock, the batch-publish optimization from §4.13. Like MatchingPatterns,
// each connection appears at most once per topic.
func (idx *PatternIndex) MatchingPatternsMulti(topics []string) map[string][]PatternMatch {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string][]PatternMatch, len(topics))
	for _, topicName := range topics {
		var matches []PatternMatch
		for conn, subs := range idx.byConn {
			for _, s := range subs {
				if s.pattern.Matches(topicName) {
					matches = append(matches, PatternMatch{Conn: conn, Pattern: s.pattern.String()})
					break
				}
			}
		}
		if matches != nil {
			out[topicName] = matches
		}
	}
	return out
}

// Patterns returns a snapshot of the patterns conn currently holds.
func (idx *PatternIndex) Patterns(conn ConnID) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	subs, ok := idx.byConn[conn]
	if !ok {
		return nil
	}
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.pattern.String()
	}
	return out
}
