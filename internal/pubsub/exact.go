// Package pubsub maintains the two subscription indexes the engine uses to
// route a published topic to its subscribers: an exact-topic index for O(1)
// lookup, and a pattern index scanned once per connection at publish time.
package pubsub

import "sync"

// ConnID identifies a connection for subscription bookkeeping. It is opaque
// to this package; the caller assigns and owns the numbering scheme.
type ConnID uint64

// ExactIndex is a bidirectional map between exact topics and the connections
// subscribed to them, kept in sync on every mutation so that both publish
// (topic -> connections) and disconnect cleanup (connection -> topics) are
// O(1) amortized.
type ExactIndex struct {
	mu         sync.RWMutex
	topicSubs  map[string]map[ConnID]struct{}
	connTopics map[ConnID]map[string]struct{}
}

func NewExactIndex() *ExactIndex {
	return &ExactIndex{
		topicSubs:  make(map[string]map[ConnID]struct{}),
		connTopics: make(map[ConnID]map[string]struct{}),
	}
}

// Subscribe adds conn as a subscriber of topic. It reports whether the
// subscription was newly created (false if conn was already subscribed).
func (idx *ExactIndex) Subscribe(conn ConnID, topicName string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	subs, ok := idx.topicSubs[topicName]
	if !ok {
		subs = make(map[ConnID]struct{})
		idx.topicSubs[topicName] = subs
	}
	_, already := subs[conn]
	subs[conn] = struct{}{}

	topics, ok := idx.connTopics[conn]
	if !ok {
		topics = make(map[string]struct{})
		idx.connTopics[conn] = topics
	}
	topics[topicName] = struct{}{}

	return !already
}

// Unsubscribe removes conn from topic. It reports whether a subscription was
// actually removed.
func (idx *ExactIndex) Unsubscribe(conn ConnID, topicName string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := false
	if subs, ok := idx.topicSubs[topicName]; ok {
		if _, present := subs[conn]; present {
			removed = true
			delete(subs, conn)
		}
		if len(subs) == 0 {
			delete(idx.topicSubs, topicName)
		}
	}

	if topics, ok := idx.connTopics[conn]; ok {
		delete(topics, topicName)
		if len(topics) == 0 {
			delete(idx.connTopics, conn)
		}
	}

	return removed
}

// Subscribers returns a snapshot of connection ids subscribed to topic.
func (idx *ExactIndex) Subscribers(topicName string) []ConnID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	subs, ok := idx.topicSubs[topicName]
	if !ok {
		return nil
	}
	out := make([]ConnID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// SubscribersMulti resolves every topic in topics under a single read lock,
// the batch-publish optimization from §4.13: a publish_batch call with many
// (topic, data) pairs pays for one lock acquisition instead of one per topic.
func (idx *ExactIndex) SubscribersMulti(topics []string) map[string][]ConnID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string][]ConnID, len(topics))
	for _, topicName := range topics {
		subs, ok := idx.topicSubs[topicName]
		if !ok {
			continue
		}
		ids := make([]ConnID, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		out[topicName] = ids
	}
	return out
}

// Topics returns a snapshot of topics conn is subscribed to.
func (idx *ExactIndex) Topics(conn ConnID) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	topics, ok := idx.connTopics[conn]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	return out
}

// RemoveConnection removes every subscription belonging to conn, the second
// step of connection teardown (§4.6's ordered cleanup).
func (idx *ExactIndex) RemoveConnection(conn ConnID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	topics, ok := idx.connTopics[conn]
	if !ok {
		return
	}
	delete(idx.connTopics, conn)

	for t := range topics {
		if subs, ok := idx.topicSubs[t]; ok {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(idx.topicSubs, t)
			}
		}
	}
}

// SubscriptionCount returns the total number of active (connection, topic) pairs.
func (idx *ExactIndex) SubscriptionCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := 0
	for _, topics := range idx.connTopics {
		total += len(topics)
	}
	return total
}

// TopicCount returns the number of distinct topics with at least one subscriber.
func (idx *ExactIndex) TopicCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.topicSubs)
}
