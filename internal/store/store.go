// Package store implements the durable message log used by persistent
// subscriptions: an append-only, per-topic sequence of messages kept in an
// embedded ordered key-value database, plus topic metadata and retention
// bookkeeping.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/adred-codev/jrow/internal/topic"
)

// Message is one durably stored event.
type Message struct {
	SequenceID int64           `json:"sequence_id"`
	Topic      string          `json:"topic"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	SizeBytes  int             `json:"size_bytes"`
}

// RetentionPolicy bounds how long a topic's messages are kept. Zero values
// mean "no limit" for that dimension; all configured limits must hold for a
// message to be retained (see HasLimits/Retention enforcement in package
// retention).
type RetentionPolicy struct {
	MaxAge   time.Duration `json:"max_age,omitempty"`
	MaxCount int           `json:"max_count,omitempty"`
	MaxBytes int           `json:"max_bytes,omitempty"`
}

func UnlimitedRetention() RetentionPolicy   { return RetentionPolicy{} }
func ByAge(d time.Duration) RetentionPolicy { return RetentionPolicy{MaxAge: d} }
func ByCount(n int) RetentionPolicy         { return RetentionPolicy{MaxCount: n} }
func ByBytes(n int) RetentionPolicy         { return RetentionPolicy{MaxBytes: n} }

func (p RetentionPolicy) HasLimits() bool {
	return p.MaxAge > 0 || p.MaxCount > 0 || p.MaxBytes > 0
}

// TopicMetadata tracks the monotonic sequence counter and aggregate stats for
// a topic.
type TopicMetadata struct {
	Topic           string          `json:"topic"`
	MaxSequence     int64           `json:"max_sequence"`
	RetentionPolicy RetentionPolicy `json:"retention_policy"`
	MessageCount    int             `json:"message_count"`
	TotalBytes      int             `json:"total_bytes"`
}

const (
	messageKeyPrefix  = "msg:"
	metadataKeyPrefix = "meta:"
)

func messageKey(topicName string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", messageKeyPrefix, topicName, seq))
}

func messagePrefix(topicName string) []byte {
	return []byte(fmt.Sprintf("%s%s:", messageKeyPrefix, topicName))
}

func metadataKey(topicName string) []byte {
	return []byte(metadataKeyPrefix + topicName)
}

// Store is the durable message log, backed by a single goleveldb database
// shared by the messages and metadata keyspaces (distinguished by key
// prefix) so a store of one message and its metadata update commits in a
// single leveldb.Batch -- atomic across both, closing the gap the reference
// implementation's two independent tree flushes left open.
type Store struct {
	db *leveldb.DB

	mu    sync.RWMutex
	cache map[string]TopicMetadata
}

// Open opens (or creates) the database at path and warms the metadata cache.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{db: db, cache: make(map[string]TopicMetadata)}
	if err := s.loadMetadataCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) loadMetadataCache() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(metadataKeyPrefix)), nil)
	defer iter.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	for iter.Next() {
		var meta TopicMetadata
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			return fmt.Errorf("store: decode metadata: %w", err)
		}
		s.cache[meta.Topic] = meta
	}
	return iter.Error()
}

// RegisterTopic sets or updates the retention policy for a topic, preserving
// its existing sequence counter and counts if it already has metadata.
func (s *Store) RegisterTopic(topicName string, policy RetentionPolicy) error {
	s.mu.Lock()
	meta, ok := s.cache[topicName]
	if !ok {
		meta = TopicMetadata{Topic: topicName}
	}
	meta.RetentionPolicy = policy
	s.cache[topicName] = meta
	s.mu.Unlock()

	return s.persistMetadata(meta)
}

func (s *Store) persistMetadata(meta TopicMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	return s.db.Put(metadataKey(meta.Topic), data, nil)
}

// StoreMessage appends data to topicName's log and returns its sequence id.
// The message write and the metadata counter update commit together.
func (s *Store) StoreMessage(topicName string, data json.RawMessage) (int64, error) {
	s.mu.Lock()
	meta, ok := s.cache[topicName]
	if !ok {
		meta = TopicMetadata{Topic: topicName, RetentionPolicy: UnlimitedRetention()}
	}
	meta.MaxSequence++
	seq := meta.MaxSequence
	size := len(data)
	meta.MessageCount++
	meta.TotalBytes += size
	s.cache[topicName] = meta
	s.mu.Unlock()

	msg := Message{
		SequenceID: seq,
		Topic:      topicName,
		Data:       data,
		Timestamp:  time.Now().Unix(),
		SizeBytes:  size,
	}
	msgData, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("store: encode message: %w", err)
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("store: encode metadata: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(messageKey(topicName, seq), msgData)
	batch.Put(metadataKey(topicName), metaData)
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("store: write message batch: %w", err)
	}

	return seq, nil
}

// MessagesSince returns every message on topicName with sequence id greater
// than sinceSeq, in ascending sequence order.
func (s *Store) MessagesSince(topicName string, sinceSeq int64) ([]Message, error) {
	iterRange := util.BytesPrefix(messagePrefix(topicName))
	iter := s.db.NewIterator(iterRange, nil)
	defer iter.Release()

	var out []Message
	for iter.Next() {
		var msg Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, fmt.Errorf("store: decode message: %w", err)
		}
		if msg.SequenceID > sinceSeq {
			out = append(out, msg)
		}
	}
	return out, iter.Error()
}

// MessagesMatchingPattern returns messages from every topic matching pattern
// with sequence id greater than sinceSeq, sorted by (topic, sequence id).
// Exact (non-wildcard) patterns take the O(1)-keyspace fast path.
func (s *Store) MessagesMatchingPattern(pattern *topic.Pattern, sinceSeq int64) ([]Message, error) {
	if !pattern.IsPattern() {
		return s.MessagesSince(pattern.String(), sinceSeq)
	}

	topics, err := s.Topics()
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, t := range topics {
		if !pattern.Matches(t) {
			continue
		}
		msgs, err := s.MessagesSince(t, sinceSeq)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].SequenceID < out[j].SequenceID
	})
	return out, nil
}

// Topics returns every topic with registered metadata.
func (s *Store) Topics() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.cache))
	for t := range s.cache {
		out = append(out, t)
	}
	return out, nil
}

// TopicMetadataFor returns the cached metadata for topicName, if any.
func (s *Store) TopicMetadataFor(topicName string) (TopicMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.cache[topicName]
	return meta, ok
}

// DeleteOld enforces topicName's retention policy, deleting the oldest
// eligible messages and returning the count deleted. A message is deleted
// if it exceeds the age limit, or if the topic still exceeds its count or
// byte limits after accounting for messages already marked for deletion.
func (s *Store) DeleteOld(topicName string) (int, error) {
	s.mu.RLock()
	meta, ok := s.cache[topicName]
	s.mu.RUnlock()
	if !ok || !meta.RetentionPolicy.HasLimits() {
		return 0, nil
	}

	msgs, err := s.MessagesSince(topicName, 0)
	if err != nil {
		return 0, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].SequenceID < msgs[j].SequenceID })

	now := time.Now().Unix()
	totalCount := len(msgs)
	totalBytes := 0
	for _, m := range msgs {
		totalBytes += m.SizeBytes
	}

	policy := meta.RetentionPolicy
	var toDelete []Message
	for _, m := range msgs {
		shouldDelete := false

		if policy.MaxAge > 0 {
			age := time.Duration(now-m.Timestamp) * time.Second
			if age > policy.MaxAge {
				shouldDelete = true
			}
		}
		if policy.MaxCount > 0 && totalCount > policy.MaxCount {
			shouldDelete = true
			totalCount--
		}
		if policy.MaxBytes > 0 && totalBytes > policy.MaxBytes {
			shouldDelete = true
			totalBytes -= m.SizeBytes
		}

		if shouldDelete {
			toDelete = append(toDelete, m)
		}
	}

	if len(toDelete) == 0 {
		return 0, nil
	}

	batch := new(leveldb.Batch)
	deletedBytes := 0
	for _, m := range toDelete {
		batch.Delete(messageKey(topicName, m.SequenceID))
		deletedBytes += m.SizeBytes
	}

	s.mu.Lock()
	meta = s.cache[topicName]
	meta.MessageCount -= len(toDelete)
	if meta.MessageCount < 0 {
		meta.MessageCount = 0
	}
	meta.TotalBytes -= deletedBytes
	if meta.TotalBytes < 0 {
		meta.TotalBytes = 0
	}
	s.cache[topicName] = meta
	s.mu.Unlock()

	metaData, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("store: encode metadata: %w", err)
	}
	batch.Put(metadataKey(topicName), metaData)

	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("store: write deletion batch: %w", err)
	}

	return len(toDelete), nil
}
