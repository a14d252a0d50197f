package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// SubscriptionState is the durable record of a persistent subscription's
// replay cursor. It survives disconnects and unsubscribes -- only deletion
// (explicit, or by the inactivity sweep) removes it.
type SubscriptionState struct {
	SubscriptionID string `json:"subscription_id"`
	Topic          string `json:"topic"`
	LastAckSeq     int64  `json:"last_ack_seq"`
	CreatedAt      int64  `json:"created_at"`
	LastActivity   int64  `json:"last_activity"`
}

const subscriptionKeyPrefix = "sub:"

func subscriptionKey(id string) []byte { return []byte(subscriptionKeyPrefix + id) }

// CreateSubscription returns the existing state for id, touching its
// last-activity timestamp, or creates a fresh zero-cursor state.
func (s *Store) CreateSubscription(id, topicName string) (SubscriptionState, error) {
	now := time.Now().Unix()

	existing, err := s.GetSubscriptionState(id)
	if err != nil {
		return SubscriptionState{}, err
	}
	if existing != nil {
		existing.LastActivity = now
		if err := s.putSubscription(*existing); err != nil {
			return SubscriptionState{}, err
		}
		return *existing, nil
	}

	state := SubscriptionState{
		SubscriptionID: id,
		Topic:          topicName,
		LastAckSeq:     0,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := s.putSubscription(state); err != nil {
		return SubscriptionState{}, err
	}
	return state, nil
}

// GetSubscriptionState returns the durable state for id, or nil if absent.
func (s *Store) GetSubscriptionState(id string) (*SubscriptionState, error) {
	data, err := s.db.Get(subscriptionKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription %s: %w", id, err)
	}
	var state SubscriptionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("store: decode subscription %s: %w", id, err)
	}
	return &state, nil
}

// UpdateSubscriptionPosition advances id's replay cursor to seq. Per the
// clamped-monotonicity resolution, the cursor never moves backward even if
// an out-of-order or duplicate acknowledgement arrives with a lower seq.
func (s *Store) UpdateSubscriptionPosition(id string, seq int64) error {
	existing, err := s.GetSubscriptionState(id)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	var state SubscriptionState
	if existing != nil {
		state = *existing
	} else {
		state = SubscriptionState{SubscriptionID: id, CreatedAt: now}
	}

	if seq > state.LastAckSeq {
		state.LastAckSeq = seq
	}
	state.LastActivity = now

	return s.putSubscription(state)
}

func (s *Store) putSubscription(state SubscriptionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: encode subscription: %w", err)
	}
	if err := s.db.Put(subscriptionKey(state.SubscriptionID), data, nil); err != nil {
		return fmt.Errorf("store: put subscription %s: %w", state.SubscriptionID, err)
	}
	return nil
}

// DeleteSubscription removes id's durable state, reporting whether it existed.
func (s *Store) DeleteSubscription(id string) (bool, error) {
	key := subscriptionKey(id)
	_, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get subscription %s: %w", id, err)
	}
	if err := s.db.Delete(key, nil); err != nil {
		return false, fmt.Errorf("store: delete subscription %s: %w", id, err)
	}
	return true, nil
}

// AllSubscriptions returns every durable subscription state, for the
// inactivity sweep.
func (s *Store) AllSubscriptions() ([]SubscriptionState, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(subscriptionKeyPrefix)), nil)
	defer iter.Release()

	var out []SubscriptionState
	for iter.Next() {
		var state SubscriptionState
		if err := json.Unmarshal(iter.Value(), &state); err != nil {
			return nil, fmt.Errorf("store: decode subscription: %w", err)
		}
		out = append(out, state)
	}
	return out, iter.Error()
}
