package pubsub

import (
	"sort"
	"testing"
)

func TestExactIndexSubscribe(t *testing.T) {
	idx := NewExactIndex()

	if isNew := idx.Subscribe(1, "topic1"); !isNew {
		t.Error("expected first subscribe to report new")
	}
	if isNew := idx.Subscribe(1, "topic1"); isNew {
		t.Error("expected duplicate subscribe to report not new")
	}

	subs := idx.Subscribers("topic1")
	if len(subs) != 1 || subs[0] != 1 {
		t.Errorf("Subscribers() = %v, want [1]", subs)
	}
}

func TestExactIndexMultipleSubscribers(t *testing.T) {
	idx := NewExactIndex()
	idx.Subscribe(1, "topic1")
	idx.Subscribe(2, "topic1")
	idx.Subscribe(3, "topic1")

	subs := idx.Subscribers("topic1")
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	want := []ConnID{1, 2, 3}
	if len(subs) != len(want) {
		t.Fatalf("Subscribers() = %v, want %v", subs, want)
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Errorf("Subscribers()[%d] = %v, want %v", i, subs[i], want[i])
		}
	}
}

func TestExactIndexUnsubscribe(t *testing.T) {
	idx := NewExactIndex()
	idx.Subscribe(1, "topic1")
	idx.Subscribe(2, "topic1")

	if removed := idx.Unsubscribe(1, "topic1"); !removed {
		t.Error("expected unsubscribe to report removed")
	}

	subs := idx.Subscribers("topic1")
	if len(subs) != 1 || subs[0] != 2 {
		t.Errorf("Subscribers() = %v, want [2]", subs)
	}
}

func TestExactIndexTopics(t *testing.T) {
	idx := NewExactIndex()
	idx.Subscribe(1, "topic1")
	idx.Subscribe(1, "topic2")
	idx.Subscribe(1, "topic3")

	topics := idx.Topics(1)
	sort.Strings(topics)
	want := []string{"topic1", "topic2", "topic3"}
	if len(topics) != len(want) {
		t.Fatalf("Topics() = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("Topics()[%d] = %v, want %v", i, topics[i], want[i])
		}
	}
}

func TestExactIndexRemoveConnection(t *testing.T) {
	idx := NewExactIndex()
	idx.Subscribe(1, "topic1")
	idx.Subscribe(1, "topic2")
	idx.Subscribe(2, "topic1")

	idx.RemoveConnection(1)

	subs := idx.Subscribers("topic1")
	if len(subs) != 1 || subs[0] != 2 {
		t.Errorf("Subscribers(topic1) = %v, want [2]", subs)
	}
	if subs := idx.Subscribers("topic2"); len(subs) != 0 {
		t.Errorf("Subscribers(topic2) = %v, want empty", subs)
	}
}

func TestExactIndexCounts(t *testing.T) {
	idx := NewExactIndex()
	idx.Subscribe(1, "topic1")
	idx.Subscribe(1, "topic2")
	idx.Subscribe(2, "topic1")

	if got := idx.SubscriptionCount(); got != 3 {
		t.Errorf("SubscriptionCount() = %d, want 3", got)
	}
	if got := idx.TopicCount(); got != 2 {
		t.Errorf("TopicCount() = %d, want 2", got)
	}
}

func TestExactIndexSubscribersMulti(t *testing.T) {
	idx := NewExactIndex()
	idx.Subscribe(1, "topic1")
	idx.Subscribe(2, "topic1")
	idx.Subscribe(1, "topic2")

	got := idx.SubscribersMulti([]string{"topic1", "topic2", "topic3"})
	if len(got["topic1"]) != 2 {
		t.Errorf("topic1 subscribers = %v, want 2", got["topic1"])
	}
	if len(got["topic2"]) != 1 {
		t.Errorf("topic2 subscribers = %v, want 1", got["topic2"])
	}
	if _, ok := got["topic3"]; ok {
		t.Errorf("topic3 should be absent, got %v", got["topic3"])
	}
}
