package retention

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/jrow/internal/store"
)

func TestEnforceOnceDeletesOverCountLimit(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "jrow.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	if err := s.RegisterTopic("test", store.ByCount(2)); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}
	for i := 1; i <= 5; i++ {
		data, _ := json.Marshal(map[string]int{"msg": i})
		if _, err := s.StoreMessage("test", data); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	task := NewTask(s, nil, time.Hour, zerolog.Nop())
	task.enforceOnce()

	msgs, err := s.MessagesSince("test", 0)
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("remaining messages = %d, want 2", len(msgs))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "jrow.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	task := NewTask(s, nil, time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		task.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
