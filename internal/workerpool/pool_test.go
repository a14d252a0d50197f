package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := New(4, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool)

	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		p.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(seen) != 10 {
		t.Errorf("executed %d tasks, want 10", len(seen))
	}
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	// No Start(): nothing drains the queue, so it fills immediately.

	block := make(chan struct{})
	p.Submit(func() { <-block })
	p.Submit(func() {})
	p.Submit(func() {})
	close(block)

	if p.Dropped() == 0 {
		t.Error("expected at least one dropped task on a full, undrained queue")
	}
}

func TestPoolRecoversFromPanickingTask(t *testing.T) {
	p := New(1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(func() { panic("boom") })
	p.Submit(func() { wg.Done() })

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic and continue processing")
	}
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	p := New(2, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() { p.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}
