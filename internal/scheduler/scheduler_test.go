package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_SchedulesAndExecutesTask(t *testing.T) {
	pool, err := NewPool(2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var got atomic.Value
	done := make(chan struct{})
	pool.RegisterHandler(ActionRefreshEntity, func(ctx context.Context, task Task) error {
		got.Store(task.Params["entity_id"])
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); pool.Run(ctx) }()

	if err := pool.Schedule(ctx, ActionRefreshEntity, "entity:1", TaskParams{"entity_id": "1"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	if got.Load() != "1" {
		t.Fatalf("expected entity_id=1, got %v", got.Load())
	}

	cancel()
	wg.Wait()
}

func TestPool_CoalescesSameResourceKey(t *testing.T) {
	pool, err := NewPool(1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var calls int32
	release := make(chan struct{})
	pool.RegisterHandler(ActionRefreshEntity, func(ctx context.Context, task Task) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); pool.Run(ctx) }()

	if err := pool.Schedule(ctx, ActionRefreshEntity, "entity:1", TaskParams{"entity_id": "1"}); err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	// Give the worker time to pick up the first task and mark it in-flight.
	time.Sleep(50 * time.Millisecond)
	if err := pool.Schedule(ctx, ActionRefreshEntity, "entity:1", TaskParams{"entity_id": "1"}); err != nil {
		t.Fatalf("second Schedule: %v", err)
	}

	close(release)
	time.Sleep(100 * time.Millisecond)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly 1 execution for a coalesced resource key, got %d", n)
	}

	cancel()
	wg.Wait()
}

func TestPool_StatsReportsInFlight(t *testing.T) {
	pool, err := NewPool(1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	pool.RegisterHandler(ActionRefreshEntity, func(ctx context.Context, task Task) error {
		close(entered)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); pool.Run(ctx) }()

	if err := pool.Schedule(ctx, ActionRefreshEntity, "entity:1", TaskParams{"entity_id": "1"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	stats := pool.Stats()
	if stats.InFlight != 1 {
		t.Fatalf("expected InFlight=1, got %d", stats.InFlight)
	}
	if len(stats.ResourceKeysInFlight) != 1 || stats.ResourceKeysInFlight[0] != "entity:1" {
		t.Fatalf("expected entity:1 in flight, got %v", stats.ResourceKeysInFlight)
	}

	close(release)
	cancel()
	wg.Wait()
}

func TestPool_MissingHandlerDoesNotPanic(t *testing.T) {
	pool, err := NewPool(1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); pool.Run(ctx) }()

	if err := pool.Schedule(ctx, ActionUpdateDSS, "report:1", TaskParams{"report_key": "x"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	wg.Wait()
}
