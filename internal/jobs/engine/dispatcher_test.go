package engine

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/batchd/internal/platform/logger"
)

func TestDispatcherCapacity(t *testing.T) {
	d := NewDispatcher(context.Background(), 2, logger.NewNop())

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	run := func(ctx context.Context) {
		started <- struct{}{}
		<-release
	}

	if !d.TryAdmit(run) || !d.TryAdmit(run) {
		t.Fatal("admissions within capacity should succeed")
	}
	<-started
	<-started
	if d.TryAdmit(run) {
		t.Fatal("admission above capacity should be refused")
	}
	if d.InFlight() != 2 {
		t.Fatalf("in flight: got %d", d.InFlight())
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for d.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("permits not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !d.TryAdmit(func(ctx context.Context) {}) {
		t.Fatal("admission after release should succeed")
	}
}

func TestDispatcherDrainWaitsForRunners(t *testing.T) {
	d := NewDispatcher(context.Background(), 1, logger.NewNop())

	done := make(chan struct{})
	if !d.TryAdmit(func(ctx context.Context) {
		time.Sleep(50 * time.Millisecond)
		close(done)
	}) {
		t.Fatal("admit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("drain returned before the runner finished")
	}
	if d.TryAdmit(func(ctx context.Context) {}) {
		t.Fatal("draining dispatcher must refuse admissions")
	}
}

func TestDispatcherDrainCancelsOnDeadline(t *testing.T) {
	d := NewDispatcher(context.Background(), 1, logger.NewNop())

	cancelled := make(chan struct{})
	if !d.TryAdmit(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}) {
		t.Fatal("admit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("drain should succeed once the cancelled runner exits: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("runner context was never cancelled")
	}
}
