package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yungbote/batchd/internal/platform/logger"
)

// Dispatcher is the bounded worker pool for one deployment binding. It
// guards runner spawns with a weighted semaphore of capacity MaxConcurrent;
// admission is strictly non-blocking so the poller can re-queue instances it
// cannot place.
type Dispatcher struct {
	log      *logger.Logger
	sem      *semaphore.Weighted
	capacity int64

	inFlight atomic.Int64
	draining atomic.Bool
	wg       sync.WaitGroup

	runCtx     context.Context
	cancelRuns context.CancelFunc
}

func NewDispatcher(parent context.Context, capacity int, baseLog *logger.Logger) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}
	runCtx, cancel := context.WithCancel(parent)
	return &Dispatcher{
		log:        baseLog.With("component", "Dispatcher"),
		sem:        semaphore.NewWeighted(int64(capacity)),
		capacity:   int64(capacity),
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
}

func (d *Dispatcher) Capacity() int { return int(d.capacity) }

func (d *Dispatcher) InFlight() int { return int(d.inFlight.Load()) }

// TryAdmit starts run on its own goroutine if a permit is free. Returns
// false without blocking when the pool is full or draining.
func (d *Dispatcher) TryAdmit(run func(ctx context.Context)) bool {
	if d.draining.Load() {
		return false
	}
	if !d.sem.TryAcquire(1) {
		return false
	}
	d.inFlight.Add(1)
	d.wg.Add(1)
	go func() {
		defer func() {
			d.inFlight.Add(-1)
			d.sem.Release(1)
			d.wg.Done()
		}()
		run(d.runCtx)
	}()
	return true
}

// Drain refuses new admissions and waits for in-flight runners. When the
// deadline passes, runners are force-cancelled through their context; a
// payload that never yields keeps running and is abandoned after a short
// grace period (it will be recovered as CRASHED on next boot).
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.draining.Store(true)
	defer d.cancelRuns()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	d.log.Warn("Drain deadline passed, force-cancelling runners", "in_flight", d.InFlight())
	d.cancelRuns()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return ctx.Err()
	}
}
