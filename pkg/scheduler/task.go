package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"promorelay/pkg/metrics"
)

// Task runs fn on a fixed interval. It is non-reentrant: a tick that arrives
// while the previous invocation is still running is skipped, not queued.
type Task struct {
	name     string
	interval time.Duration
	clock    Clock
	fn       func(ctx context.Context)

	// Immediate runs fn once as soon as Run starts.
	Immediate bool

	running atomic.Bool
	skipped atomic.Int64
	wg      sync.WaitGroup
}

func NewTask(name string, interval time.Duration, clock Clock, fn func(ctx context.Context)) *Task {
	if clock == nil {
		clock = RealClock()
	}
	return &Task{
		name:     name,
		interval: interval,
		clock:    clock,
		fn:       fn,
	}
}

func (t *Task) Name() string {
	return t.name
}

// TryRun invokes fn synchronously unless an invocation is already in flight.
// It reports whether fn ran.
func (t *Task) TryRun(ctx context.Context) bool {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		metrics.SkippedTicksTotal.WithLabelValues(t.name).Inc()
		return false
	}
	defer t.running.Store(false)

	t.fn(ctx)
	return true
}

// Running reports whether an invocation is in flight.
func (t *Task) Running() bool {
	return t.running.Load()
}

// Skipped returns how many ticks were dropped because of overlap.
func (t *Task) Skipped() int64 {
	return t.skipped.Load()
}

// Run ticks until ctx is done, then waits for the in-flight invocation (if any)
// to return. Cancelling ctx never interrupts fn from the outside; fn sees the
// cancelled context and decides for itself.
func (t *Task) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	defer t.wg.Wait()

	if t.Immediate {
		t.spawn(ctx)
	}

	for {
		select {
		case <-ticker.C():
			t.spawn(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Task) spawn(ctx context.Context) {
	if t.running.Load() {
		t.skipped.Add(1)
		metrics.SkippedTicksTotal.WithLabelValues(t.name).Inc()
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.TryRun(ctx)
	}()
}
