package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"promorelay/pkg/scheduler"
)

type clockTimer struct {
	ctx   context.Context
	clock scheduler.Clock
	ch    chan time.Time
}

// NewClockTimer adapts clock to backoff.Timer. ctx must be the context the
// backoff was wrapped with: a cancelled ctx leaves C silent and the retry loop
// returns through ctx.Done.
func NewClockTimer(ctx context.Context, clock scheduler.Clock) backoff.Timer {
	return &clockTimer{
		ctx:   ctx,
		clock: clock,
		ch:    make(chan time.Time, 1),
	}
}

// Start waits for d on the clock before firing C, so a fake clock drives the
// retry loop synchronously.
func (t *clockTimer) Start(d time.Duration) {
	if err := t.clock.Sleep(t.ctx, d); err != nil {
		return
	}
	select {
	case t.ch <- t.clock.Now():
	default:
	}
}

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time {
	return t.ch
}
