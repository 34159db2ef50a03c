package worker

import (
	"context"
	"time"
)

// PositionCommitter runs CommitTaskPosition on a fixed interval and whenever
// it is triggered. Triggers coalesce while a commit is pending.
type PositionCommitter struct {
	w        *Worker
	interval time.Duration
	trigger  chan struct{}
}

func NewPositionCommitter(w *Worker, interval time.Duration) *PositionCommitter {
	return &PositionCommitter{w: w, interval: interval, trigger: make(chan struct{}, 1)}
}

func (c *PositionCommitter) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *PositionCommitter) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-c.trigger:
		}
		c.w.CommitTaskPosition()
	}
}
