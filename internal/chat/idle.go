package chat

import (
	"context"
	"time"
)

// idleTimer cancels a stream when no frame arrived for the pipeline's idle timeout.
type idleTimer struct {
	d     time.Duration
	timer *time.Timer
}

func (p *Pipeline) idleTimer(cancel context.CancelCauseFunc) idleTimer {
	if p.idleTimeout <= 0 {
		return idleTimer{}
	}
	return idleTimer{
		d:     p.idleTimeout,
		timer: time.AfterFunc(p.idleTimeout, func() { cancel(errIdleTimeout) }),
	}
}

// Reset restarts the countdown after a frame arrived.
func (t idleTimer) Reset() {
	if t.timer != nil {
		t.timer.Reset(t.d)
	}
}

// Stop disarms the timer.
func (t idleTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
