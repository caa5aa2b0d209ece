package worker

import (
	"context"
	"sync"
	"time"
)

// deadlineClock is a wall-clock budget that can be paused: the countdown
// stops while a job is paused for human intervention and resumes with
// whatever time remained, so HITL wait time never counts against
// timeout_seconds (spec: job wall-clock timeout excludes paused intervals).
type deadlineClock struct {
	mu        sync.Mutex
	remaining time.Duration
	running   bool
	startedAt time.Time
	timer     *time.Timer
	cancel    context.CancelFunc
}

// newDeadlineClock derives a cancelable context from parent and starts a
// countdown of budget; the context is cancelled when the countdown (net of
// any paused time) elapses.
func newDeadlineClock(parent context.Context, budget time.Duration) (context.Context, *deadlineClock) {
	ctx, cancel := context.WithCancel(parent)
	dc := &deadlineClock{remaining: budget, cancel: cancel}
	dc.start()
	return ctx, dc
}

func (dc *deadlineClock) start() {
	dc.running = true
	dc.startedAt = time.Now()
	dc.timer = time.AfterFunc(dc.remaining, dc.cancel)
}

// Pause stops the countdown, crediting back whatever time remained.
func (dc *deadlineClock) Pause() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.running {
		return
	}
	dc.timer.Stop()
	dc.remaining -= time.Since(dc.startedAt)
	if dc.remaining < 0 {
		dc.remaining = 0
	}
	dc.running = false
}

// Resume restarts the countdown from the remaining budget left at the last Pause.
func (dc *deadlineClock) Resume() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.running {
		return
	}
	dc.start()
}

// Stop releases the underlying timer; call once the job is done either way.
func (dc *deadlineClock) Stop() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.timer != nil {
		dc.timer.Stop()
	}
}
