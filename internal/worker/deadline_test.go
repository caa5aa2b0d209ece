package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeadlineClock_FiresAfterBudgetWithoutPause(t *testing.T) {
	ctx, clock := newDeadlineClock(context.Background(), 30*time.Millisecond)
	defer clock.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("context was not cancelled after budget elapsed")
	}
}

func TestDeadlineClock_PauseExcludesElapsedTimeFromBudget(t *testing.T) {
	ctx, clock := newDeadlineClock(context.Background(), 60*time.Millisecond)
	defer clock.Stop()

	// Consume a little of the budget, then pause for far longer than the
	// remaining budget would allow if it kept ticking.
	time.Sleep(10 * time.Millisecond)
	clock.Pause()
	time.Sleep(150 * time.Millisecond)
	clock.Resume()

	select {
	case <-ctx.Done():
		t.Fatal("context was cancelled during the paused interval")
	default:
	}

	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("context was not cancelled after the resumed budget elapsed")
	}
}

func TestDeadlineClock_PauseIsIdempotent(t *testing.T) {
	_, clock := newDeadlineClock(context.Background(), 50*time.Millisecond)
	defer clock.Stop()

	clock.Pause()
	assert.NotPanics(t, func() { clock.Pause() })
	clock.Resume()
	assert.NotPanics(t, func() { clock.Resume() })
}

func TestDeadlineClock_StopPreventsLateFire(t *testing.T) {
	ctx, clock := newDeadlineClock(context.Background(), 20*time.Millisecond)
	clock.Stop()

	// Stop only stops the timer; the context was already derived via
	// WithCancel and is cancelled independently once the parent or an
	// explicit cancel fires. Here neither has fired, so it should still be
	// live immediately after Stop.
	select {
	case <-ctx.Done():
		t.Fatal("context should not be done immediately after Stop")
	default:
	}
}
