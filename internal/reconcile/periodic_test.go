package reconcile

import (
	"context"
	"testing"
	"time"
)

type fakePassRunner struct {
	calls chan struct{}
}

func (f *fakePassRunner) Run(context.Context) Report {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return Report{RunID: "r"}
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartPeriodic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	runner := &fakePassRunner{calls: make(chan struct{}, 1)}

	stop := startPeriodicWithTicker(ctx, quietLogger(), runner, time.Minute, func(time.Duration) resyncTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-runner.calls:
	case <-time.After(time.Second):
		t.Fatal("expected pass to run on tick")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartPeriodicDisabled(t *testing.T) {
	stop := StartPeriodic(context.Background(), nil, &fakePassRunner{calls: make(chan struct{}, 1)}, 0)
	stop()
}
