package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type passRunner interface {
	Run(ctx context.Context) Report
}

type resyncTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) resyncTicker

// StartPeriodic re-runs the pass every interval until ctx is done or the
// returned stop function is called. A non-positive interval disables it.
func StartPeriodic(ctx context.Context, logger *slog.Logger, runner passRunner, interval time.Duration) func() {
	return startPeriodicWithTicker(ctx, logger, runner, interval, func(d time.Duration) resyncTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startPeriodicWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	runner passRunner,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if runner == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				report := runner.Run(workerCtx)
				if err := report.Err(); err != nil && logger != nil {
					logger.Warn("periodic reconciliation had failures", "run_id", report.RunID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
