package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically runs reconciliation passes.
type Timer struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	running    atomic.Bool
	runs       atomic.Int64
}

// NewTimer creates a new reconciliation timer. A non-positive interval
// defaults to one minute.
func NewTimer(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Runs returns how many passes have completed.
func (t *Timer) Runs() int64 {
	return t.runs.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunNow performs one pass outside the schedule.
func (t *Timer) RunNow(ctx context.Context) (*Report, error) {
	defer t.runs.Add(1)
	return t.reconciler.RunAll(ctx)
}

func (t *Timer) safeRun(ctx context.Context) {
	defer t.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.reconciler.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
