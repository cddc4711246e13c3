package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically runs the auditor and keeps the latest report.
type Timer struct {
	auditor  *Auditor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu   sync.RWMutex
	last *Report
}

// NewTimer creates a new reconciliation timer.
func NewTimer(auditor *Auditor, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		auditor:  auditor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent report, or nil before the first run.
func (t *Timer) Last() *Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
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
			_, _ = t.RunOnce(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// RunOnce runs the auditor now, records metrics and stores the report.
func (t *Timer) RunOnce(ctx context.Context) (report *Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
			err = fmt.Errorf("reconciliation panicked: %v", r)
		}
		if err != nil {
			runErrors.Inc()
		}
	}()

	start := time.Now()
	report, err = t.auditor.Run(ctx)
	runDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return nil, err
	}

	observe(report)
	t.mu.Lock()
	t.last = report
	t.mu.Unlock()
	return report, nil
}
