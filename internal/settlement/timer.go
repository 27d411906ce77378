package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/upiguard/internal/metrics"
)

// Default sweep cadence and delay timeout.
const (
	DefaultSweepInterval = time.Minute
	DefaultDelayTimeout  = 5 * time.Minute
)

// Timer periodically sweeps delayed transactions that were never resolved
// and refunds them.
type Timer struct {
	service  *Service
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an auto-refund timer. Zero interval or timeout selects
// the defaults.
func NewTimer(service *Service, interval, timeout time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultDelayTimeout
	}
	return &Timer{
		service:  service,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-refund sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one auto-refund pass over transactions delayed longer than
// the timeout.
func (t *Timer) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	expired, err := t.service.ExpireStale(ctx, start.Add(-t.timeout))
	if err != nil {
		t.logger.Warn("auto-refund sweep failed", "error", err)
		return
	}
	if expired > 0 {
		t.logger.Info("auto-refund sweep complete", "expired", expired)
	}
}
