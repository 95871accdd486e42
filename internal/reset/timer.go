package reset

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically runs the bulk monthly sweep. The sweep is cheap when
// nothing is due, so it ticks hourly rather than trying to fire exactly at
// midnight on the first.
type Timer struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
}

// NewTimer creates a new sweep timer.
func NewTimer(coordinator *Coordinator, logger *slog.Logger) *Timer {
	return &Timer{
		coordinator: coordinator,
		interval:    1 * time.Hour,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
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

func (t *Timer) sweep(ctx context.Context) {
	count, err := t.coordinator.ResetAllDue(ctx)
	if err != nil {
		t.logger.Warn("monthly reset sweep failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("monthly reset sweep completed", "users_reset", count)
	}
}
