package ratelimit

import (
	"context"
	"time"
)

// Window is one fixed-window counter row. Rows outside the current window
// are logically expired and replaced, never read.
type Window struct {
	Key         string    `json:"key"`
	Route       string    `json:"route"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	WindowMS    int64     `json:"windowMs"`
	Count       int       `json:"count"`
}

// Store persists window counters.
type Store interface {
	// Increment atomically bumps the counter for (key, route, windowStart)
	// and returns the count after the bump, creating the row when absent.
	Increment(ctx context.Context, key, route string, windowStart, windowEnd time.Time, window time.Duration) (int, error)

	// PurgeExpired deletes rows whose window ended before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
