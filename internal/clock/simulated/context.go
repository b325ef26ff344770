package simulated

import (
	"context"
	"time"
)

type key string

var simulatedTimeKey key = "simulated_time"

// WithTime returns a context carrying a simulated wall-clock time. SystemClock
// prefers it over the real clock, which lets tests replay multi-day dunning
// schedules without waiting.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, simulatedTimeKey, t)
}

// FromContext returns the simulated time from the context, if present.
func FromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(simulatedTimeKey).(time.Time)
	return t, ok
}
