package clock

import (
	"context"
	"time"

	simulatedctx "github.com/railzwaylabs/dunning/internal/clock/simulated"
)

type SystemClock struct{}

func (SystemClock) Now(ctx context.Context) time.Time {
	if t, ok := simulatedctx.FromContext(ctx); ok {
		return t
	}
	return time.Now().UTC()
}
