package clock

import (
	"context"
	"time"
)

// Clock is the injectable time source. Every "days from now" computation in
// the dunning engine goes through it so retry-interval tests are
// deterministic.
type Clock interface {
	Now(ctx context.Context) time.Time
}
