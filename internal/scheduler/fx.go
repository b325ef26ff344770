package scheduler

import (
	"context"

	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Provide(func(s *Scheduler) dunningdomain.JobScheduler { return s }),
)

// StartWorker attaches the engine to the scheduler and runs the poll loop
// for the lifetime of the app. Invoked only by worker-mode processes; the
// API server provides the scheduler for enqueueing but never polls.
func StartWorker(lc fx.Lifecycle, s *Scheduler, e dunningdomain.Engine) {
	s.SetEngine(e)

	workerCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.RunForever(workerCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}
