package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/dunning/internal/clock"
	"github.com/railzwaylabs/dunning/internal/config"
	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
	"github.com/railzwaylabs/dunning/internal/observability"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Scheduler is the durable retry queue and its worker loop. Delivery is
// at-least-once: a crashed worker's lease expires and the job is handed out
// again, so everything the engine does downstream must tolerate replays.
type Scheduler struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.SchedulerConfig
	metrics *observability.Metrics

	mu     sync.RWMutex
	engine dunningdomain.Engine
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Metrics *observability.Metrics
}

// NewScheduler builds the scheduler without an engine. The engine depends on
// the scheduler to enqueue follow-up retries, so the worker side is attached
// later via SetEngine.
func NewScheduler(p Params) *Scheduler {
	return &Scheduler{
		db:      p.DB,
		log:     p.Log.Named("scheduler"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Cfg.Scheduler,
		metrics: p.Metrics,
	}
}

func (s *Scheduler) SetEngine(e dunningdomain.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = e
}

func (s *Scheduler) getEngine() dunningdomain.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Schedule enqueues a retry job. A duplicate idempotency key means the job
// already exists and the call is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, key string, at time.Time, subscriptionID, invoiceID snowflake.ID) error {
	now := s.clock.Now(ctx)
	job := Job{
		ID:             s.genID.Generate(),
		IdempotencyKey: key,
		SubscriptionID: subscriptionID,
		InvoiceID:      invoiceID,
		Status:         JobStatusPending,
		RunAt:          at,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	}
	return nil
}

// Reschedule moves a still-pending job to a new run time. Jobs already
// leased, finished or dead are left alone.
func (s *Scheduler) Reschedule(ctx context.Context, key string, at time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE dunning_jobs SET run_at = ?, updated_at = ? WHERE idempotency_key = ? AND status = ?`,
		at,
		s.clock.Now(ctx),
		key,
		JobStatusPending,
	).Error
}

// RunForever polls for due jobs until the context is canceled. One poll
// drains leases in batches so a backlog is worked off faster than one job
// per tick.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info("scheduler worker started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("batch_size", s.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler worker stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick leases one batch of due jobs and processes them. Exported so tests
// and simulated-time runs can drive the queue without the poll loop.
func (s *Scheduler) Tick(ctx context.Context) {
	for {
		jobs, err := s.leaseBatch(ctx)
		if err != nil {
			s.log.Error("failed to lease jobs", zap.Error(err))
			return
		}
		if len(jobs) == 0 {
			return
		}
		for i := range jobs {
			s.process(ctx, &jobs[i])
		}
		if len(jobs) < s.cfg.BatchSize {
			return
		}
	}
}

// leaseBatch claims due jobs with row locks that skip anything another
// worker is holding. Expired leases are reclaimed the same way, which is
// what makes a crashed worker's jobs eventually run again.
func (s *Scheduler) leaseBatch(ctx context.Context) ([]Job, error) {
	now := s.clock.Now(ctx)
	leaseUntil := now.Add(s.cfg.LeaseDuration)

	var jobs []Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND run_at <= ?) OR (status = ? AND lease_expires_at <= ?)",
				JobStatusPending, now, JobStatusLeased, now).
			Order("run_at ASC").
			Limit(s.cfg.BatchSize).
			Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(jobs))
		for i := range jobs {
			jobs[i].Status = JobStatusLeased
			jobs[i].LeaseExpiresAt = &leaseUntil
			ids = append(ids, jobs[i].ID)
		}
		return tx.Exec(
			`UPDATE dunning_jobs SET status = ?, lease_expires_at = ?, updated_at = ? WHERE id IN ?`,
			JobStatusLeased,
			leaseUntil,
			now,
			ids,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Scheduler) process(ctx context.Context, job *Job) {
	engine := s.getEngine()
	if engine == nil {
		s.log.Warn("no engine attached, releasing job", zap.String("key", job.IdempotencyKey))
		s.release(ctx, job, s.clock.Now(ctx), nil)
		return
	}

	decision, err := engine.RetryPayment(ctx, job.SubscriptionID, job.InvoiceID)
	if err != nil {
		if gatewaydomain.IsRetryable(err) {
			s.requeue(ctx, job, err)
			return
		}
		s.markDead(ctx, job, err)
		return
	}

	s.log.Info("retry job processed",
		zap.String("key", job.IdempotencyKey),
		zap.String("decision", string(decision.Kind)))
	s.markDone(ctx, job)
}

// requeue handles transient gateway trouble. The retry interval schedule is
// a business policy; this backoff is purely infrastructural and much
// shorter. Once the infra budget is spent the outage is converted into one
// counted business failure so an invoice cannot hang in dunning forever
// behind an unreachable gateway.
func (s *Scheduler) requeue(ctx context.Context, job *Job, cause error) {
	job.InfraAttempts++
	now := s.clock.Now(ctx)

	if job.InfraAttempts >= s.cfg.MaxInfraAttempts {
		engine := s.getEngine()
		decision, err := engine.ProcessFailure(ctx, job.SubscriptionID, job.InvoiceID,
			"gateway_unreachable", cause.Error())
		if err != nil {
			s.log.Error("failed to convert gateway outage to counted failure",
				zap.Error(err), zap.String("key", job.IdempotencyKey))
			s.markDead(ctx, job, err)
			return
		}
		s.log.Warn("gateway unreachable, recorded as counted failure",
			zap.String("key", job.IdempotencyKey),
			zap.String("decision", string(decision.Kind)),
			zap.Int("infra_attempts", job.InfraAttempts))
		s.markDone(ctx, job)
		return
	}

	s.release(ctx, job, now.Add(s.backoff(job.InfraAttempts)), cause)
	s.metrics.JobsRequeued.Inc()
}

// backoff doubles per infra attempt from the configured base up to the cap.
func (s *Scheduler) backoff(infraAttempts int) time.Duration {
	d := s.cfg.InfraBackoffBase
	for i := 1; i < infraAttempts; i++ {
		d *= 2
		if d >= s.cfg.InfraBackoffMax {
			return s.cfg.InfraBackoffMax
		}
	}
	if d > s.cfg.InfraBackoffMax {
		return s.cfg.InfraBackoffMax
	}
	return d
}

func (s *Scheduler) release(ctx context.Context, job *Job, runAt time.Time, cause error) {
	var lastError *string
	if cause != nil {
		msg := truncate(cause.Error(), 512)
		lastError = &msg
	}
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE dunning_jobs SET status = ?, run_at = ?, lease_expires_at = NULL, infra_attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		JobStatusPending,
		runAt,
		job.InfraAttempts,
		lastError,
		s.clock.Now(ctx),
		job.ID,
	).Error; err != nil {
		s.log.Error("failed to release job", zap.Error(err), zap.String("key", job.IdempotencyKey))
	}
}

func (s *Scheduler) markDone(ctx context.Context, job *Job) {
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE dunning_jobs SET status = ?, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
		JobStatusDone,
		s.clock.Now(ctx),
		job.ID,
	).Error; err != nil {
		s.log.Error("failed to mark job done", zap.Error(err), zap.String("key", job.IdempotencyKey))
		return
	}
	s.metrics.JobsProcessed.WithLabelValues("done").Inc()
}

func (s *Scheduler) markDead(ctx context.Context, job *Job, cause error) {
	msg := truncate(cause.Error(), 512)
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE dunning_jobs SET status = ?, lease_expires_at = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		JobStatusDead,
		msg,
		s.clock.Now(ctx),
		job.ID,
	).Error; err != nil {
		s.log.Error("failed to mark job dead", zap.Error(err), zap.String("key", job.IdempotencyKey))
		return
	}
	s.log.Error("retry job dead-lettered",
		zap.String("key", job.IdempotencyKey),
		zap.String("cause", msg))
	s.metrics.JobsProcessed.WithLabelValues("dead").Inc()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
