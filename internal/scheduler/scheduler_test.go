package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/railzwaylabs/dunning/internal/clock"
	simulatedctx "github.com/railzwaylabs/dunning/internal/clock/simulated"
	"github.com/railzwaylabs/dunning/internal/config"
	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
	"github.com/railzwaylabs/dunning/internal/observability"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type engineCall struct {
	Op             string
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	ErrCode        string
}

type fakeEngine struct {
	retryFn func() (dunningdomain.Decision, error)
	calls   []engineCall
}

func (f *fakeEngine) ProcessFailure(_ context.Context, subID, invID snowflake.ID, errCode, _ string) (dunningdomain.Decision, error) {
	f.calls = append(f.calls, engineCall{Op: "process_failure", SubscriptionID: subID, InvoiceID: invID, ErrCode: errCode})
	return dunningdomain.Decision{Kind: dunningdomain.DecisionRetryScheduled}, nil
}

func (f *fakeEngine) RetryPayment(_ context.Context, subID, invID snowflake.ID) (dunningdomain.Decision, error) {
	f.calls = append(f.calls, engineCall{Op: "retry_payment", SubscriptionID: subID, InvoiceID: invID})
	if f.retryFn != nil {
		return f.retryFn()
	}
	return dunningdomain.Decision{Kind: dunningdomain.DecisionRecovered}, nil
}

func (f *fakeEngine) ApplyGatewayOutcome(context.Context, *gatewaydomain.ChargeEvent) (dunningdomain.Decision, error) {
	return dunningdomain.Decision{Kind: dunningdomain.DecisionNoOp}, nil
}

func (f *fakeEngine) ExtendGracePeriod(context.Context, snowflake.ID, snowflake.ID, int) error {
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeEngine, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(
		sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"),
		&gorm.Config{TranslateError: true},
	)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Job{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{
		db:    db,
		log:   zap.NewNop(),
		genID: node,
		clock: clock.SystemClock{},
		cfg: config.SchedulerConfig{
			PollInterval:     time.Second,
			BatchSize:        10,
			LeaseDuration:    2 * time.Minute,
			InfraBackoffBase: 30 * time.Second,
			InfraBackoffMax:  time.Hour,
			MaxInfraAttempts: 3,
		},
		metrics: observability.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	engine := &fakeEngine{}
	s.SetEngine(engine)
	return s, engine, db
}

func loadJob(t *testing.T, db *gorm.DB, key string) *Job {
	t.Helper()
	var job Job
	require.NoError(t, db.First(&job, "idempotency_key = ?", key).Error)
	return &job
}

func TestScheduleIsIdempotentPerKey(t *testing.T) {
	s, _, db := newTestScheduler(t)
	node, _ := snowflake.NewNode(2)
	ctx := context.Background()
	subID, invID := node.Generate(), node.Generate()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Schedule(ctx, invID.String()+":1", at, subID, invID))
	require.NoError(t, s.Schedule(ctx, invID.String()+":1", at.Add(time.Hour), subID, invID))

	var count int64
	require.NoError(t, db.Model(&Job{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	// The first write wins.
	job := loadJob(t, db, invID.String()+":1")
	require.Equal(t, at, job.RunAt.UTC())
}

func TestTickProcessesDueJobs(t *testing.T) {
	s, engine, db := newTestScheduler(t)
	node, _ := snowflake.NewNode(2)
	subID, invID := node.Generate(), node.Generate()

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Schedule(context.Background(), invID.String()+":1", t0, subID, invID))
	require.NoError(t, s.Schedule(context.Background(), invID.String()+":99", t0.AddDate(0, 0, 30), subID, invID))

	ctx := simulatedctx.WithTime(context.Background(), t0.Add(time.Minute))
	s.Tick(ctx)

	require.Len(t, engine.calls, 1)
	require.Equal(t, "retry_payment", engine.calls[0].Op)
	require.Equal(t, invID, engine.calls[0].InvoiceID)

	require.Equal(t, JobStatusDone, loadJob(t, db, invID.String()+":1").Status)
	require.Equal(t, JobStatusPending, loadJob(t, db, invID.String()+":99").Status)
}

func TestTickRequeuesOnRetryableError(t *testing.T) {
	s, engine, db := newTestScheduler(t)
	node, _ := snowflake.NewNode(2)
	subID, invID := node.Generate(), node.Generate()
	engine.retryFn = func() (dunningdomain.Decision, error) {
		return dunningdomain.Decision{}, &gatewaydomain.Error{Code: "gateway_unreachable", Message: "timeout", Retryable: true}
	}

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	key := invID.String() + ":1"
	require.NoError(t, s.Schedule(context.Background(), key, t0, subID, invID))

	ctx := simulatedctx.WithTime(context.Background(), t0)
	s.Tick(ctx)

	job := loadJob(t, db, key)
	require.Equal(t, JobStatusPending, job.Status)
	require.Equal(t, 1, job.InfraAttempts)
	require.Equal(t, t0.Add(30*time.Second), job.RunAt.UTC())
	require.NotNil(t, job.LastError)
}

func TestInfraExhaustionConvertsToCountedFailure(t *testing.T) {
	s, engine, db := newTestScheduler(t)
	node, _ := snowflake.NewNode(2)
	subID, invID := node.Generate(), node.Generate()
	engine.retryFn = func() (dunningdomain.Decision, error) {
		return dunningdomain.Decision{}, &gatewaydomain.Error{Code: "gateway_unreachable", Message: "timeout", Retryable: true}
	}

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	key := invID.String() + ":1"
	require.NoError(t, s.Schedule(context.Background(), key, t0, subID, invID))

	// Drive the job through its whole infra budget.
	now := t0
	for i := 0; i < s.cfg.MaxInfraAttempts; i++ {
		s.Tick(simulatedctx.WithTime(context.Background(), now))
		now = now.Add(time.Hour)
	}

	job := loadJob(t, db, key)
	require.Equal(t, JobStatusDone, job.Status)

	last := engine.calls[len(engine.calls)-1]
	require.Equal(t, "process_failure", last.Op)
	require.Equal(t, "gateway_unreachable", last.ErrCode)
	require.Equal(t, invID, last.InvoiceID)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	s, engine, db := newTestScheduler(t)
	node, _ := snowflake.NewNode(2)
	subID, invID := node.Generate(), node.Generate()

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	key := invID.String() + ":1"
	require.NoError(t, s.Schedule(context.Background(), key, t0, subID, invID))

	// Simulate a worker that leased the job and died.
	expired := t0.Add(-time.Minute)
	require.NoError(t, db.Exec(
		`UPDATE dunning_jobs SET status = ?, lease_expires_at = ? WHERE idempotency_key = ?`,
		JobStatusLeased, expired, key,
	).Error)

	s.Tick(simulatedctx.WithTime(context.Background(), t0))

	require.Len(t, engine.calls, 1)
	require.Equal(t, JobStatusDone, loadJob(t, db, key).Status)
}

func TestRescheduleOnlyMovesPendingJobs(t *testing.T) {
	s, _, db := newTestScheduler(t)
	node, _ := snowflake.NewNode(2)
	subID, invID := node.Generate(), node.Generate()

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	key := invID.String() + ":1"
	require.NoError(t, s.Schedule(context.Background(), key, t0, subID, invID))

	moved := t0.AddDate(0, 0, 5)
	require.NoError(t, s.Reschedule(context.Background(), key, moved))
	require.Equal(t, moved, loadJob(t, db, key).RunAt.UTC())

	require.NoError(t, db.Exec(
		`UPDATE dunning_jobs SET status = ? WHERE idempotency_key = ?`,
		JobStatusDone, key,
	).Error)
	require.NoError(t, s.Reschedule(context.Background(), key, t0.AddDate(0, 0, 9)))
	require.Equal(t, moved, loadJob(t, db, key).RunAt.UTC())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	require.Equal(t, 30*time.Second, s.backoff(1))
	require.Equal(t, time.Minute, s.backoff(2))
	require.Equal(t, 2*time.Minute, s.backoff(3))
	require.Equal(t, time.Hour, s.backoff(10))
}
