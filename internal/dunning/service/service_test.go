package service

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
	dunningrepository "github.com/railzwaylabs/dunning/internal/dunning/repository"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
	invoicedomain "github.com/railzwaylabs/dunning/internal/invoice/domain"
	invoicerepository "github.com/railzwaylabs/dunning/internal/invoice/repository"
	notificationdomain "github.com/railzwaylabs/dunning/internal/notification/domain"
	"github.com/railzwaylabs/dunning/internal/observability"
	subscriptiondomain "github.com/railzwaylabs/dunning/internal/subscription/domain"
	subscriptionrepository "github.com/railzwaylabs/dunning/internal/subscription/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeCharger struct {
	fn    func(req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error)
	calls []gatewaydomain.ChargeRequest
}

func (f *fakeCharger) Provider() string { return "fake" }

func (f *fakeCharger) Charge(_ context.Context, req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
	f.calls = append(f.calls, req)
	return f.fn(req)
}

type scheduledJob struct {
	Key string
	At  time.Time
}

type fakeScheduler struct {
	scheduled   []scheduledJob
	rescheduled []scheduledJob
}

func (f *fakeScheduler) Schedule(_ context.Context, key string, at time.Time, _, _ snowflake.ID) error {
	f.scheduled = append(f.scheduled, scheduledJob{Key: key, At: at})
	return nil
}

func (f *fakeScheduler) Reschedule(_ context.Context, key string, at time.Time) error {
	f.rescheduled = append(f.rescheduled, scheduledJob{Key: key, At: at})
	return nil
}

type fakeNotifier struct {
	sent []notificationdomain.Notification
}

func (f *fakeNotifier) Enqueue(_ context.Context, n notificationdomain.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

type testEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	charger   *fakeCharger
	scheduler *fakeScheduler
	notifier  *fakeNotifier
}

func newTestService(t *testing.T) (*Service, *testEnv) {
	t.Helper()

	db, err := gorm.Open(
		sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"),
		&gorm.Config{TranslateError: true},
	)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&dunningdomain.PaymentRetryAttempt{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	env := &testEnv{
		db:        db,
		node:      node,
		charger:   &fakeCharger{},
		scheduler: &fakeScheduler{},
		notifier:  &fakeNotifier{},
	}

	svc := &Service{
		db:    db,
		log:   zap.NewNop(),
		genID: node,
		clock: clock.SystemClock{},
		cfg: config.DunningConfig{
			MaxRetries:           3,
			RetryIntervalDays:    []int{1, 3, 7},
			NotifyOnFirstFailure: true,
			NotifyOnFinalFailure: true,
		},
		chargeTimeout:    5 * time.Second,
		repo:             dunningrepository.Provide(),
		subscriptionRepo: subscriptionrepository.Provide(),
		invoiceRepo:      invoicerepository.Provide(),
		charger:          env.charger,
		notifier:         env.notifier,
		scheduler:        env.scheduler,
		metrics:          observability.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	return svc, env
}

func seedAccount(t *testing.T, env *testEnv, at time.Time) (*subscriptiondomain.Subscription, *invoicedomain.Invoice) {
	t.Helper()

	sub := &subscriptiondomain.Subscription{
		ID:               env.node.Generate(),
		CustomerID:       env.node.Generate(),
		Status:           subscriptiondomain.SubscriptionStatusActive,
		BillingInterval:  subscriptiondomain.BillingIntervalMonth,
		PaymentMethodRef: "pm_test_123",
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	require.NoError(t, env.db.Create(sub).Error)

	inv := &invoicedomain.Invoice{
		ID:             env.node.Generate(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Amount:         4900,
		Currency:       "USD",
		Status:         invoicedomain.InvoiceStatusPending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	require.NoError(t, env.db.Create(inv).Error)
	return sub, inv
}

func reloadInvoice(t *testing.T, env *testEnv, id snowflake.ID) *invoicedomain.Invoice {
	t.Helper()
	var inv invoicedomain.Invoice
	require.NoError(t, env.db.First(&inv, "id = ?", id).Error)
	return &inv
}

func reloadSubscription(t *testing.T, env *testEnv, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, env.db.First(&sub, "id = ?", id).Error)
	return &sub
}

func notificationTypes(env *testEnv) []dunningdomain.NotificationType {
	types := make([]dunningdomain.NotificationType, 0, len(env.notifier.sent))
	for _, n := range env.notifier.sent {
		types = append(types, n.Type)
	}
	return types
}

func TestProcessFailureSchedulesFirstRetry(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	decision, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "insufficient funds")
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionRetryScheduled, decision.Kind)
	require.Equal(t, 1, decision.AttemptNumber)
	require.NotNil(t, decision.RetryAt)
	require.Equal(t, t0.AddDate(0, 0, 1), *decision.RetryAt)

	got := reloadInvoice(t, env, inv.ID)
	require.Equal(t, invoicedomain.InvoiceStatusFailed, got.Status)
	require.Equal(t, 1, got.FailedAttempts)
	require.NotNil(t, got.NextRetryAt)
	require.Equal(t, t0.AddDate(0, 0, 1), got.NextRetryAt.UTC())
	require.NotNil(t, got.LastFailureReason)
	require.Equal(t, "insufficient funds", *got.LastFailureReason)

	gotSub := reloadSubscription(t, env, sub.ID)
	require.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, gotSub.Status)

	require.Len(t, env.scheduler.scheduled, 1)
	require.Equal(t, inv.ID.String()+":1", env.scheduler.scheduled[0].Key)

	require.Equal(t, []dunningdomain.NotificationType{dunningdomain.NotificationFirstFailure}, notificationTypes(env))
}

func TestDunningLifecycleExhaustsAndCancels(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sub, inv := seedAccount(t, env, t0)

	env.charger.fn = func(req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
		return gatewaydomain.ChargeResult{
			Succeeded:    false,
			ErrorCode:    "card_declined",
			ErrorMessage: "do not honor",
		}, nil
	}

	// Initial decline pulls the invoice into dunning.
	decision, err := svc.ProcessFailure(simulatedctx.WithTime(context.Background(), t0), sub.ID, inv.ID, "card_declined", "do not honor")
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionRetryScheduled, decision.Kind)

	// Day 1, 4 and 11: scheduled retries all decline.
	now := t0
	for attempt := 2; attempt <= 3; attempt++ {
		now = *decision.RetryAt
		decision, err = svc.RetryPayment(simulatedctx.WithTime(context.Background(), now), sub.ID, inv.ID)
		require.NoError(t, err)
		require.Equal(t, dunningdomain.DecisionRetryScheduled, decision.Kind)
		require.Equal(t, attempt, decision.AttemptNumber)
	}
	require.Equal(t, t0.AddDate(0, 0, 1), env.scheduler.scheduled[1].At.AddDate(0, 0, -3))
	require.Equal(t, t0.AddDate(0, 0, 11), env.scheduler.scheduled[2].At)

	// The fourth failure exceeds the retry budget.
	now = *decision.RetryAt
	decision, err = svc.RetryPayment(simulatedctx.WithTime(context.Background(), now), sub.ID, inv.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionCancelled, decision.Kind)
	require.Equal(t, 4, decision.AttemptNumber)

	gotSub := reloadSubscription(t, env, sub.ID)
	require.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, gotSub.Status)
	require.NotNil(t, gotSub.CancelReason)
	require.Equal(t, subscriptiondomain.CancellationReasonPaymentFailed, *gotSub.CancelReason)
	require.NotNil(t, gotSub.CanceledAt)

	got := reloadInvoice(t, env, inv.ID)
	require.Equal(t, invoicedomain.InvoiceStatusPastDue, got.Status)
	require.Nil(t, got.NextRetryAt)
	require.Equal(t, 4, got.FailedAttempts)

	require.Equal(t, []dunningdomain.NotificationType{
		dunningdomain.NotificationFirstFailure,
		dunningdomain.NotificationRetryFailure,
		dunningdomain.NotificationFinalNotice,
		dunningdomain.NotificationCanceled,
	}, notificationTypes(env))

	// No fifth job was scheduled.
	require.Len(t, env.scheduler.scheduled, 3)
}

func TestCancellationFromActiveRoutesThroughPastDue(t *testing.T) {
	svc, env := newTestService(t)
	svc.cfg.RetryIntervalDays = nil
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	// With no schedule the very first failure exhausts dunning while the
	// subscription is still ACTIVE.
	decision, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionCancelled, decision.Kind)

	gotSub := reloadSubscription(t, env, sub.ID)
	require.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, gotSub.Status)
	require.NotNil(t, gotSub.CancelReason)
	require.Equal(t, subscriptiondomain.CancellationReasonPaymentFailed, *gotSub.CancelReason)
}

func TestCancellationLeavesUnownedStatusAlone(t *testing.T) {
	svc, env := newTestService(t)
	svc.cfg.RetryIntervalDays = nil
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	require.NoError(t, env.db.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Update("status", subscriptiondomain.SubscriptionStatusPaused).Error)

	decision, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionCancelled, decision.Kind)

	// The invoice closes out, but a PAUSED subscription belongs to the
	// billing-cycle calculator and must not be force-canceled.
	got := reloadInvoice(t, env, inv.ID)
	require.Equal(t, invoicedomain.InvoiceStatusPastDue, got.Status)

	gotSub := reloadSubscription(t, env, sub.ID)
	require.Equal(t, subscriptiondomain.SubscriptionStatusPaused, gotSub.Status)
	require.Nil(t, gotSub.CancelReason)
	require.Nil(t, gotSub.CanceledAt)
}

func TestRetryPaymentRecovers(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sub, inv := seedAccount(t, env, t0)

	_, err := svc.ProcessFailure(simulatedctx.WithTime(context.Background(), t0), sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)

	env.charger.fn = func(req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
		return gatewaydomain.ChargeResult{Succeeded: true, TransactionID: "txn_1"}, nil
	}

	t1 := t0.AddDate(0, 0, 1)
	decision, err := svc.RetryPayment(simulatedctx.WithTime(context.Background(), t1), sub.ID, inv.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionRecovered, decision.Kind)
	require.Equal(t, 2, decision.AttemptNumber)

	got := reloadInvoice(t, env, inv.ID)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	require.Nil(t, got.NextRetryAt)
	// History is not rewritten on recovery.
	require.Equal(t, 1, got.FailedAttempts)

	gotSub := reloadSubscription(t, env, sub.ID)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, gotSub.Status)

	require.Len(t, env.charger.calls, 1)
	require.Equal(t, inv.ID.String()+":2", env.charger.calls[0].IdempotencyKey)

	types := notificationTypes(env)
	require.Equal(t, dunningdomain.NotificationRecovered, types[len(types)-1])
}

func TestProcessFailureOnPaidInvoiceIsNoOp(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	require.NoError(t, env.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", inv.ID).
		Update("status", invoicedomain.InvoiceStatusPaid).Error)

	decision, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionNoOp, decision.Kind)

	var count int64
	require.NoError(t, env.db.Model(&dunningdomain.PaymentRetryAttempt{}).Count(&count).Error)
	require.Zero(t, count)
	require.Empty(t, env.scheduler.scheduled)
	require.Empty(t, env.notifier.sent)
}

func TestRetryPaymentOnCanceledSubscriptionIsNoOp(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	require.NoError(t, env.db.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Update("status", subscriptiondomain.SubscriptionStatusCanceled).Error)

	decision, err := svc.RetryPayment(ctx, sub.ID, inv.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionNoOp, decision.Kind)
	require.Empty(t, env.charger.calls)
}

// staleRepo reports a fixed next attempt number regardless of the ledger,
// simulating two processes that both read MAX(attempt_number) before either
// inserted.
type staleRepo struct {
	dunningdomain.Repository
	next int
}

func (r *staleRepo) NextAttemptNumber(context.Context, *gorm.DB, snowflake.ID) (int, error) {
	return r.next, nil
}

func TestDuplicateAttemptNumberResolvesToNoOp(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	decision, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)
	require.Equal(t, 1, decision.AttemptNumber)

	// The second writer lost the race: it derived attempt 1 as well, and the
	// unique index must turn its insert into a NoOp without side effects.
	svc.repo = &staleRepo{Repository: svc.repo, next: 1}

	decision, err = svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionNoOp, decision.Kind)

	got := reloadInvoice(t, env, inv.ID)
	require.Equal(t, 1, got.FailedAttempts)
	require.Len(t, env.scheduler.scheduled, 1)
	require.Len(t, env.notifier.sent, 1)
}

func TestRetryPaymentRetryableGatewayErrorSurfaces(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	_, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)

	env.charger.fn = func(req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
		return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
			Code:      "gateway_unreachable",
			Message:   "connection refused",
			Retryable: true,
		}
	}

	_, err = svc.RetryPayment(simulatedctx.WithTime(context.Background(), t0.AddDate(0, 0, 1)), sub.ID, inv.ID)
	require.Error(t, err)
	require.True(t, gatewaydomain.IsRetryable(err))

	// The outage did not consume a dunning attempt.
	var count int64
	require.NoError(t, env.db.Model(&dunningdomain.PaymentRetryAttempt{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestApplyGatewayOutcomeSuccessEvent(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	_, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)

	decision, err := svc.ApplyGatewayOutcome(ctx, &gatewaydomain.ChargeEvent{
		Provider:       "stripe",
		ProviderEvent:  "payment_intent.succeeded",
		TransactionID:  "pi_123",
		Outcome:        gatewaydomain.ChargeOutcomeSucceeded,
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
	})
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionRecovered, decision.Kind)

	// Replaying the same webhook is harmless.
	decision, err = svc.ApplyGatewayOutcome(ctx, &gatewaydomain.ChargeEvent{
		Outcome:        gatewaydomain.ChargeOutcomeSucceeded,
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
	})
	require.NoError(t, err)
	require.Equal(t, dunningdomain.DecisionNoOp, decision.Kind)
}

func TestExtendGracePeriod(t *testing.T) {
	svc, env := newTestService(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	require.Error(t, svc.ExtendGracePeriod(ctx, sub.ID, inv.ID, 0))
	require.ErrorIs(t, svc.ExtendGracePeriod(ctx, sub.ID, inv.ID, 5), dunningdomain.ErrInvoiceNotInDunning)

	_, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)

	require.NoError(t, svc.ExtendGracePeriod(ctx, sub.ID, inv.ID, 5))

	got := reloadInvoice(t, env, inv.ID)
	require.NotNil(t, got.NextRetryAt)
	require.Equal(t, t0.AddDate(0, 0, 6), got.NextRetryAt.UTC())

	require.Len(t, env.scheduler.rescheduled, 1)
	require.Equal(t, inv.ID.String()+":1", env.scheduler.rescheduled[0].Key)
	require.Equal(t, t0.AddDate(0, 0, 6), env.scheduler.rescheduled[0].At)
}

func TestNotificationGatingHonorsConfig(t *testing.T) {
	svc, env := newTestService(t)
	svc.cfg.NotifyOnFirstFailure = false
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := simulatedctx.WithTime(context.Background(), t0)
	sub, inv := seedAccount(t, env, t0)

	_, err := svc.ProcessFailure(ctx, sub.ID, inv.ID, "card_declined", "")
	require.NoError(t, err)
	require.Empty(t, env.notifier.sent)
}
