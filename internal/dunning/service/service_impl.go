package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/dunning/internal/clock"
	"github.com/railzwaylabs/dunning/internal/config"
	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	"github.com/railzwaylabs/dunning/internal/dunning/policy"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
	invoicedomain "github.com/railzwaylabs/dunning/internal/invoice/domain"
	notificationdomain "github.com/railzwaylabs/dunning/internal/notification/domain"
	"github.com/railzwaylabs/dunning/internal/observability"
	subscriptiondomain "github.com/railzwaylabs/dunning/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errAttemptConflict marks a lost race on the (invoice_id, attempt_number)
// unique index. It rolls the transaction back and resolves to NoOp: the
// concurrent path already recorded this attempt.
var errAttemptConflict = errors.New("attempt_number_conflict")

const graceDiscountKey = "grace_attempt_discount"

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   config.DunningConfig

	chargeTimeout time.Duration

	repo             dunningdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	invoiceRepo      invoicedomain.Repository

	charger   gatewaydomain.Charger
	notifier  notificationdomain.Port
	scheduler dunningdomain.JobScheduler
	metrics   *observability.Metrics
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config

	Repo             dunningdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	InvoiceRepo      invoicedomain.Repository

	Charger   gatewaydomain.Charger
	Notifier  notificationdomain.Port
	Scheduler dunningdomain.JobScheduler
	Metrics   *observability.Metrics
}

func NewService(p Params) dunningdomain.Engine {
	chargeTimeout := p.Cfg.Gateway.ChargeTimeout
	if chargeTimeout <= 0 {
		chargeTimeout = 30 * time.Second
	}
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("dunning.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		cfg:              p.Cfg.Dunning,
		chargeTimeout:    chargeTimeout,
		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		invoiceRepo:      p.InvoiceRepo,
		charger:          p.Charger,
		notifier:         p.Notifier,
		scheduler:        p.Scheduler,
		metrics:          p.Metrics,
	}
}

// ProcessFailure records one counted failure for the invoice and decides
// what happens next: schedule a retry, or cancel the subscription once the
// retry schedule is exhausted. All state mutation happens inside a single
// transaction holding the invoice and subscription row locks.
func (s *Service) ProcessFailure(
	ctx context.Context,
	subscriptionID, invoiceID snowflake.ID,
	errCode, errMessage string,
) (dunningdomain.Decision, error) {
	var decision dunningdomain.Decision
	var notify *notificationdomain.Notification

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoiceRepo.FindByIDForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil || invoice.SubscriptionID != subscriptionID {
			return dunningdomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusPaid {
			decision = dunningdomain.Decision{Kind: dunningdomain.DecisionNoOp}
			return nil
		}

		subscription, err := s.subscriptionRepo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return dunningdomain.ErrSubscriptionNotFound
		}
		if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
			decision = dunningdomain.Decision{Kind: dunningdomain.DecisionNoOp}
			return nil
		}

		attemptNumber, err := s.repo.NextAttemptNumber(ctx, tx, invoiceID)
		if err != nil {
			return err
		}

		now := s.clock.Now(ctx)
		effective := attemptNumber - attemptDiscount(invoice)
		if effective < 1 {
			effective = 1
		}
		nextAt, retry := policy.NextRetryAt(effective, now, s.cfg)

		attempt := &dunningdomain.PaymentRetryAttempt{
			ID:             s.genID.Generate(),
			SubscriptionID: subscriptionID,
			InvoiceID:      invoiceID,
			AttemptNumber:  attemptNumber,
			Outcome:        dunningdomain.AttemptOutcomeFailed,
			AttemptedAt:    now,
			CreatedAt:      now,
		}
		if code := strings.TrimSpace(errCode); code != "" {
			attempt.ErrorCode = &code
		}
		if msg := strings.TrimSpace(errMessage); msg != "" {
			attempt.ErrorMessage = &msg
		}
		if retry {
			attempt.NextRetryAt = &nextAt
		}

		if err := s.repo.InsertAttempt(ctx, tx, attempt); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errAttemptConflict
			}
			return err
		}

		reason := failureReason(errCode, errMessage)
		invoice.FailedAttempts++
		invoice.LastFailureReason = &reason
		invoice.UpdatedAt = now

		if !retry {
			// Cancellation routes through PAST_DUE. Statuses the engine does
			// not own, such as PAUSED, are left to the billing-cycle
			// calculator; the invoice still closes out below.
			if subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusPastDue) {
				subscription.Status = subscriptiondomain.SubscriptionStatusPastDue
			}
			if subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusCanceled) {
				subscription.Status = subscriptiondomain.SubscriptionStatusCanceled
				cancelReason := subscriptiondomain.CancellationReasonPaymentFailed
				subscription.CancelReason = &cancelReason
				subscription.CanceledAt = &now
				subscription.UpdatedAt = now
				if err := s.subscriptionRepo.UpdateLifecycle(ctx, tx, subscription); err != nil {
					return err
				}
			}

			invoice.Status = invoicedomain.InvoiceStatusPastDue
			invoice.NextRetryAt = nil
			if err := s.invoiceRepo.UpdateDunningState(ctx, tx, invoice); err != nil {
				return err
			}

			decision = dunningdomain.Decision{
				Kind:          dunningdomain.DecisionCancelled,
				AttemptNumber: attemptNumber,
			}
			notify = &notificationdomain.Notification{
				Type:           dunningdomain.NotificationCanceled,
				SubscriptionID: subscriptionID,
				InvoiceID:      invoiceID,
				AttemptNumber:  attemptNumber,
				TemplateVars:   map[string]any{"reason": reason},
			}
			return nil
		}

		if subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusPastDue) {
			subscription.Status = subscriptiondomain.SubscriptionStatusPastDue
			subscription.UpdatedAt = now
			if err := s.subscriptionRepo.UpdateLifecycle(ctx, tx, subscription); err != nil {
				return err
			}
		}

		invoice.Status = invoicedomain.InvoiceStatusFailed
		invoice.NextRetryAt = &nextAt
		if err := s.invoiceRepo.UpdateDunningState(ctx, tx, invoice); err != nil {
			return err
		}

		decision = dunningdomain.Decision{
			Kind:          dunningdomain.DecisionRetryScheduled,
			AttemptNumber: attemptNumber,
			RetryAt:       &nextAt,
		}
		notify = &notificationdomain.Notification{
			Type:           s.notificationType(effective),
			SubscriptionID: subscriptionID,
			InvoiceID:      invoiceID,
			AttemptNumber:  attemptNumber,
			TemplateVars: map[string]any{
				"reason":        reason,
				"next_retry_at": nextAt.Format(time.RFC3339),
			},
		}
		return nil
	})
	if errors.Is(err, errAttemptConflict) {
		return dunningdomain.Decision{Kind: dunningdomain.DecisionNoOp}, nil
	}
	if err != nil {
		return dunningdomain.Decision{}, err
	}

	switch decision.Kind {
	case dunningdomain.DecisionRetryScheduled:
		s.metrics.AttemptsRecorded.WithLabelValues("failed").Inc()
		key := jobKey(invoiceID, decision.AttemptNumber)
		if err := s.scheduler.Schedule(ctx, key, *decision.RetryAt, subscriptionID, invoiceID); err != nil {
			s.log.Error("failed to schedule retry job",
				zap.Error(err),
				zap.String("invoice_id", invoiceID.String()),
				zap.Int("attempt", decision.AttemptNumber))
		}
	case dunningdomain.DecisionCancelled:
		s.metrics.AttemptsRecorded.WithLabelValues("failed").Inc()
		s.metrics.Cancellations.Inc()
	}

	s.requestNotification(ctx, notify)
	return decision, nil
}

// RetryPayment is the scheduler's entry point: charge the stored payment
// method and fold the outcome back into the state machine. The invoice lock
// is not held across the gateway call; preconditions are re-validated when
// the outcome is applied.
func (s *Service) RetryPayment(ctx context.Context, subscriptionID, invoiceID snowflake.ID) (dunningdomain.Decision, error) {
	var (
		noop          bool
		attemptNumber int
		amount        int64
		currency      string
		methodRef     string
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoiceRepo.FindByIDForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil || invoice.SubscriptionID != subscriptionID {
			return dunningdomain.ErrInvoiceNotFound
		}

		subscription, err := s.subscriptionRepo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return dunningdomain.ErrSubscriptionNotFound
		}

		// A late-firing job after the invoice already resolved through
		// another path (webhook recovery, manual cancellation) is harmless.
		if invoice.Status == invoicedomain.InvoiceStatusPaid ||
			subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
			noop = true
			return nil
		}

		attemptNumber, err = s.repo.NextAttemptNumber(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		amount = invoice.Amount
		currency = invoice.Currency
		methodRef = subscription.PaymentMethodRef
		return nil
	})
	if err != nil {
		return dunningdomain.Decision{}, err
	}
	if noop {
		return dunningdomain.Decision{Kind: dunningdomain.DecisionNoOp}, nil
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
	defer cancel()

	result, err := s.charger.Charge(chargeCtx, gatewaydomain.ChargeRequest{
		PaymentMethodRef: methodRef,
		Amount:           amount,
		Currency:         currency,
		IdempotencyKey:   jobKey(invoiceID, attemptNumber),
		Metadata: map[string]string{
			"subscription_id": subscriptionID.String(),
			"invoice_id":      invoiceID.String(),
			"attempt":         strconv.Itoa(attemptNumber),
		},
	})
	if err != nil {
		if gatewaydomain.IsRetryable(err) {
			// Infrastructure trouble: surface to the scheduler's own backoff
			// without consuming a dunning attempt.
			return dunningdomain.Decision{}, err
		}
		code, msg := gatewayErrorParts(err)
		return s.ProcessFailure(ctx, subscriptionID, invoiceID, code, msg)
	}

	if !result.Succeeded {
		return s.ProcessFailure(ctx, subscriptionID, invoiceID, result.ErrorCode, result.ErrorMessage)
	}

	return s.applyChargeSuccess(ctx, subscriptionID, invoiceID, result.TransactionID)
}

// ApplyGatewayOutcome folds an inbound webhook into the same entry points
// the scheduler uses, subject to the same preconditions.
func (s *Service) ApplyGatewayOutcome(ctx context.Context, event *gatewaydomain.ChargeEvent) (dunningdomain.Decision, error) {
	if event == nil {
		return dunningdomain.Decision{Kind: dunningdomain.DecisionNoOp}, nil
	}

	if event.Outcome == gatewaydomain.ChargeOutcomeSucceeded {
		return s.applyChargeSuccess(ctx, event.SubscriptionID, event.InvoiceID, event.TransactionID)
	}

	code := event.ErrorCode
	if code == "" {
		code = "charge_failed"
	}
	return s.ProcessFailure(ctx, event.SubscriptionID, event.InvoiceID, code, event.ErrorMessage)
}

// ExtendGracePeriod postpones the pending retry (and therefore the eventual
// cancellation) by the given number of days. Whether the attempt counter is
// also discounted is a policy decision carried by the config snapshot.
func (s *Service) ExtendGracePeriod(ctx context.Context, subscriptionID, invoiceID snowflake.ID, days int) error {
	if days <= 0 {
		return dunningdomain.ErrInvalidGraceDays
	}

	var (
		newAt      time.Time
		pendingKey string
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoiceRepo.FindByIDForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil || invoice.SubscriptionID != subscriptionID {
			return dunningdomain.ErrInvoiceNotFound
		}
		if invoice.Status != invoicedomain.InvoiceStatusFailed || invoice.NextRetryAt == nil {
			return dunningdomain.ErrInvoiceNotInDunning
		}

		newAt = invoice.NextRetryAt.AddDate(0, 0, days)
		invoice.NextRetryAt = &newAt
		invoice.UpdatedAt = s.clock.Now(ctx)

		if s.cfg.GraceExtensionResetsAttempts {
			if invoice.Metadata == nil {
				invoice.Metadata = datatypes.JSONMap{}
			}
			invoice.Metadata[graceDiscountKey] = invoice.FailedAttempts
			if err := tx.WithContext(ctx).Exec(
				`UPDATE subscription_invoices SET metadata = ? WHERE id = ?`,
				invoice.Metadata,
				invoice.ID,
			).Error; err != nil {
				return err
			}
		}

		pendingKey = jobKey(invoiceID, invoice.FailedAttempts)
		return s.invoiceRepo.UpdateDunningState(ctx, tx, invoice)
	})
	if err != nil {
		return err
	}

	if err := s.scheduler.Reschedule(ctx, pendingKey, newAt); err != nil {
		s.log.Error("failed to reschedule retry job after grace extension",
			zap.Error(err),
			zap.String("invoice_id", invoiceID.String()))
	}
	return nil
}

func (s *Service) applyChargeSuccess(ctx context.Context, subscriptionID, invoiceID snowflake.ID, gatewayTxnID string) (dunningdomain.Decision, error) {
	var decision dunningdomain.Decision

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoiceRepo.FindByIDForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil || invoice.SubscriptionID != subscriptionID {
			return dunningdomain.ErrInvoiceNotFound
		}

		subscription, err := s.subscriptionRepo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return dunningdomain.ErrSubscriptionNotFound
		}

		// State may have changed while no lock was held; a concurrent path
		// that already resolved the invoice wins.
		if invoice.Status == invoicedomain.InvoiceStatusPaid ||
			subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
			decision = dunningdomain.Decision{Kind: dunningdomain.DecisionNoOp}
			return nil
		}

		attemptNumber, err := s.repo.NextAttemptNumber(ctx, tx, invoiceID)
		if err != nil {
			return err
		}

		now := s.clock.Now(ctx)
		attempt := &dunningdomain.PaymentRetryAttempt{
			ID:             s.genID.Generate(),
			SubscriptionID: subscriptionID,
			InvoiceID:      invoiceID,
			AttemptNumber:  attemptNumber,
			Outcome:        dunningdomain.AttemptOutcomeSucceeded,
			AttemptedAt:    now,
			CreatedAt:      now,
		}
		if txnID := strings.TrimSpace(gatewayTxnID); txnID != "" {
			attempt.GatewayTxnID = &txnID
		}
		if err := s.repo.InsertAttempt(ctx, tx, attempt); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errAttemptConflict
			}
			return err
		}

		// FailedAttempts is history; it is not reset on recovery.
		invoice.Status = invoicedomain.InvoiceStatusPaid
		invoice.PaidAt = &now
		invoice.NextRetryAt = nil
		invoice.UpdatedAt = now
		if err := s.invoiceRepo.UpdateDunningState(ctx, tx, invoice); err != nil {
			return err
		}

		if subscriptiondomain.CanTransition(subscription.Status, subscriptiondomain.SubscriptionStatusActive) {
			subscription.Status = subscriptiondomain.SubscriptionStatusActive
			subscription.UpdatedAt = now
			if err := s.subscriptionRepo.UpdateLifecycle(ctx, tx, subscription); err != nil {
				return err
			}
		}

		decision = dunningdomain.Decision{
			Kind:          dunningdomain.DecisionRecovered,
			AttemptNumber: attemptNumber,
		}
		return nil
	})
	if errors.Is(err, errAttemptConflict) {
		return dunningdomain.Decision{Kind: dunningdomain.DecisionNoOp}, nil
	}
	if err != nil {
		return dunningdomain.Decision{}, err
	}

	if decision.Kind == dunningdomain.DecisionRecovered {
		s.metrics.AttemptsRecorded.WithLabelValues("succeeded").Inc()
		s.metrics.Recoveries.Inc()
		s.requestNotification(ctx, &notificationdomain.Notification{
			Type:           dunningdomain.NotificationRecovered,
			SubscriptionID: subscriptionID,
			InvoiceID:      invoiceID,
			AttemptNumber:  decision.AttemptNumber,
		})
	}
	return decision, nil
}

// requestNotification is fire-and-forget: a customer not receiving an email
// must never prevent the invoice or subscription state from advancing.
func (s *Service) requestNotification(ctx context.Context, n *notificationdomain.Notification) {
	if n == nil {
		return
	}
	switch n.Type {
	case dunningdomain.NotificationFirstFailure:
		if !s.cfg.NotifyOnFirstFailure {
			return
		}
	case dunningdomain.NotificationFinalNotice:
		if !s.cfg.NotifyOnFinalFailure {
			return
		}
	}
	if err := s.notifier.Enqueue(ctx, *n); err != nil {
		s.log.Warn("failed to enqueue dunning notification",
			zap.Error(err),
			zap.String("type", string(n.Type)),
			zap.String("invoice_id", n.InvoiceID.String()))
	}
}

func (s *Service) notificationType(effectiveAttempt int) dunningdomain.NotificationType {
	switch {
	case effectiveAttempt >= s.cfg.MaxRetries:
		return dunningdomain.NotificationFinalNotice
	case effectiveAttempt == 1:
		return dunningdomain.NotificationFirstFailure
	default:
		return dunningdomain.NotificationRetryFailure
	}
}

func attemptDiscount(invoice *invoicedomain.Invoice) int {
	if invoice == nil || invoice.Metadata == nil {
		return 0
	}
	switch v := invoice.Metadata[graceDiscountKey].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func failureReason(code, message string) string {
	message = strings.TrimSpace(message)
	if message != "" {
		return message
	}
	code = strings.TrimSpace(code)
	if code != "" {
		return code
	}
	return "payment_failed"
}

func gatewayErrorParts(err error) (string, string) {
	var gwErr *gatewaydomain.Error
	if errors.As(err, &gwErr) {
		return gwErr.Code, gwErr.Message
	}
	return "gateway_error", err.Error()
}

func jobKey(invoiceID snowflake.ID, attemptNumber int) string {
	return fmt.Sprintf("%s:%d", invoiceID.String(), attemptNumber)
}
