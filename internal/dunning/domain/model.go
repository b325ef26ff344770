package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AttemptOutcome string

const (
	AttemptOutcomeSucceeded AttemptOutcome = "SUCCEEDED"
	AttemptOutcomeFailed    AttemptOutcome = "FAILED"
)

var (
	ErrInvoiceNotFound      = errors.New("dunning_invoice_not_found")
	ErrSubscriptionNotFound = errors.New("dunning_subscription_not_found")
	ErrInvoiceNotInDunning  = errors.New("dunning_invoice_not_in_dunning")
	ErrInvalidGraceDays     = errors.New("dunning_invalid_grace_days")
)

// PaymentRetryAttempt is the append-only audit row for one charge attempt.
// The unique index on (invoice_id, attempt_number) is the concurrency
// backstop: when a scheduled retry and a gateway webhook race to record the
// same attempt, exactly one insert wins and the loser resolves to NoOp.
type PaymentRetryAttempt struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	SubscriptionID snowflake.ID   `gorm:"index;not null"`
	InvoiceID      snowflake.ID   `gorm:"uniqueIndex:idx_attempt_invoice_number;not null"`
	AttemptNumber  int            `gorm:"uniqueIndex:idx_attempt_invoice_number;not null"`
	Outcome        AttemptOutcome `gorm:"size:16;not null"`
	ErrorCode      *string        `gorm:"size:128"`
	ErrorMessage   *string        `gorm:"size:512"`
	GatewayTxnID   *string        `gorm:"size:255"`
	AttemptedAt    time.Time      `gorm:"not null"`
	NextRetryAt    *time.Time
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

func (PaymentRetryAttempt) TableName() string {
	return "payment_retry_attempts"
}

type NotificationType string

const (
	NotificationFirstFailure NotificationType = "FIRST_FAILURE"
	NotificationRetryFailure NotificationType = "RETRY_FAILURE"
	NotificationFinalNotice  NotificationType = "FINAL_NOTICE"
	NotificationCanceled     NotificationType = "CANCELED"
	NotificationRecovered    NotificationType = "RECOVERED"
)

type DecisionKind string

const (
	DecisionRetryScheduled DecisionKind = "RETRY_SCHEDULED"
	DecisionCancelled      DecisionKind = "CANCELLED"
	DecisionRecovered      DecisionKind = "RECOVERED"
	DecisionNoOp           DecisionKind = "NO_OP"
)

// Decision is the engine's verdict for one failure-handling cycle.
type Decision struct {
	Kind          DecisionKind
	AttemptNumber int
	RetryAt       *time.Time
}

// Engine orchestrates one failure-handling cycle per (subscription, invoice)
// pair: record the attempt, decide retry vs cancel, mutate state, schedule
// the next job, request a notification.
type Engine interface {
	ProcessFailure(ctx context.Context, subscriptionID, invoiceID snowflake.ID, errCode, errMessage string) (Decision, error)
	RetryPayment(ctx context.Context, subscriptionID, invoiceID snowflake.ID) (Decision, error)
	ApplyGatewayOutcome(ctx context.Context, event *gatewaydomain.ChargeEvent) (Decision, error)
	ExtendGracePeriod(ctx context.Context, subscriptionID, invoiceID snowflake.ID, days int) error
}

// JobScheduler is the engine's view of the durable retry queue.
type JobScheduler interface {
	// Schedule enqueues a retry job; scheduling the same key twice is a no-op.
	Schedule(ctx context.Context, key string, at time.Time, subscriptionID, invoiceID snowflake.ID) error
	// Reschedule moves a still-pending job to a new run time.
	Reschedule(ctx context.Context, key string, at time.Time) error
}

type Repository interface {
	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *PaymentRetryAttempt) error
	NextAttemptNumber(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error)
	ListAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]PaymentRetryAttempt, error)
}
