package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusPaused   SubscriptionStatus = "PAUSED"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

type CancellationReason string

const (
	CancellationReasonPaymentFailed CancellationReason = "PAYMENT_FAILED"
	CancellationReasonCustomer      CancellationReason = "CUSTOMER_REQUEST"
)

type BillingInterval string

const (
	BillingIntervalDay   BillingInterval = "DAY"
	BillingIntervalWeek  BillingInterval = "WEEK"
	BillingIntervalMonth BillingInterval = "MONTH"
	BillingIntervalYear  BillingInterval = "YEAR"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidTransition    = errors.New("invalid_subscription_transition")
)

type Subscription struct {
	ID               snowflake.ID       `gorm:"primaryKey"`
	CustomerID       snowflake.ID       `gorm:"index;not null"`
	Status           SubscriptionStatus `gorm:"size:32;not null;index"`
	BillingInterval  BillingInterval    `gorm:"size:16;not null"`
	PaymentMethodRef string             `gorm:"size:255"`
	NextBillingAt    *time.Time
	CancelReason     *CancellationReason `gorm:"size:64"`
	CanceledAt       *time.Time
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// CanTransition reports whether the dunning engine may move a subscription
// from current to target. The engine owns only ACTIVE <-> PAST_DUE and
// PAST_DUE -> CANCELED; everything else belongs to the billing-cycle
// calculator. A self-transition to PAST_DUE is allowed so repeated failures
// on the same invoice stay idempotent.
func CanTransition(current, target SubscriptionStatus) bool {
	if current == target {
		return target == SubscriptionStatusPastDue
	}
	switch current {
	case SubscriptionStatusActive, SubscriptionStatusTrialing:
		return target == SubscriptionStatusPastDue
	case SubscriptionStatusPastDue:
		return target == SubscriptionStatusActive || target == SubscriptionStatusCanceled
	default:
		return false
	}
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}
