package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusFailed  InvoiceStatus = "FAILED"
	InvoiceStatusPastDue InvoiceStatus = "PAST_DUE"
)

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvoicePaid     = errors.New("invoice_already_paid")
)

// Invoice is one billing cycle's charge for a subscription. It is created by
// the billing-cycle calculator; once a charge fails, the dunning engine owns
// every further mutation.
//
// Invariant: NextRetryAt is non-nil iff Status == FAILED and a retry is still
// scheduled. FailedAttempts never decreases.
type Invoice struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	SubscriptionID    snowflake.ID  `gorm:"index;not null"`
	CustomerID        snowflake.ID  `gorm:"index;not null"`
	Amount            int64         `gorm:"not null"`
	Currency          string        `gorm:"size:3;not null"`
	Status            InvoiceStatus `gorm:"size:16;not null;index"`
	FailedAttempts    int           `gorm:"not null;default:0"`
	NextRetryAt       *time.Time    `gorm:"index"`
	LastFailureReason *string       `gorm:"size:512"`
	PaidAt            *time.Time
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Invoice) TableName() string {
	return "subscription_invoices"
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	UpdateDunningState(ctx context.Context, db *gorm.DB, invoice *Invoice) error
}
