package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	"gorm.io/datatypes"
)

// Notification is one customer communication requested by the engine.
type Notification struct {
	Type           dunningdomain.NotificationType
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	AttemptNumber  int
	TemplateVars   map[string]any
}

// Record is the durable dedup row. The unique index makes a repeated call
// for the same logical event a silent no-op, which is what turns
// at-least-once engine execution into at-most-one email.
type Record struct {
	ID             snowflake.ID                   `gorm:"primaryKey"`
	SubscriptionID snowflake.ID                   `gorm:"index;not null"`
	InvoiceID      snowflake.ID                   `gorm:"uniqueIndex:idx_notification_event;not null"`
	Type           dunningdomain.NotificationType `gorm:"uniqueIndex:idx_notification_event;size:32;not null"`
	AttemptNumber  int                            `gorm:"uniqueIndex:idx_notification_event;not null"`
	TemplateVars   datatypes.JSONMap              `gorm:"type:jsonb"`
	SentAt         time.Time                      `gorm:"not null"`
}

func (Record) TableName() string {
	return "dunning_notifications"
}

// Port enqueues a templated customer message into the email pipeline.
// Implementations must be idempotent per (invoice, type, attempt) and must
// never let delivery trouble surface to the caller.
type Port interface {
	Enqueue(ctx context.Context, n Notification) error
}
