package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusLeased  JobStatus = "LEASED"
	JobStatusDone    JobStatus = "DONE"
	JobStatusDead    JobStatus = "DEAD"
)

// Job is one durable retry instruction. The idempotency key is
// "<invoice_id>:<attempt_number>"; its unique index makes scheduling the
// same retry twice a no-op, which keeps re-executed engine decisions from
// fanning out into duplicate jobs.
type Job struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	IdempotencyKey string       `gorm:"uniqueIndex;size:64;not null"`
	SubscriptionID snowflake.ID `gorm:"not null"`
	InvoiceID      snowflake.ID `gorm:"index;not null"`
	Status         JobStatus    `gorm:"size:16;not null;index:idx_job_due,priority:1"`
	RunAt          time.Time    `gorm:"not null;index:idx_job_due,priority:2"`
	LeaseExpiresAt *time.Time
	InfraAttempts  int     `gorm:"not null;default:0"`
	LastError      *string `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Job) TableName() string {
	return "dunning_jobs"
}
