package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/dunning/internal/dunning/domain"
	"gorm.io/gorm"
)

type repository struct{}

func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.PaymentRetryAttempt) error {
	return db.WithContext(ctx).Create(attempt).Error
}

// NextAttemptNumber derives the next sequential attempt number from the
// ledger itself. Callers must hold the invoice row lock so two writers
// cannot both observe the same maximum; the unique index is the backstop if
// they somehow do.
func (r *repository) NextAttemptNumber(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error) {
	var max int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(attempt_number), 0) FROM payment_retry_attempts WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r *repository) ListAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.PaymentRetryAttempt, error) {
	var attempts []domain.PaymentRetryAttempt
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("attempt_number ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}
