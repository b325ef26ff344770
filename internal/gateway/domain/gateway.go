package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidConfig    = errors.New("gateway_invalid_config")
	ErrInvalidSignature = errors.New("gateway_invalid_signature")
	ErrInvalidPayload   = errors.New("gateway_invalid_payload")
	ErrEventIgnored     = errors.New("gateway_event_ignored")
	ErrProviderNotFound = errors.New("gateway_provider_not_found")
)

type ChargeRequest struct {
	PaymentMethodRef string
	Amount           int64
	Currency         string
	// IdempotencyKey is invoice_id:attempt_number so a gateway-side retry of
	// the same HTTP call never double-charges.
	IdempotencyKey string
	Metadata       map[string]string
}

type ChargeResult struct {
	Succeeded     bool
	TransactionID string
	ErrorCode     string
	ErrorMessage  string
}

// Error is a gateway-level failure: the charge could not be decided at all.
// Retryable marks infrastructure trouble (timeout, 5xx) the scheduler may
// retry without consuming a dunning attempt. Declines are not Errors; they
// come back as a ChargeResult with Succeeded=false.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func IsRetryable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

// Charger is the outbound port to the payment provider.
type Charger interface {
	Provider() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

type ChargeOutcome string

const (
	ChargeOutcomeSucceeded ChargeOutcome = "SUCCEEDED"
	ChargeOutcomeFailed    ChargeOutcome = "FAILED"
)

// ChargeEvent is a gateway webhook correlated back to the dunning engine via
// the metadata attached at charge time.
type ChargeEvent struct {
	Provider       string
	ProviderEvent  string
	TransactionID  string
	Outcome        ChargeOutcome
	ErrorCode      string
	ErrorMessage   string
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	OccurredAt     time.Time
}

// WebhookAdapter verifies and parses inbound provider events.
type WebhookAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*ChargeEvent, error)
}
