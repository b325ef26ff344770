package airwallex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
)

const defaultBaseURL = "https://api.airwallex.com"

type Adapter struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

func New(apiKey, webhookSecret, baseURL string, timeout time.Duration) (*Adapter, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, gatewaydomain.ErrInvalidConfig
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		apiKey:        apiKey,
		webhookSecret: strings.TrimSpace(webhookSecret),
		baseURL:       baseURL,
		client:        &http.Client{Timeout: timeout},
	}, nil
}

func (a *Adapter) Provider() string {
	return "airwallex"
}

type intentResponse struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	LatestPaymentAttempt *struct {
		FailureCode    string `json:"failure_code"`
		FailureMessage string `json:"failure_message"`
	} `json:"latest_payment_attempt"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) Charge(ctx context.Context, req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
	payload := map[string]any{
		"request_id":         req.IdempotencyKey,
		"amount":             req.Amount,
		"currency":           strings.ToUpper(strings.TrimSpace(req.Currency)),
		"payment_consent_id": strings.TrimSpace(req.PaymentMethodRef),
		"confirm":            true,
		"metadata":           req.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return gatewaydomain.ChargeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v1/pa/payment_intents/create", bytes.NewReader(body))
	if err != nil {
		return gatewaydomain.ChargeResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
			Code:      "gateway_unreachable",
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
			Code:      "airwallex_server_error",
			Message:   fmt.Sprintf("status %d", resp.StatusCode),
			Retryable: true,
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
				Code:      "airwallex_request_failed",
				Message:   fmt.Sprintf("status %d", resp.StatusCode),
				Retryable: false,
			}
		}
		// Airwallex reports declines with a decided error code; treat them as
		// an outcome rather than a gateway fault.
		if strings.HasPrefix(apiErr.Code, "payment_") || apiErr.Code == "card_declined" {
			return gatewaydomain.ChargeResult{
				Succeeded:    false,
				ErrorCode:    apiErr.Code,
				ErrorMessage: strings.TrimSpace(apiErr.Message),
			}, nil
		}
		return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
			Code:      apiErr.Code,
			Message:   strings.TrimSpace(apiErr.Message),
			Retryable: false,
		}
	}

	var intent intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return gatewaydomain.ChargeResult{}, err
	}
	if strings.TrimSpace(intent.ID) == "" {
		return gatewaydomain.ChargeResult{}, errors.New("airwallex_response_invalid")
	}

	if intent.Status == "SUCCEEDED" {
		return gatewaydomain.ChargeResult{
			Succeeded:     true,
			TransactionID: intent.ID,
		}, nil
	}

	result := gatewaydomain.ChargeResult{
		Succeeded:     false,
		TransactionID: intent.ID,
		ErrorCode:     "payment_intent_" + strings.ToLower(intent.Status),
	}
	if intent.LatestPaymentAttempt != nil {
		result.ErrorCode = intent.LatestPaymentAttempt.FailureCode
		result.ErrorMessage = intent.LatestPaymentAttempt.FailureMessage
	}
	return result, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return gatewaydomain.ErrInvalidConfig
	}
	timestamp := strings.TrimSpace(headers.Get("x-timestamp"))
	signature := strings.TrimSpace(headers.Get("x-signature"))
	if timestamp == "" || signature == "" {
		return gatewaydomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return gatewaydomain.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		Object struct {
			ID                   string            `json:"id"`
			Metadata             map[string]string `json:"metadata"`
			LatestPaymentAttempt *struct {
				FailureCode    string `json:"failure_code"`
				FailureMessage string `json:"failure_message"`
			} `json:"latest_payment_attempt"`
		} `json:"object"`
	} `json:"data"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*gatewaydomain.ChargeEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, gatewaydomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, gatewaydomain.ErrInvalidPayload
	}

	var outcome gatewaydomain.ChargeOutcome
	switch strings.TrimSpace(event.Name) {
	case "payment_intent.succeeded":
		outcome = gatewaydomain.ChargeOutcomeSucceeded
	case "payment_attempt.failed_to_process", "payment_intent.cancelled":
		outcome = gatewaydomain.ChargeOutcomeFailed
	default:
		return nil, gatewaydomain.ErrEventIgnored
	}

	metadata := event.Data.Object.Metadata
	subscriptionRaw := strings.TrimSpace(metadata["subscription_id"])
	invoiceRaw := strings.TrimSpace(metadata["invoice_id"])
	if subscriptionRaw == "" || invoiceRaw == "" {
		return nil, gatewaydomain.ErrEventIgnored
	}
	subscriptionID, err := snowflake.ParseString(subscriptionRaw)
	if err != nil {
		return nil, gatewaydomain.ErrInvalidPayload
	}
	invoiceID, err := snowflake.ParseString(invoiceRaw)
	if err != nil {
		return nil, gatewaydomain.ErrInvalidPayload
	}

	occurredAt := time.Now().UTC()
	if parsed, err := time.Parse(time.RFC3339, event.CreatedAt); err == nil {
		occurredAt = parsed.UTC()
	}

	chargeEvent := &gatewaydomain.ChargeEvent{
		Provider:       "airwallex",
		ProviderEvent:  event.ID,
		TransactionID:  event.Data.Object.ID,
		Outcome:        outcome,
		SubscriptionID: subscriptionID,
		InvoiceID:      invoiceID,
		OccurredAt:     occurredAt,
	}
	if attempt := event.Data.Object.LatestPaymentAttempt; attempt != nil {
		chargeEvent.ErrorCode = strings.TrimSpace(attempt.FailureCode)
		chargeEvent.ErrorMessage = strings.TrimSpace(attempt.FailureMessage)
	}
	return chargeEvent, nil
}
