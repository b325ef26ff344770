package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
)

const defaultBaseURL = "https://api.stripe.com"

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
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
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
	return "stripe"
}

type paymentIntent struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Charge(ctx context.Context, req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.Amount, 10))
	values.Set("currency", strings.ToLower(strings.TrimSpace(req.Currency)))
	values.Set("payment_method", strings.TrimSpace(req.PaymentMethodRef))
	values.Set("confirm", "true")
	values.Set("off_session", "true")
	for k, v := range req.Metadata {
		values.Set("metadata["+k+"]", v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/payment_intents", strings.NewReader(values.Encode()))
	if err != nil {
		return gatewaydomain.ChargeResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		// Transport failure, including the bounded per-attempt timeout.
		return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
			Code:      "gateway_unreachable",
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
			Code:      "stripe_server_error",
			Message:   fmt.Sprintf("status %d", resp.StatusCode),
			Retryable: true,
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
			return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
				Code:      "stripe_request_failed",
				Message:   fmt.Sprintf("status %d", resp.StatusCode),
				Retryable: false,
			}
		}
		code := strings.TrimSpace(stripeErr.Error.Code)
		if code == "" {
			code = strings.TrimSpace(stripeErr.Error.Type)
		}
		// Card errors are a decided outcome: the charge was declined.
		if resp.StatusCode == http.StatusPaymentRequired || stripeErr.Error.Type == "card_error" {
			return gatewaydomain.ChargeResult{
				Succeeded:    false,
				ErrorCode:    code,
				ErrorMessage: strings.TrimSpace(stripeErr.Error.Message),
			}, nil
		}
		return gatewaydomain.ChargeResult{}, &gatewaydomain.Error{
			Code:      code,
			Message:   strings.TrimSpace(stripeErr.Error.Message),
			Retryable: false,
		}
	}

	var intent paymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return gatewaydomain.ChargeResult{}, err
	}
	if strings.TrimSpace(intent.ID) == "" {
		return gatewaydomain.ChargeResult{}, errors.New("stripe_response_invalid")
	}

	if intent.Status == "succeeded" {
		return gatewaydomain.ChargeResult{
			Succeeded:     true,
			TransactionID: intent.ID,
		}, nil
	}

	result := gatewaydomain.ChargeResult{
		Succeeded:     false,
		TransactionID: intent.ID,
		ErrorCode:     "payment_intent_" + intent.Status,
	}
	if intent.LastPaymentError != nil {
		result.ErrorCode = intent.LastPaymentError.Code
		result.ErrorMessage = intent.LastPaymentError.Message
	}
	return result, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return gatewaydomain.ErrInvalidConfig
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return gatewaydomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return gatewaydomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return gatewaydomain.ErrInvalidSignature
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type eventIntent struct {
	ID               string            `json:"id"`
	Created          int64             `json:"created"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*gatewaydomain.ChargeEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, gatewaydomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, gatewaydomain.ErrInvalidPayload
	}

	var outcome gatewaydomain.ChargeOutcome
	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		outcome = gatewaydomain.ChargeOutcomeSucceeded
	case "payment_intent.payment_failed":
		outcome = gatewaydomain.ChargeOutcomeFailed
	default:
		return nil, gatewaydomain.ErrEventIgnored
	}

	var intent eventIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, gatewaydomain.ErrInvalidPayload
	}

	subscriptionID, invoiceID, err := parseCorrelationIDs(intent.Metadata)
	if err != nil {
		return nil, err
	}

	chargeEvent := &gatewaydomain.ChargeEvent{
		Provider:       "stripe",
		ProviderEvent:  event.ID,
		TransactionID:  intent.ID,
		Outcome:        outcome,
		SubscriptionID: subscriptionID,
		InvoiceID:      invoiceID,
		OccurredAt:     eventTimestamp(intent.Created, event.Created),
	}
	if intent.LastPaymentError != nil {
		chargeEvent.ErrorCode = strings.TrimSpace(intent.LastPaymentError.Code)
		chargeEvent.ErrorMessage = strings.TrimSpace(intent.LastPaymentError.Message)
	}
	return chargeEvent, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func parseCorrelationIDs(metadata map[string]string) (snowflake.ID, snowflake.ID, error) {
	subscriptionRaw := strings.TrimSpace(metadata["subscription_id"])
	invoiceRaw := strings.TrimSpace(metadata["invoice_id"])
	if subscriptionRaw == "" || invoiceRaw == "" {
		return 0, 0, gatewaydomain.ErrEventIgnored
	}
	subscriptionID, err := snowflake.ParseString(subscriptionRaw)
	if err != nil {
		return 0, 0, gatewaydomain.ErrInvalidPayload
	}
	invoiceID, err := snowflake.ParseString(invoiceRaw)
	if err != nil {
		return 0, 0, gatewaydomain.ErrInvalidPayload
	}
	return subscriptionID, invoiceID, nil
}

func eventTimestamp(primary, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
