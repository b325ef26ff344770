package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/railzwaylabs/dunning/internal/config"
	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	Adapter gatewaydomain.WebhookAdapter
	Engine  dunningdomain.Engine
}

// Service ingests provider webhooks: verify the signature, parse the event,
// hand the outcome to the engine. Replayed deliveries resolve to NoOp inside
// the engine, so ingestion itself carries no dedup state.
type Service struct {
	log      *zap.Logger
	provider string
	adapter  gatewaydomain.WebhookAdapter
	engine   dunningdomain.Engine
}

func NewService(p Params) *Service {
	return &Service{
		log:      p.Log.Named("gateway.webhook"),
		provider: strings.ToLower(strings.TrimSpace(p.Cfg.Gateway.Provider)),
		adapter:  p.Adapter,
		engine:   p.Engine,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider != s.provider {
		return gatewaydomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return gatewaydomain.ErrInvalidPayload
	}

	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Error(err))
		return err
	}

	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrEventIgnored) {
			s.log.Debug("webhook event ignored", zap.String("provider", provider))
			return nil
		}
		s.log.Error("webhook parsing failed",
			zap.String("provider", provider),
			zap.Error(err),
			zap.Int("payload_size", len(payload)))
		return err
	}

	decision, err := s.engine.ApplyGatewayOutcome(ctx, event)
	if err != nil {
		return err
	}

	s.log.Info("webhook applied",
		zap.String("provider", provider),
		zap.String("event", event.ProviderEvent),
		zap.String("invoice_id", event.InvoiceID.String()),
		zap.String("decision", string(decision.Kind)))
	return nil
}
