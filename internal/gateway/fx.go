package gateway

import (
	"strings"

	"github.com/railzwaylabs/dunning/internal/config"
	"github.com/railzwaylabs/dunning/internal/gateway/adapters/airwallex"
	"github.com/railzwaylabs/dunning/internal/gateway/adapters/stripe"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
	"github.com/railzwaylabs/dunning/internal/gateway/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(NewCharger),
	fx.Provide(NewWebhookAdapter),
	fx.Provide(webhook.NewService),
)

// NewCharger selects the provider adapter at construction time. Both the
// charging port and the webhook port are backed by the same adapter so the
// charge-time metadata and the webhook correlation agree.
func NewCharger(cfg config.Config) (gatewaydomain.Charger, error) {
	return buildAdapter(cfg)
}

func NewWebhookAdapter(cfg config.Config) (gatewaydomain.WebhookAdapter, error) {
	return buildAdapter(cfg)
}

func buildAdapter(cfg config.Config) (interface {
	gatewaydomain.Charger
	gatewaydomain.WebhookAdapter
}, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Provider)) {
	case "stripe":
		return stripe.New(cfg.Gateway.APIKey, cfg.Gateway.WebhookSecret, cfg.Gateway.BaseURL, cfg.Gateway.ChargeTimeout)
	case "airwallex":
		return airwallex.New(cfg.Gateway.APIKey, cfg.Gateway.WebhookSecret, cfg.Gateway.BaseURL, cfg.Gateway.ChargeTimeout)
	default:
		return nil, gatewaydomain.ErrProviderNotFound
	}
}
