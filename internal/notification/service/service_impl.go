package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/dunning/internal/clock"
	"github.com/railzwaylabs/dunning/internal/config"
	notificationdomain "github.com/railzwaylabs/dunning/internal/notification/domain"
	"github.com/railzwaylabs/dunning/internal/observability"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	redis   *goredis.Client
	queue   string
	metrics *observability.Metrics
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Redis   *goredis.Client
	Cfg     config.Config
	Metrics *observability.Metrics
}

func NewService(p Params) notificationdomain.Port {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("notification.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		redis:   p.Redis,
		queue:   p.Cfg.Redis.Queue,
		metrics: p.Metrics,
	}
}

type envelope struct {
	Type           string         `json:"type"`
	SubscriptionID string         `json:"subscription_id"`
	InvoiceID      string         `json:"invoice_id"`
	AttemptNumber  int            `json:"attempt_number"`
	TemplateVars   map[string]any `json:"template_vars,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

// Enqueue records the notification and pushes it onto the email pipeline's
// queue. The dedup insert comes first: if this exact (invoice, type,
// attempt) was already recorded, the engine is replaying a decision it
// already made and nothing is pushed. Queue trouble is logged and swallowed;
// a missing email must never block the invoice state machine.
func (s *Service) Enqueue(ctx context.Context, n notificationdomain.Notification) error {
	now := s.clock.Now(ctx)
	record := notificationdomain.Record{
		ID:             s.genID.Generate(),
		SubscriptionID: n.SubscriptionID,
		InvoiceID:      n.InvoiceID,
		Type:           n.Type,
		AttemptNumber:  n.AttemptNumber,
		SentAt:         now,
	}
	if n.TemplateVars != nil {
		record.TemplateVars = datatypes.JSONMap(n.TemplateVars)
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			s.log.Debug("notification already recorded",
				zap.String("type", string(n.Type)),
				zap.String("invoice_id", n.InvoiceID.String()),
				zap.Int("attempt", n.AttemptNumber))
			return nil
		}
		return err
	}

	payload, err := json.Marshal(envelope{
		Type:           string(n.Type),
		SubscriptionID: n.SubscriptionID.String(),
		InvoiceID:      n.InvoiceID.String(),
		AttemptNumber:  n.AttemptNumber,
		TemplateVars:   n.TemplateVars,
		EnqueuedAt:     now,
	})
	if err != nil {
		return err
	}

	if err := s.redis.LPush(ctx, s.queue, payload).Err(); err != nil {
		s.log.Warn("failed to push notification to queue",
			zap.Error(err),
			zap.String("type", string(n.Type)),
			zap.String("invoice_id", n.InvoiceID.String()))
		return nil
	}

	s.metrics.NotificationsSent.WithLabelValues(string(n.Type)).Inc()
	return nil
}
