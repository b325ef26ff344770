package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/railzwaylabs/dunning/internal/config"
	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	"github.com/railzwaylabs/dunning/internal/gateway/webhook"
	invoicedomain "github.com/railzwaylabs/dunning/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Cfg         config.Config
	Engine      dunningdomain.Engine
	DunningRepo dunningdomain.Repository
	InvoiceRepo invoicedomain.Repository
	WebhookSvc  *webhook.Service
}

type Server struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         config.Config
	engine      dunningdomain.Engine
	dunningRepo dunningdomain.Repository
	invoiceRepo invoicedomain.Repository
	webhookSvc  *webhook.Service
}

func NewServer(p Params) *Server {
	return &Server{
		db:          p.DB,
		log:         p.Log.Named("server"),
		cfg:         p.Cfg,
		engine:      p.Engine,
		dunningRepo: p.DunningRepo,
		invoiceRepo: p.InvoiceRepo,
		webhookSvc:  p.WebhookSvc,
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/webhooks/:provider", s.IngestWebhook)

	v1 := r.Group("/v1")
	{
		v1.POST("/invoices/:id/failures", s.ReportFailure)
		v1.POST("/invoices/:id/retry", s.RetryNow)
		v1.POST("/invoices/:id/grace", s.ExtendGrace)
		v1.GET("/invoices/:id/attempts", s.ListAttempts)
	}
	return r
}
