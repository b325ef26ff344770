package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	"go.uber.org/zap"
)

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type reportFailureRequest struct {
	SubscriptionID string `json:"subscription_id"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
}

type decisionResponse struct {
	Decision      string     `json:"decision"`
	AttemptNumber int        `json:"attempt_number,omitempty"`
	RetryAt       *time.Time `json:"retry_at,omitempty"`
}

// ReportFailure handles POST /v1/invoices/:id/failures. The billing
// pipeline calls it when a renewal charge is declined, which is what pulls
// an invoice into dunning.
func (s *Server) ReportFailure(c *gin.Context) {
	invoiceID, err := invoiceIDParam(c)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req reportFailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	decision, err := s.engine.ProcessFailure(c.Request.Context(), subscriptionID, invoiceID, req.ErrorCode, req.ErrorMessage)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, toDecisionResponse(decision))
}

// RetryNow handles POST /v1/invoices/:id/retry. Support uses it to charge
// immediately instead of waiting for the scheduled retry.
func (s *Server) RetryNow(c *gin.Context) {
	invoiceID, err := invoiceIDParam(c)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	subscriptionID, err := s.subscriptionFor(c, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	decision, err := s.engine.RetryPayment(c.Request.Context(), subscriptionID, invoiceID)
	if err != nil {
		s.log.Error("manual retry failed",
			zap.Error(err),
			zap.String("invoice_id", invoiceID.String()))
		AbortWithError(c, err)
		return
	}
	respondData(c, toDecisionResponse(decision))
}

type extendGraceRequest struct {
	Days int `json:"days"`
}

// ExtendGrace handles POST /v1/invoices/:id/grace.
func (s *Server) ExtendGrace(c *gin.Context) {
	invoiceID, err := invoiceIDParam(c)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	var req extendGraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	subscriptionID, err := s.subscriptionFor(c, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.engine.ExtendGracePeriod(c.Request.Context(), subscriptionID, invoiceID, req.Days); err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{"extended_days": req.Days})
}

// ListAttempts handles GET /v1/invoices/:id/attempts.
func (s *Server) ListAttempts(c *gin.Context) {
	invoiceID, err := invoiceIDParam(c)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	attempts, err := s.dunningRepo.ListAttempts(c.Request.Context(), s.db, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, attempts)
}

func (s *Server) subscriptionFor(c *gin.Context, invoiceID snowflake.ID) (snowflake.ID, error) {
	invoice, err := s.invoiceRepo.FindByID(c.Request.Context(), s.db, invoiceID)
	if err != nil {
		return 0, err
	}
	if invoice == nil {
		return 0, dunningdomain.ErrInvoiceNotFound
	}
	return invoice.SubscriptionID, nil
}

func invoiceIDParam(c *gin.Context) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(c.Param("id")))
}

func toDecisionResponse(d dunningdomain.Decision) decisionResponse {
	return decisionResponse{
		Decision:      string(d.Kind),
		AttemptNumber: d.AttemptNumber,
		RetryAt:       d.RetryAt,
	}
}
