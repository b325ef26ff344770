package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	dunningdomain "github.com/railzwaylabs/dunning/internal/dunning/domain"
	gatewaydomain "github.com/railzwaylabs/dunning/internal/gateway/domain"
)

var ErrInvalidRequest = errors.New("invalid_request")

func respondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// AbortWithError maps domain errors onto HTTP statuses. Unknown errors stay
// opaque to the caller.
func AbortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, dunningdomain.ErrInvalidGraceDays),
		errors.Is(err, gatewaydomain.ErrInvalidPayload):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, gatewaydomain.ErrInvalidSignature):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, dunningdomain.ErrInvoiceNotFound),
		errors.Is(err, dunningdomain.ErrSubscriptionNotFound),
		errors.Is(err, gatewaydomain.ErrProviderNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, dunningdomain.ErrInvoiceNotInDunning):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
