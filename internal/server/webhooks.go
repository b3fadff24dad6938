package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	reconcilerdomain "github.com/smallbiznis/rentflow/internal/reconciler/domain"
	"go.uber.org/zap"
)

const (
	HeaderGatewaySignature = "X-Gateway-Signature"
	maxWebhookBody         = 1 << 20
)

// HandleGatewayWebhook acknowledges every authenticated, well-formed event.
// Business conflicts are recorded on the payment, not bounced.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.reconciler.HandleWebhook(c.Request.Context(), body, c.GetHeader(HeaderGatewaySignature))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result})
	case errors.Is(err, reconcilerdomain.ErrAuthenticationFailure):
		s.authFailures.RecordFailure(c.Request.Context(), surfaceWebhook, c.ClientIP())
		AbortWithError(c, ErrUnauthorized)
	case errors.Is(err, reconcilerdomain.ErrMalformedPayload),
		errors.Is(err, reconcilerdomain.ErrUnknownStatus),
		errors.Is(err, reconcilerdomain.ErrUnknownInvoice):
		AbortWithError(c, err)
	case errors.Is(err, reconcilerdomain.ErrAmountMismatch),
		errors.Is(err, paymentdomain.ErrLedgerConflict),
		errors.Is(err, paymentdomain.ErrTransactionClaimed):
		s.log.Warn("gateway event held for review", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	default:
		// The event row is stored; the sweeper's poll converges the payment.
		s.log.Error("gateway event not applied", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
