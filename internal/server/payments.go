package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	"github.com/smallbiznis/rentflow/pkg/db/pagination"
	"go.uber.org/zap"
)

type attachInvoiceRequest struct {
	InvoiceID string `json:"invoice_id"`
}

type resolveReviewRequest struct {
	Note string `json:"note"`
}

func (s *Server) GetPayment(c *gin.Context) {
	id, ok := s.paymentIDParam(c)
	if !ok {
		return
	}

	payment, err := s.paymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) GetPaymentHistory(c *gin.Context) {
	id, ok := s.paymentIDParam(c)
	if !ok {
		return
	}

	history, err := s.paymentSvc.History(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": history})
}

func (s *Server) ListPaymentTransfers(c *gin.Context) {
	id, ok := s.paymentIDParam(c)
	if !ok {
		return
	}

	if _, err := s.paymentSvc.Get(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	transfers, err := s.transferSvc.ListByPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transfers})
}

func (s *Server) ListRenterPayments(c *gin.Context) {
	renterID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || renterID == 0 {
		AbortWithError(c, newValidationError("renter_id", "invalid_renter_id", "invalid renter id"))
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.ListByRenter(c.Request.Context(), renterID, paymentdomain.ListRequest{Pagination: page})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Payments, "page_info": resp.PageInfo})
}

func (s *Server) ListOwnerPayments(c *gin.Context) {
	ownerID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || ownerID == 0 {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner_id", "invalid owner id"))
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.ListByOwner(c.Request.Context(), ownerID, paymentdomain.ListRequest{Pagination: page})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Payments, "page_info": resp.PageInfo})
}

func (s *Server) InitiatePayment(c *gin.Context) {
	var req paymentdomain.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.Initiate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("payment_id", payment.ID.String())
	c.JSON(http.StatusCreated, gin.H{"data": payment})
}

func (s *Server) AttachInvoice(c *gin.Context) {
	id, ok := s.paymentIDParam(c)
	if !ok {
		return
	}

	var req attachInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.AttachInvoice(c.Request.Context(), id, req.InvoiceID, paymentdomain.SourceSystem)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

// PollPayment asks the gateway for the payment's status on behalf of an operator.
func (s *Server) PollPayment(c *gin.Context) {
	id, ok := s.paymentIDParam(c)
	if !ok {
		return
	}

	s.audit(c, "payment.poll_requested", "payment", id.String(), nil)

	result, err := s.reconciler.PollPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.paymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result, "data": payment})
}

func (s *Server) SchedulePayout(c *gin.Context) {
	id, ok := s.paymentIDParam(c)
	if !ok {
		return
	}

	s.audit(c, "payment.payout_requested", "payment", id.String(), nil)

	transfer, err := s.payoutSvc.Schedule(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transfer})
}

func (s *Server) ResolveReview(c *gin.Context) {
	id, ok := s.paymentIDParam(c)
	if !ok {
		return
	}

	var req resolveReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.ResolveReview(c.Request.Context(), id, strings.TrimSpace(req.Note))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) paymentIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError("payment_id", "invalid_payment_id", "invalid payment id"))
		return 0, false
	}
	c.Set("payment_id", id.String())
	return id, true
}

// audit records an operator request before it runs so refused actions are traceable too.
func (s *Server) audit(c *gin.Context, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(c.Request.Context(), "", nil, action, targetType, &targetID, metadata); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
