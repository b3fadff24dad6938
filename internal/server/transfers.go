package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type cancelTransferRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) GetTransfer(c *gin.Context) {
	id, ok := transferIDParam(c)
	if !ok {
		return
	}

	transfer, err := s.transferSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transfer})
}

// CancelTransfer stops a transfer that has not been attempted yet.
func (s *Server) CancelTransfer(c *gin.Context) {
	id, ok := transferIDParam(c)
	if !ok {
		return
	}

	var req cancelTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, newValidationError("reason", "invalid_reason", "reason is required"))
		return
	}

	s.audit(c, "transfer.cancel_requested", "transfer", id.String(), map[string]any{"reason": reason})

	transfer, err := s.transferSvc.Cancel(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transfer})
}

// GetRemittanceAdvice renders the owner's PDF advice for a settled transfer.
func (s *Server) GetRemittanceAdvice(c *gin.Context) {
	if s.remittance == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	id, ok := transferIDParam(c)
	if !ok {
		return
	}

	doc, err := s.remittance.RenderPDF(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, doc.Filename))
	c.Data(http.StatusOK, "application/pdf", doc.Content)
}

func transferIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError("transfer_id", "invalid_transfer_id", "invalid transfer id"))
		return 0, false
	}
	return id, true
}
