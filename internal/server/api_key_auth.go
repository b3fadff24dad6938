package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/rentflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	obscontext "github.com/smallbiznis/rentflow/internal/observability/context"
)

const (
	contextPrincipalKey = "principal"

	surfaceOperator = "operator"
	surfaceWebhook  = "webhook"
)

// APIKeyRequired authenticates operator requests with a bearer API key.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			s.rejectCredential(c)
			return
		}

		principal, err := s.apiKeySvc.Authenticate(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, apikeydomain.ErrInvalidAPIKey) {
				s.rejectCredential(c)
				return
			}
			AbortWithError(c, err)
			return
		}

		c.Set(contextPrincipalKey, *principal)
		ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeOperator), principal.KeyID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) rejectCredential(c *gin.Context) {
	s.sweeperMetric.IncAuthFailure(surfaceOperator)
	s.authFailures.RecordFailure(c.Request.Context(), surfaceOperator, c.ClientIP())
	AbortWithError(c, ErrUnauthorized)
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func principalFromContext(c *gin.Context) (apikeydomain.Principal, bool) {
	value, ok := c.Get(contextPrincipalKey)
	if !ok {
		return apikeydomain.Principal{}, false
	}
	principal, ok := value.(apikeydomain.Principal)
	return principal, ok
}
