package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rentflow/internal/authorization"
)

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		subject := authorization.Subject{KeyID: principal.KeyID, Role: string(principal.Role)}
		if err := s.authzSvc.Authorize(c.Request.Context(), subject, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
