package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/response"
)

// RequireRole lets the request through only if the token carries one of roles.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}

		response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
	}
}
