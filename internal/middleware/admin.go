package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-calling/internal/models"
)

const ContextUser = "user"

type UserLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// RequireAdmin must run after JWTAuth.
func RequireAdmin(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := users.FindByID(c.Request.Context(), c.GetString(ContextUserID))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "user not found",
			})
			return
		}
		if !user.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "Admin access required",
			})
			return
		}
		c.Set(ContextUser, user)
		c.Next()
	}
}
