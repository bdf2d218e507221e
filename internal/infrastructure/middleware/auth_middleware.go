package middleware

import (
	"errors"
	"net/http"
	"strings"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/services"
	"callgrid/pkg/logger"

	"github.com/gin-gonic/gin"
)

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setUser(c *gin.Context, claims *services.Claims) {
	c.Set("user_id", claims.UserID)
	c.Set("username", claims.Username)

	ctx := services.ContextWithUser(c.Request.Context(), claims.UserID)
	ctx = logger.WithUserID(ctx, string(claims.UserID))
	c.Request = c.Request.WithContext(ctx)
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		setUser(c, claims)
		c.Next()
	}
}

// SessionPermissionMiddleware requires the authenticated user to hold at
// least requiredRole on the session named by the :id path parameter.
func SessionPermissionMiddleware(authService services.AuthService, requiredRole domain.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := authService.GetUserFromContext(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		sessionID := domain.SessionID(c.Param("id"))
		if sessionID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session id required"})
			return
		}

		if err := authService.CheckSessionPermission(c.Request.Context(), userID, sessionID, requiredRole); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}

		c.Set("session_id", sessionID)
		c.Next()
	}
}
